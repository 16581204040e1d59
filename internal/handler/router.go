// Package handler wires the ledger service to HTTP: chi router, JWT
// validation, and thin handlers that translate between JSON bodies and
// engine/reconciler calls.
package handler

import (
	"net/http"

	"github.com/offtimehq/offtime-ledger-go/internal/infra/observability"
	"github.com/offtimehq/offtime-ledger-go/internal/port"
	"github.com/offtimehq/offtime-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Deps bundles everything the router needs.
type Deps struct {
	Engine     *service.Engine
	Reconciler *service.Reconciler
	Verifier   port.RewardVerifier
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	JWTSecret  string
	DevMode    bool
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(d.Logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		r.Get("/metrics/sync", syncMetricsHandler(d.Metrics))

		r.Route("/users/{userId}", func(r chi.Router) {
			if d.JWTSecret != "" {
				r.Use(JWTAuthMiddleware(d.JWTSecret, d.Logger))
			}

			r.Get("/ledger", getLedgerHandler(d.Engine, d.Logger))
			r.Post("/ledger/credit", creditHandler(d.Engine, d.Logger))
			r.Post("/ledger/debit", debitHandler(d.Engine, d.Logger))
			r.Post("/ledger/sessions", sessionHandler(d.Engine, d.Logger))
			r.Post("/ledger/accrual", accrualHandler(d.Engine, d.Logger))
			r.Post("/ledger/activity", activityHandler(d.Engine, d.Logger))
			r.Post("/ledger/sync", syncHandler(d.Reconciler, d.Logger))
			r.Post("/rewards/ad-complete", adCompleteHandler(d.Engine, d.Verifier, d.Logger))
		})

		// Dev tools, never mounted in production builds.
		if d.DevMode {
			r.Post("/dev/reset", devResetHandler(d.Engine, d.Logger))
		}
	})

	return r
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func syncMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.SyncSnapshot())
	}
}
