package observability

import (
	"time"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	opDuration      *prometheus.HistogramVec
	resetsApplied   *prometheus.CounterVec
	currencyMoved   *prometheus.CounterVec
	detoxSeconds    prometheus.Counter
	syncsTotal      *prometheus.CounterVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	debitsRejected  prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		opDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger engine operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		resetsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_resets_applied_total",
				Help: "Lazy boundary resets applied, by kind (daily/weekly).",
			},
			[]string{"kind"},
		),
		currencyMoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_currency_total",
				Help: "Currency credited and debited.",
			},
			[]string{"direction"},
		),
		detoxSeconds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_detox_seconds_total",
				Help: "Detox seconds recorded across all users.",
			},
		),
		syncsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_syncs_total",
				Help: "Reconciliation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		debitsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_debits_rejected_total",
				Help: "Debits rejected for insufficient balance.",
			},
		),
	}
}

// RecordOpDuration records the duration of an engine operation.
func (m *Metrics) RecordOpDuration(operation string, d time.Duration) {
	m.opDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrReset increments the reset counter for "daily" or "weekly".
func (m *Metrics) IncrReset(kind string) {
	m.resetsApplied.WithLabelValues(kind).Inc()
}

// AddCurrency tracks credited ("credit") or debited ("debit") currency.
func (m *Metrics) AddCurrency(direction string, amount float64) {
	m.currencyMoved.WithLabelValues(direction).Add(amount)
}

// AddDetoxSeconds tracks recorded detox time.
func (m *Metrics) AddDetoxSeconds(seconds int64) {
	m.detoxSeconds.Add(float64(seconds))
}

// IncrSync increments the sync counter for an outcome (merged,
// local_only, skipped, failed).
func (m *Metrics) IncrSync(outcome string) {
	m.syncsTotal.WithLabelValues(outcome).Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrDebitRejected counts an insufficient-balance rejection.
func (m *Metrics) IncrDebitRejected() {
	m.debitsRejected.Inc()
}

// SyncSnapshot returns the cumulative sync counters for the
// GET /v1/metrics/sync endpoint.
func (m *Metrics) SyncSnapshot() *domain.SyncMetrics {
	merged := getCounterValue(m.syncsTotal, string(domain.SyncMerged))
	localOnly := getCounterValue(m.syncsTotal, string(domain.SyncLocalOnly))
	skipped := getCounterValue(m.syncsTotal, string(domain.SyncSkipped))
	failed := getCounterValue(m.syncsTotal, "failed")

	attempts := merged + localOnly + skipped + failed
	successRate := float64(0)
	if attempts-skipped > 0 {
		successRate = merged / (attempts - skipped)
	}

	return &domain.SyncMetrics{
		Attempts:     int64(attempts),
		Merged:       int64(merged),
		LocalOnly:    int64(localOnly),
		Skipped:      int64(skipped),
		Failed:       int64(failed),
		SuccessRate:  successRate,
		ReplicaError: int64(getCounterValue(m.externalErrors, "replica")),
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
