package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/offtimehq/offtime-ledger-go/internal/config"
	"github.com/offtimehq/offtime-ledger-go/internal/domain"
	"github.com/offtimehq/offtime-ledger-go/internal/handler"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/cache"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/client"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/observability"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/replica"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/resilience"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/sqlite"
	"github.com/offtimehq/offtime-ledger-go/internal/port"
	"github.com/offtimehq/offtime-ledger-go/internal/service"

	"go.uber.org/zap"
)

// offlineGateway stands in for the remote replica when none is configured.
// Reads report an absent document; writes fail, so every sync completes
// local-only instead of erroring.
type offlineGateway struct{}

func (offlineGateway) GetRecord(context.Context, string) (*domain.LedgerRecord, error) {
	return nil, nil
}

func (offlineGateway) PutRecord(context.Context, *domain.LedgerRecord) error {
	return &domain.ErrExternalService{Service: "replica", Err: errors.New("remote replica not configured")}
}

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("use_replica", cfg.UseReplica),
		zap.Duration("sync_cooldown", cfg.SyncCooldown),
		zap.Duration("sync_timeout", cfg.SyncTimeout),
		zap.Float64("starting_grant", cfg.StartingGrant),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "offtime-ledger")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Caches ---
	statsCache := cache.New[*domain.LedgerRecord](cfg.CacheTTL)
	cooldownCache := cache.New[time.Time](cfg.SyncCooldown)

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Local replica ---
	store, err := sqlite.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("failed to open ledger store", zap.Error(err))
	}
	defer store.Close()

	// --- Remote replica ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var gateway port.ReplicaGateway = offlineGateway{}
	if cfg.UseReplica && cfg.ReplicaURL != "" {
		logger.Info("remote replica enabled", zap.String("replica_url", cfg.ReplicaURL))
		gateway = replica.NewClient(
			httpClient,
			cfg.ReplicaURL,
			cfg.ReplicaAnonKey,
			cfg.ReplicaServiceKey,
			resilience.NewCircuitBreaker("replica"),
			resilienceCfg,
			logger,
		)
	} else {
		logger.Warn("remote replica not configured, syncs will complete local-only")
	}

	verifier := client.NewAdVerifyClient(
		httpClient,
		cfg.RewardVerifyURL,
		resilience.NewCircuitBreaker("adverify"),
		resilienceCfg,
	)

	// --- Services ---
	clock := port.SystemClock{}
	engine := service.NewEngine(store, metrics, logger, clock, statsCache, cfg.StartingGrant)
	reconciler := service.NewReconciler(
		store,
		gateway,
		engine,
		cooldownCache,
		resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics,
		logger,
		clock,
		cfg.SyncTimeout,
		cfg.StartingGrant,
	)

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		Engine:     engine,
		Reconciler: reconciler,
		Verifier:   verifier,
		Metrics:    metrics,
		Logger:     logger,
		JWTSecret:  cfg.JWTSecret,
		DevMode:    cfg.DevMode,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
