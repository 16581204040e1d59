package service

import (
	"context"
	"time"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/observability"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/resilience"
	"github.com/offtimehq/offtime-ledger-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var reconcilerTracer = otel.Tracer("service/reconciler")

// Merge combines the local and remote replicas of one user's record into
// the version both sides converge on. Deterministic and idempotent:
// merging the output with either input yields the output again, so replay
// after a failed push is safe. Either input may be nil.
func Merge(local, remote *domain.LedgerRecord) *domain.LedgerRecord {
	if local == nil && remote == nil {
		return nil
	}
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}

	m := local.Clone()

	// Monotonic counters: the larger value has seen strictly more history.
	m.Balance = maxFloat(local.Balance, remote.Balance)
	m.TotalEarned = maxFloat(local.TotalEarned, remote.TotalEarned)
	m.TotalTimeSeconds = maxInt(local.TotalTimeSeconds, remote.TotalTimeSeconds)
	if remote.CurrentStreak > local.CurrentStreak {
		m.CurrentStreak = remote.CurrentStreak
	}

	// Day-scoped counters stay local: the device asking to sync is the one
	// that lived through today.
	m.DailyTimeSeconds = local.DailyTimeSeconds
	m.TodayDetoxSeconds = local.TodayDetoxSeconds

	for i := range m.WeeklyHistogram {
		m.WeeklyHistogram[i] = maxInt(local.WeeklyHistogram[i], remote.WeeklyHistogram[i])
	}

	// Chronologically newer boundary stamps win, so the merge output does
	// not re-trigger a rollover either side already applied.
	m.LastDailyResetAt = laterTime(local.LastDailyResetAt, remote.LastDailyResetAt)
	m.WeekWindowStart = laterTime(local.WeekWindowStart, remote.WeekWindowStart)
	m.LastActivityDate = laterTime(local.LastActivityDate, remote.LastActivityDate)
	m.UpdatedAt = laterTime(local.UpdatedAt, remote.UpdatedAt)

	return m
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Reconciler drives the sync cycle: fetch both replicas, merge, persist
// local-first, push remote best-effort.
type Reconciler struct {
	store         port.LedgerStore
	gateway       port.ReplicaGateway
	engine        *Engine
	cooldown      port.Cache[time.Time]
	bulkhead      *resilience.Bulkhead
	metrics       *observability.Metrics
	logger        *zap.Logger
	clock         port.Clock
	syncTimeout   time.Duration
	startingGrant float64
}

// NewReconciler creates a reconciler.
func NewReconciler(store port.LedgerStore, gateway port.ReplicaGateway, engine *Engine, cooldown port.Cache[time.Time], bulkhead *resilience.Bulkhead, metrics *observability.Metrics, logger *zap.Logger, clock port.Clock, syncTimeout time.Duration, startingGrant float64) *Reconciler {
	return &Reconciler{
		store:         store,
		gateway:       gateway,
		engine:        engine,
		cooldown:      cooldown,
		bulkhead:      bulkhead,
		metrics:       metrics,
		logger:        logger,
		clock:         clock,
		syncTimeout:   syncTimeout,
		startingGrant: startingGrant,
	}
}

// Sync reconciles userID's local and remote replicas. A sync inside the
// cooldown window is skipped, not failed: periodic triggers and manual
// pulls race constantly and deduping them here keeps callers dumb.
func (r *Reconciler) Sync(ctx context.Context, userID string) (*domain.SyncResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciler.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	syncID := uuid.NewString()

	if _, ok := r.cooldown.Get(userID); ok {
		r.metrics.IncrSync(string(domain.SyncSkipped))
		return &domain.SyncResult{SyncID: syncID, Status: domain.SyncSkipped}, nil
	}

	if err := r.bulkhead.Acquire(ctx); err != nil {
		return nil, &domain.ErrTimeout{Operation: "sync: waiting for slot"}
	}
	defer r.bulkhead.Release()

	ctx, cancel := context.WithTimeout(ctx, r.syncTimeout)
	defer cancel()

	var local, remote *domain.LedgerRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = r.store.Load(gctx, userID)
		if _, corrupted := err.(*domain.ErrStateCorrupted); corrupted {
			// Unreadable local row: merge proceeds from the remote side.
			r.logger.Warn("local replica corrupted, syncing from remote",
				zap.String("user_id", userID), zap.Error(err))
			local, err = nil, nil
		}
		return err
	})
	g.Go(func() error {
		var err error
		remote, err = r.gateway.GetRecord(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		r.metrics.IncrSync("failed")
		r.metrics.IncrExternalError("replica")
		r.logger.Warn("sync fetch failed",
			zap.String("user_id", userID),
			zap.String("sync_id", syncID),
			zap.Error(err),
		)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &domain.ErrTimeout{Operation: "sync"}
		}
		return nil, err
	}

	merged := Merge(local, remote)
	if merged == nil {
		// User unknown on both sides: first contact via sync.
		merged = domain.NewLedgerRecord(userID, r.clock.Now(), r.startingGrant)
	}

	// Local first. A failure here fails the whole sync; the remote is
	// never ahead of the durable local replica.
	if err := r.engine.ApplyMerged(ctx, merged); err != nil {
		r.metrics.IncrSync("failed")
		return nil, err
	}

	result := &domain.SyncResult{
		SyncID:       syncID,
		Status:       domain.SyncMerged,
		RemoteSynced: true,
		Record:       merged,
	}

	if err := r.gateway.PutRecord(ctx, merged); err != nil {
		// Non-fatal: the merge is durable locally and idempotent, so the
		// next sync repeats the push.
		result.Status = domain.SyncLocalOnly
		result.RemoteSynced = false
		result.RemoteError = err.Error()
		r.metrics.IncrSync(string(domain.SyncLocalOnly))
		r.metrics.IncrExternalError("replica")
		r.logger.Warn("remote push failed, keeping local merge",
			zap.String("user_id", userID),
			zap.String("sync_id", syncID),
			zap.Error(err),
		)
	} else {
		r.metrics.IncrSync(string(domain.SyncMerged))
	}

	r.cooldown.Set(userID, r.clock.Now())
	r.logger.Info("sync completed",
		zap.String("user_id", userID),
		zap.String("sync_id", syncID),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}
