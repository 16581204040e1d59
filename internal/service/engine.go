// Package service provides the business logic layer: the ledger engine,
// which owns every mutation of a user's progress record, and the
// reconciler, which merges the local and remote replicas.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/observability"
	"github.com/offtimehq/offtime-ledger-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var engineTracer = otel.Tracer("service/engine")

// Engine owns all ledger mutations. Every operation is a full
// load -> apply pending resets -> mutate -> save cycle, serialized per
// user by a mutex: the store exposes whole-record writes only, so two
// interleaved cycles would silently drop one of them.
type Engine struct {
	store         port.LedgerStore
	metrics       *observability.Metrics
	logger        *zap.Logger
	clock         port.Clock
	statsCache    port.Cache[*domain.LedgerRecord]
	startingGrant float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a ledger engine.
func NewEngine(store port.LedgerStore, metrics *observability.Metrics, logger *zap.Logger, clock port.Clock, statsCache port.Cache[*domain.LedgerRecord], startingGrant float64) *Engine {
	return &Engine{
		store:         store,
		metrics:       metrics,
		logger:        logger,
		clock:         clock,
		statsCache:    statsCache,
		startingGrant: startingGrant,
		locks:         make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing all cycles for one user.
func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// load returns the user's record, creating a fresh one (with the starting
// grant) on first touch. A corrupt row is logged and replaced by a fresh
// record rather than propagated: losing one install's counters beats
// bricking the account.
func (e *Engine) load(ctx context.Context, userID string, now time.Time) (*domain.LedgerRecord, error) {
	rec, err := e.store.Load(ctx, userID)
	if err != nil {
		if _, corrupted := err.(*domain.ErrStateCorrupted); corrupted {
			e.logger.Warn("ledger state corrupted, starting fresh",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return domain.NewLedgerRecord(userID, now, e.startingGrant), nil
		}
		return nil, err
	}
	if rec == nil {
		return domain.NewLedgerRecord(userID, now, e.startingGrant), nil
	}
	return rec, nil
}

// applyPendingResets performs the lazy boundary rollovers. Daily first:
// the outgoing day's minutes are filed into the histogram bucket of the
// day they belong to before the counters are zeroed. Weekly second, so a
// week boundary observed together with a day boundary still files the day
// and then clears the window. Idempotent: a second call in the same day
// is a no-op.
func (e *Engine) applyPendingResets(rec *domain.LedgerRecord, now time.Time) bool {
	changed := false

	if domain.ShouldResetDaily(rec.LastDailyResetAt, now) {
		outgoing := int(rec.LastDailyResetAt.Weekday())
		rec.WeeklyHistogram[outgoing] = rec.DailyTimeSeconds / 60
		rec.DailyTimeSeconds = 0
		rec.TodayDetoxSeconds = 0
		rec.LastDailyResetAt = now
		e.metrics.IncrReset("daily")
		changed = true
	}

	if domain.ShouldResetWeekly(rec.WeekWindowStart, now) {
		rec.WeeklyHistogram = [7]int64{}
		rec.WeekWindowStart = now
		e.metrics.IncrReset("weekly")
		changed = true
	}

	return changed
}

// mutate runs one serialized load->resets->fn->save cycle for userID.
// fn may return a typed domain error to abort with the record unchanged.
func (e *Engine) mutate(ctx context.Context, operation, userID string, fn func(rec *domain.LedgerRecord, now time.Time) error) (*domain.LedgerRecord, error) {
	start := e.clock.Now()
	defer func() {
		e.metrics.RecordOpDuration(operation, time.Since(start))
	}()

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now()
	rec, err := e.load(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	e.applyPendingResets(rec, now)

	if fn != nil {
		if err := fn(rec, now); err != nil {
			return nil, err
		}
	}

	rec.UpdatedAt = now
	if err := e.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	e.statsCache.Delete(userID)
	return rec, nil
}

// CreditCurrency adds amount to the spendable balance and lifetime total.
func (e *Engine) CreditCurrency(ctx context.Context, userID string, amount float64) (*domain.LedgerRecord, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.CreditCurrency")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Float64("amount", amount))

	if amount <= 0 {
		return nil, &domain.ErrValidation{Field: "amount", Message: "must be positive"}
	}

	rec, err := e.mutate(ctx, "credit", userID, func(rec *domain.LedgerRecord, now time.Time) error {
		rec.Balance += amount
		rec.TotalEarned += amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.AddCurrency("credit", amount)
	e.logger.Info("currency credited",
		zap.String("user_id", userID),
		zap.Float64("amount", amount),
		zap.Float64("balance", rec.Balance),
	)
	return rec, nil
}

// DebitCurrency removes amount from the spendable balance. It is the only
// gate for spends: insufficient balance yields a typed error and leaves
// the record untouched.
func (e *Engine) DebitCurrency(ctx context.Context, userID string, amount float64) (*domain.LedgerRecord, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.DebitCurrency")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Float64("amount", amount))

	if amount <= 0 {
		return nil, &domain.ErrValidation{Field: "amount", Message: "must be positive"}
	}

	rec, err := e.mutate(ctx, "debit", userID, func(rec *domain.LedgerRecord, now time.Time) error {
		if rec.Balance < amount {
			e.metrics.IncrDebitRejected()
			return &domain.ErrInsufficientBalance{Available: rec.Balance, Required: amount}
		}
		rec.Balance -= amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.AddCurrency("debit", amount)
	e.logger.Info("currency debited",
		zap.String("user_id", userID),
		zap.Float64("amount", amount),
		zap.Float64("balance", rec.Balance),
	)
	return rec, nil
}

// RecordDetoxSession files one completed detox session: optional currency
// earned, time counters, today's histogram bucket, and the streak.
func (e *Engine) RecordDetoxSession(ctx context.Context, userID string, earned float64, durationSeconds int64) (*domain.LedgerRecord, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.RecordDetoxSession")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Float64("earned", earned),
		attribute.Int64("duration_seconds", durationSeconds),
	)

	if durationSeconds <= 0 {
		return nil, &domain.ErrValidation{Field: "duration_seconds", Message: "must be positive"}
	}
	if earned < 0 {
		return nil, &domain.ErrValidation{Field: "earned", Message: "must not be negative"}
	}

	rec, err := e.mutate(ctx, "session", userID, func(rec *domain.LedgerRecord, now time.Time) error {
		if earned > 0 {
			rec.Balance += earned
			rec.TotalEarned += earned
		}
		rec.TotalTimeSeconds += durationSeconds
		rec.DailyTimeSeconds += durationSeconds
		rec.TodayDetoxSeconds += durationSeconds

		// Today's bucket always mirrors "minutes so far today".
		rec.WeeklyHistogram[int(now.Weekday())] = rec.DailyTimeSeconds / 60

		rec.CurrentStreak = domain.NextStreak(rec.LastActivityDate, now, rec.CurrentStreak)
		rec.LastActivityDate = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if earned > 0 {
		e.metrics.AddCurrency("credit", earned)
	}
	e.metrics.AddDetoxSeconds(durationSeconds)
	e.logger.Info("detox session recorded",
		zap.String("user_id", userID),
		zap.Int64("duration_seconds", durationSeconds),
		zap.Float64("earned", earned),
		zap.Int("streak", rec.CurrentStreak),
	)
	return rec, nil
}

// AccrueDetoxTime adds background-tracked away time without granting
// currency or touching the streak.
func (e *Engine) AccrueDetoxTime(ctx context.Context, userID string, seconds int64) (*domain.LedgerRecord, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.AccrueDetoxTime")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Int64("seconds", seconds))

	if seconds <= 0 {
		return nil, &domain.ErrValidation{Field: "seconds", Message: "must be positive"}
	}

	rec, err := e.mutate(ctx, "accrual", userID, func(rec *domain.LedgerRecord, now time.Time) error {
		rec.TotalTimeSeconds += seconds
		rec.DailyTimeSeconds += seconds
		rec.WeeklyHistogram[int(now.Weekday())] = rec.DailyTimeSeconds / 60
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.AddDetoxSeconds(seconds)
	return rec, nil
}

// RecordStreakActivity registers a streak-qualifying activity for today.
func (e *Engine) RecordStreakActivity(ctx context.Context, userID string) (*domain.LedgerRecord, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.RecordStreakActivity")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	return e.mutate(ctx, "activity", userID, func(rec *domain.LedgerRecord, now time.Time) error {
		rec.CurrentStreak = domain.NextStreak(rec.LastActivityDate, now, rec.CurrentStreak)
		rec.LastActivityDate = now
		return nil
	})
}

// Stats returns the current record. A read still runs (and persists)
// pending boundary resets, so a client polling across midnight sees the
// rollover without any mutation arriving first. Results are cached
// briefly; any mutation invalidates the entry.
func (e *Engine) Stats(ctx context.Context, userID string) (*domain.LedgerRecord, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Stats")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if cached, ok := e.statsCache.Get(userID); ok {
		// A boundary may have crossed since the entry was written.
		now := e.clock.Now()
		if !domain.ShouldResetDaily(cached.LastDailyResetAt, now) &&
			!domain.ShouldResetWeekly(cached.WeekWindowStart, now) {
			e.metrics.IncrCacheHit("stats")
			return cached, nil
		}
		e.statsCache.Delete(userID)
	}
	e.metrics.IncrCacheMiss("stats")

	rec, err := e.mutate(ctx, "stats", userID, nil)
	if err != nil {
		return nil, err
	}

	e.statsCache.Set(userID, rec.Clone())
	return rec, nil
}

// ForceReset zeroes the whole record. Dev tooling only.
func (e *Engine) ForceReset(ctx context.Context, userID string) (*domain.LedgerRecord, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.ForceReset")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	rec, err := e.mutate(ctx, "force_reset", userID, func(rec *domain.LedgerRecord, now time.Time) error {
		rec.ZeroOut(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Warn("ledger force reset", zap.String("user_id", userID))
	return rec, nil
}

// ApplyMerged persists a reconciler merge output under the user's lock,
// local-first. The merged record supersedes the row wholesale.
func (e *Engine) ApplyMerged(ctx context.Context, rec *domain.LedgerRecord) error {
	lock := e.userLock(rec.UserID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.store.Save(ctx, rec); err != nil {
		return err
	}
	e.statsCache.Delete(rec.UserID)
	return nil
}
