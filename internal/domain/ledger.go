// Package domain contains the core business types of the progress ledger:
// the per-user ledger record, the time-boundary policy, and the typed errors
// shared by every layer above.
package domain

import "time"

// StartingGrant is the default currency balance seeded into a brand-new
// record. Overridable via config; this is product policy, not an invariant.
const StartingGrant = 50.0

// LedgerRecord is the durable progress record for one user. It is mutated
// exclusively through the ledger engine and superseded in full by the
// reconciler's merge output.
type LedgerRecord struct {
	UserID string `json:"user_id"`

	// Balance is the currently spendable currency. Never negative.
	Balance float64 `json:"balance"`
	// TotalEarned is lifetime currency ever credited. Never decreases.
	TotalEarned float64 `json:"total_earned"`

	// TotalTimeSeconds is lifetime detox time. Never decreases.
	TotalTimeSeconds int64 `json:"total_time_seconds"`
	// DailyTimeSeconds is detox time accumulated in the current calendar
	// day, across both session and background-accrual entry points.
	DailyTimeSeconds int64 `json:"daily_time_seconds"`
	// TodayDetoxSeconds counts only completed sessions recorded today.
	// Reset together with DailyTimeSeconds, always atomically.
	TodayDetoxSeconds int64 `json:"today_detox_seconds"`

	// CurrentStreak is the number of consecutive calendar days with at
	// least one qualifying activity.
	CurrentStreak int `json:"current_streak"`
	// LastActivityDate is the calendar date of the last streak-qualifying
	// activity. Zero value means "never".
	LastActivityDate time.Time `json:"last_activity_date"`

	// WeeklyHistogram holds minutes of detox time per day of week,
	// Sunday..Saturday, for the current 7-day window.
	WeeklyHistogram [7]int64 `json:"weekly_histogram"`
	// WeekWindowStart anchors the current weekly window. The window is
	// 7 raw days from this instant, not calendar-week aligned.
	WeekWindowStart time.Time `json:"week_window_start"`

	LastDailyResetAt time.Time `json:"last_daily_reset_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewLedgerRecord returns a zero-initialized record for a first launch,
// with the starting grant already credited.
func NewLedgerRecord(userID string, now time.Time, grant float64) *LedgerRecord {
	if grant < 0 {
		grant = 0
	}
	return &LedgerRecord{
		UserID:           userID,
		Balance:          grant,
		TotalEarned:      grant,
		WeekWindowStart:  now,
		LastDailyResetAt: now,
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy. WeeklyHistogram is an array, so a plain
// struct copy is already deep.
func (r *LedgerRecord) Clone() *LedgerRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// ZeroOut resets every progress field and stamps the bookkeeping
// timestamps to now. Used by the dev-only force reset.
func (r *LedgerRecord) ZeroOut(now time.Time) {
	r.Balance = 0
	r.TotalEarned = 0
	r.TotalTimeSeconds = 0
	r.DailyTimeSeconds = 0
	r.TodayDetoxSeconds = 0
	r.CurrentStreak = 0
	r.LastActivityDate = time.Time{}
	r.WeeklyHistogram = [7]int64{}
	r.WeekWindowStart = now
	r.LastDailyResetAt = now
	r.UpdatedAt = now
}

// SyncStatus describes the outcome of one reconciliation attempt.
type SyncStatus string

const (
	// SyncMerged means the merged record reached both replicas.
	SyncMerged SyncStatus = "merged"
	// SyncLocalOnly means the merge was persisted locally but the push
	// to the remote replica failed; it will be retried on a later sync.
	SyncLocalOnly SyncStatus = "local_only"
	// SyncSkipped means a sync already ran within the cooldown window.
	SyncSkipped SyncStatus = "skipped"
)

// SyncResult is returned by the reconciler for every sync attempt.
type SyncResult struct {
	SyncID       string        `json:"sync_id"`
	Status       SyncStatus    `json:"status"`
	RemoteSynced bool          `json:"remote_synced"`
	RemoteError  string        `json:"remote_error,omitempty"`
	Record       *LedgerRecord `json:"record,omitempty"`
}

// SyncMetrics is a point-in-time snapshot of the service's cumulative
// reconciliation counters, served on the sync metrics endpoint.
type SyncMetrics struct {
	Attempts     int64   `json:"attempts"`
	Merged       int64   `json:"merged"`
	LocalOnly    int64   `json:"local_only"`
	Skipped      int64   `json:"skipped"`
	Failed       int64   `json:"failed"`
	SuccessRate  float64 `json:"success_rate"`
	ReplicaError int64   `json:"replica_errors"`
}
