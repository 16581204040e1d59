// Package sqlite is the durable local replica of the ledger, one row per
// user, whole-record load/save. SQLite via the pure-Go modernc driver, so
// the binary stays CGO-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
)

// Store implements the ledger store on a SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at dbPath and runs migrations.
// Use ":memory:" for tests.
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps reads cheap while the engine serializes writes per user.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS ledger_records (
			user_id             TEXT PRIMARY KEY,
			balance             REAL NOT NULL DEFAULT 0,
			total_earned        REAL NOT NULL DEFAULT 0,
			total_time_seconds  INTEGER NOT NULL DEFAULT 0,
			daily_time_seconds  INTEGER NOT NULL DEFAULT 0,
			today_detox_seconds INTEGER NOT NULL DEFAULT 0,
			current_streak      INTEGER NOT NULL DEFAULT 0,
			last_activity_date  TEXT,
			weekly_histogram    TEXT NOT NULL DEFAULT '[0,0,0,0,0,0,0]',
			week_window_start   TEXT NOT NULL,
			last_daily_reset_at TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_updated_at ON ledger_records(updated_at)`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the record for userID, or (nil, nil) when none exists.
// A row that cannot be decoded yields *domain.ErrStateCorrupted so the
// caller can fall back to a fresh record instead of crashing.
func (s *Store) Load(ctx context.Context, userID string) (*domain.LedgerRecord, error) {
	var (
		rec           domain.LedgerRecord
		lastActivity  sql.NullString
		histogramJSON string
		weekStart     string
		lastReset     string
		updatedAt     string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, total_earned, total_time_seconds, daily_time_seconds,
		       today_detox_seconds, current_streak, last_activity_date, weekly_histogram,
		       week_window_start, last_daily_reset_at, updated_at
		FROM ledger_records WHERE user_id = ?
	`, userID).Scan(
		&rec.UserID, &rec.Balance, &rec.TotalEarned, &rec.TotalTimeSeconds,
		&rec.DailyTimeSeconds, &rec.TodayDetoxSeconds, &rec.CurrentStreak,
		&lastActivity, &histogramJSON, &weekStart, &lastReset, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger record: %w", err)
	}

	if err := json.Unmarshal([]byte(histogramJSON), &rec.WeeklyHistogram); err != nil {
		return nil, &domain.ErrStateCorrupted{UserID: userID, Err: err}
	}
	if lastActivity.Valid && lastActivity.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastActivity.String)
		if err != nil {
			return nil, &domain.ErrStateCorrupted{UserID: userID, Err: err}
		}
		rec.LastActivityDate = t
	}
	if rec.WeekWindowStart, err = time.Parse(time.RFC3339Nano, weekStart); err != nil {
		return nil, &domain.ErrStateCorrupted{UserID: userID, Err: err}
	}
	if rec.LastDailyResetAt, err = time.Parse(time.RFC3339Nano, lastReset); err != nil {
		return nil, &domain.ErrStateCorrupted{UserID: userID, Err: err}
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, &domain.ErrStateCorrupted{UserID: userID, Err: err}
	}

	return &rec, nil
}

// Save upserts the whole record. Single statement, so atomic from the
// caller's point of view.
func (s *Store) Save(ctx context.Context, rec *domain.LedgerRecord) error {
	histogram, err := json.Marshal(rec.WeeklyHistogram)
	if err != nil {
		return fmt.Errorf("encode histogram: %w", err)
	}

	lastActivity := ""
	if !rec.LastActivityDate.IsZero() {
		lastActivity = rec.LastActivityDate.Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_records
			(user_id, balance, total_earned, total_time_seconds, daily_time_seconds,
			 today_detox_seconds, current_streak, last_activity_date, weekly_histogram,
			 week_window_start, last_daily_reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance             = excluded.balance,
			total_earned        = excluded.total_earned,
			total_time_seconds  = excluded.total_time_seconds,
			daily_time_seconds  = excluded.daily_time_seconds,
			today_detox_seconds = excluded.today_detox_seconds,
			current_streak      = excluded.current_streak,
			last_activity_date  = excluded.last_activity_date,
			weekly_histogram    = excluded.weekly_histogram,
			week_window_start   = excluded.week_window_start,
			last_daily_reset_at = excluded.last_daily_reset_at,
			updated_at          = excluded.updated_at
	`,
		rec.UserID, rec.Balance, rec.TotalEarned, rec.TotalTimeSeconds,
		rec.DailyTimeSeconds, rec.TodayDetoxSeconds, rec.CurrentStreak,
		lastActivity, string(histogram),
		rec.WeekWindowStart.Format(time.RFC3339Nano),
		rec.LastDailyResetAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save ledger record: %w", err)
	}
	return nil
}

// Delete removes the record for userID. Used by the dev-only reset.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger_records WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete ledger record: %w", err)
	}
	return nil
}
