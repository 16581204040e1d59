// Package replica provides the remote replica gateway over a Supabase
// PostgREST backend. The remote side stores one opaque document per user;
// all conflict resolution happens in the reconciler, never here.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("replica")

const recordsTable = "detox_progress"

// Client wraps HTTP calls to the remote replica's PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
}

// NewClient creates a replica gateway client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
	}
}

// remoteRecord maps the remote table columns to the domain record.
type remoteRecord struct {
	UserID            string   `json:"user_id"`
	Balance           float64  `json:"balance"`
	TotalEarned       float64  `json:"total_earned"`
	TotalTimeSeconds  int64    `json:"total_time_seconds"`
	DailyTimeSeconds  int64    `json:"daily_time_seconds"`
	TodayDetoxSeconds int64    `json:"today_detox_seconds"`
	CurrentStreak     int      `json:"current_streak"`
	LastActivityDate  string   `json:"last_activity_date"`
	WeeklyHistogram   [7]int64 `json:"weekly_histogram"`
	WeekWindowStart   string   `json:"week_window_start"`
	LastDailyResetAt  string   `json:"last_daily_reset_at"`
	UpdatedAt         string   `json:"updated_at"`
}

func toRemote(rec *domain.LedgerRecord) remoteRecord {
	r := remoteRecord{
		UserID:            rec.UserID,
		Balance:           rec.Balance,
		TotalEarned:       rec.TotalEarned,
		TotalTimeSeconds:  rec.TotalTimeSeconds,
		DailyTimeSeconds:  rec.DailyTimeSeconds,
		TodayDetoxSeconds: rec.TodayDetoxSeconds,
		CurrentStreak:     rec.CurrentStreak,
		WeeklyHistogram:   rec.WeeklyHistogram,
		WeekWindowStart:   rec.WeekWindowStart.Format(time.RFC3339Nano),
		LastDailyResetAt:  rec.LastDailyResetAt.Format(time.RFC3339Nano),
		UpdatedAt:         rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !rec.LastActivityDate.IsZero() {
		r.LastActivityDate = rec.LastActivityDate.Format(time.RFC3339Nano)
	}
	return r
}

func (r remoteRecord) toDomain() (*domain.LedgerRecord, error) {
	rec := &domain.LedgerRecord{
		UserID:            r.UserID,
		Balance:           r.Balance,
		TotalEarned:       r.TotalEarned,
		TotalTimeSeconds:  r.TotalTimeSeconds,
		DailyTimeSeconds:  r.DailyTimeSeconds,
		TodayDetoxSeconds: r.TodayDetoxSeconds,
		CurrentStreak:     r.CurrentStreak,
		WeeklyHistogram:   r.WeeklyHistogram,
	}

	var err error
	if r.LastActivityDate != "" {
		if rec.LastActivityDate, err = time.Parse(time.RFC3339Nano, r.LastActivityDate); err != nil {
			return nil, fmt.Errorf("decode last_activity_date: %w", err)
		}
	}
	if rec.WeekWindowStart, err = time.Parse(time.RFC3339Nano, r.WeekWindowStart); err != nil {
		return nil, fmt.Errorf("decode week_window_start: %w", err)
	}
	if rec.LastDailyResetAt, err = time.Parse(time.RFC3339Nano, r.LastDailyResetAt); err != nil {
		return nil, fmt.Errorf("decode last_daily_reset_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return rec, nil
}

// GetRecord fetches the remote document for userID. Returns (nil, nil)
// when the user has never synced.
func (c *Client) GetRecord(ctx context.Context, userID string) (*domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Replica.GetRecord")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	var rec *domain.LedgerRecord

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			path := fmt.Sprintf("%s?user_id=eq.%s&limit=1", recordsTable, userID)
			body, err := c.doRequest(ctx, http.MethodGet, path)
			if err != nil {
				return err
			}

			if body == nil || string(body) == "[]" {
				rec = nil
				return nil
			}

			var rows []remoteRecord
			if err := json.Unmarshal(body, &rows); err != nil {
				return fmt.Errorf("decode remote record: %w", err)
			}
			if len(rows) == 0 {
				rec = nil
				return nil
			}

			rec, err = rows[0].toDomain()
			return err
		})
	})

	if err != nil {
		return nil, &domain.ErrExternalService{Service: "replica", Err: err}
	}
	return rec, nil
}

// PutRecord upserts the whole remote document. Merge-duplicates lets the
// same statement serve first sync and every later one.
func (c *Client) PutRecord(ctx context.Context, rec *domain.LedgerRecord) error {
	ctx, span := tracer.Start(ctx, "Replica.PutRecord")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", rec.UserID))

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			return c.doUpsert(ctx, recordsTable, toRemote(rec))
		})
	})

	if err != nil {
		return &domain.ErrExternalService{Service: "replica", Err: err}
	}
	return nil
}

// doRequest executes an authenticated request to the PostgREST API.
func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		c.logger.Error("replica: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceRoleKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("replica: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("replica: failed to read response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil // no data
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("replica: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, fmt.Errorf("replica returned status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("replica: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	return body, nil
}

func (c *Client) doUpsert(ctx context.Context, table string, data any) error {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	jsonBody, err := json.Marshal(data)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceRoleKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("replica: upsert request failed",
			zap.String("table", table),
			zap.Error(err),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("replica: upsert non-2xx",
			zap.String("table", table),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return fmt.Errorf("replica upsert %s returned %d: %s", table, resp.StatusCode, string(body))
	}

	c.logger.Debug("replica: upsert OK", zap.String("table", table), zap.Int("status", resp.StatusCode))
	return nil
}
