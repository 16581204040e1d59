package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

// mockReplica imitates the PostgREST surface the replica gateway talks to:
// GET with a user_id=eq. filter returns a JSON array, POST upserts a row.
type mockReplica struct {
	mu   sync.Mutex
	rows map[string]json.RawMessage
	puts int
}

func newMockReplica() *mockReplica {
	return &mockReplica{rows: make(map[string]json.RawMessage)}
}

func (m *mockReplica) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			userID := ""
			if filter := r.URL.Query().Get("user_id"); len(filter) > 3 {
				userID = filter[3:] // strip "eq."
			}
			w.Header().Set("Content-Type", "application/json")
			row, ok := m.rows[userID]
			if !ok {
				w.Write([]byte("[]"))
				return
			}
			out, _ := json.Marshal([]json.RawMessage{row})
			w.Write(out)

		case http.MethodPost:
			var buf bytes.Buffer
			buf.ReadFrom(r.Body)

			var row struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(buf.Bytes(), &row); err != nil || row.UserID == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			m.rows[row.UserID] = json.RawMessage(buf.Bytes())
			m.puts++
			w.WriteHeader(http.StatusCreated)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (m *mockReplica) row(userID string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[userID]
	return row, ok
}

func (m *mockReplica) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *mockReplica) seed(t *testing.T, userID string, doc map[string]any) {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("failed to seed replica row: %v", err)
	}
	m.mu.Lock()
	m.rows[userID] = raw
	m.mu.Unlock()
}

type stack struct {
	router  http.Handler
	replica *mockReplica
}

func newStack(t *testing.T, verifyURL string) *stack {
	t.Helper()

	mock := newMockReplica()
	replicaServer := httptest.NewServer(mock.handler())
	t.Cleanup(replicaServer.Close)

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 10}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gateway := replica.NewClient(
		httpClient,
		replicaServer.URL,
		"anon-key",
		"service-key",
		resilience.NewCircuitBreaker("replica-it"),
		cfg,
		logger,
	)

	clock := port.SystemClock{}
	engine := service.NewEngine(store, metrics, logger, clock,
		cache.New[*domain.LedgerRecord](time.Minute), 50)
	reconciler := service.NewReconciler(
		store,
		gateway,
		engine,
		cache.New[time.Time](time.Minute),
		resilience.NewBulkhead(4),
		metrics,
		logger,
		clock,
		5*time.Second,
		50,
	)

	var verifier port.RewardVerifier
	if verifyURL != "" {
		verifier = client.NewAdVerifyClient(httpClient, verifyURL,
			resilience.NewCircuitBreaker("adverify-it"), cfg)
	}

	router := handler.NewRouter(handler.Deps{
		Engine:     engine,
		Reconciler: reconciler,
		Verifier:   verifier,
		Metrics:    metrics,
		Logger:     logger,
	})

	return &stack{router: router, replica: mock}
}

func do(t *testing.T, router http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestIntegration_FullFlow walks a user through earn, spend, detox session
// and sync, then checks the merged document landed on the mock replica.
func TestIntegration_FullFlow(t *testing.T) {
	s := newStack(t, "")

	// First read seeds the starting grant.
	rec := do(t, s.router, http.MethodGet, "/v1/users/u-it-1/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get ledger: expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s.router, http.MethodPost, "/v1/users/u-it-1/ledger/credit",
		map[string]any{"amount": 30, "source": "achievement"})
	if rec.Code != http.StatusOK {
		t.Fatalf("credit: expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s.router, http.MethodPost, "/v1/users/u-it-1/ledger/debit",
		map[string]any{"amount": 20, "reason": "theme_purchase"})
	if rec.Code != http.StatusOK {
		t.Fatalf("debit: expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s.router, http.MethodPost, "/v1/users/u-it-1/ledger/sessions",
		map[string]any{"earned": 10, "duration_seconds": 3600})
	if rec.Code != http.StatusCreated {
		t.Fatalf("session: expected 201, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s.router, http.MethodPost, "/v1/users/u-it-1/ledger/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var result domain.SyncResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode sync result: %v", err)
	}
	if result.Status != domain.SyncMerged {
		t.Errorf("expected status %q, got %q", domain.SyncMerged, result.Status)
	}
	if !result.RemoteSynced {
		t.Error("expected remote push to succeed")
	}
	if result.Record == nil {
		t.Fatal("expected merged record in sync result")
	}
	// 50 grant + 30 credit - 20 debit + 10 session
	if result.Record.Balance != 70 {
		t.Errorf("expected balance 70, got %v", result.Record.Balance)
	}
	if result.Record.TotalTimeSeconds != 3600 {
		t.Errorf("expected total time 3600, got %d", result.Record.TotalTimeSeconds)
	}

	raw, ok := s.replica.row("u-it-1")
	if !ok {
		t.Fatal("expected document on the replica after sync")
	}
	var pushed struct {
		Balance          float64 `json:"balance"`
		TotalTimeSeconds int64   `json:"total_time_seconds"`
	}
	if err := json.Unmarshal(raw, &pushed); err != nil {
		t.Fatalf("failed to decode pushed document: %v", err)
	}
	if pushed.Balance != 70 {
		t.Errorf("replica balance: expected 70, got %v", pushed.Balance)
	}
	if pushed.TotalTimeSeconds != 3600 {
		t.Errorf("replica total time: expected 3600, got %d", pushed.TotalTimeSeconds)
	}
}

// TestIntegration_SyncMergesRemoteProgress seeds the replica with progress
// from another device and checks the merge keeps the higher totals.
func TestIntegration_SyncMergesRemoteProgress(t *testing.T) {
	s := newStack(t, "")

	now := time.Now().UTC()
	s.replica.seed(t, "u-it-2", map[string]any{
		"user_id":             "u-it-2",
		"balance":             200.0,
		"total_earned":        300.0,
		"total_time_seconds":  7200,
		"daily_time_seconds":  0,
		"today_detox_seconds": 0,
		"current_streak":      9,
		"weekly_histogram":    []int64{0, 0, 60, 0, 0, 0, 0},
		"week_window_start":   now.Add(-48 * time.Hour).Format(time.RFC3339Nano),
		"last_daily_reset_at": now.Format(time.RFC3339Nano),
		"updated_at":          now.Add(-time.Hour).Format(time.RFC3339Nano),
	})

	// Local activity on this device before first sync.
	rec := do(t, s.router, http.MethodPost, "/v1/users/u-it-2/ledger/sessions",
		map[string]any{"earned": 5, "duration_seconds": 600})
	if rec.Code != http.StatusCreated {
		t.Fatalf("session: expected 201, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s.router, http.MethodPost, "/v1/users/u-it-2/ledger/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var result domain.SyncResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode sync result: %v", err)
	}
	if result.Record == nil {
		t.Fatal("expected merged record in sync result")
	}

	// Remote balance (200) beats local grant + session (55).
	if result.Record.Balance != 200 {
		t.Errorf("expected merged balance 200, got %v", result.Record.Balance)
	}
	if result.Record.TotalTimeSeconds != 7200 {
		t.Errorf("expected merged total time 7200, got %d", result.Record.TotalTimeSeconds)
	}
	if result.Record.CurrentStreak != 9 {
		t.Errorf("expected merged streak 9, got %d", result.Record.CurrentStreak)
	}
	// Day-scoped counters stay local.
	if result.Record.TodayDetoxSeconds != 600 {
		t.Errorf("expected local today counter 600, got %d", result.Record.TodayDetoxSeconds)
	}

	// Merged state must be readable locally afterwards.
	rec = do(t, s.router, http.MethodGet, "/v1/users/u-it-2/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get ledger: expected 200, got %d", rec.Code)
	}
	var local domain.LedgerRecord
	if err := json.NewDecoder(rec.Body).Decode(&local); err != nil {
		t.Fatalf("failed to decode ledger: %v", err)
	}
	if local.Balance != 200 {
		t.Errorf("expected local balance 200 after sync, got %v", local.Balance)
	}
}

// TestIntegration_SyncCooldown checks the second sync inside the cooldown
// window is skipped without touching the replica again.
func TestIntegration_SyncCooldown(t *testing.T) {
	s := newStack(t, "")

	rec := do(t, s.router, http.MethodPost, "/v1/users/u-it-3/ledger/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first sync: expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}
	putsAfterFirst := s.replica.putCount()

	rec = do(t, s.router, http.MethodPost, "/v1/users/u-it-3/ledger/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second sync: expected 200, got %d", rec.Code)
	}

	var result domain.SyncResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode sync result: %v", err)
	}
	if result.Status != domain.SyncSkipped {
		t.Errorf("expected status %q, got %q", domain.SyncSkipped, result.Status)
	}
	if s.replica.putCount() != putsAfterFirst {
		t.Errorf("skipped sync must not push: puts went %d -> %d", putsAfterFirst, s.replica.putCount())
	}
}

// TestIntegration_AdReward drives the rewarded-ad flow through a mock
// verification backend.
func TestIntegration_AdReward(t *testing.T) {
	verifyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID      string `json:"user_id"`
			RewardToken string `json:"reward_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RewardToken == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"completed": true,
			"amount":    25.0,
			"grant_id":  "grant-it-1",
		})
	}))
	defer verifyServer.Close()

	s := newStack(t, verifyServer.URL)

	rec := do(t, s.router, http.MethodPost, "/v1/users/u-it-4/rewards/ad-complete",
		map[string]any{"reward_token": "tok-it"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ad-complete: expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Credited bool                 `json:"credited"`
		GrantID  string               `json:"grant_id"`
		Amount   float64              `json:"amount"`
		Record   *domain.LedgerRecord `json:"record"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !out.Credited || out.GrantID != "grant-it-1" {
		t.Errorf("unexpected reward response: %+v", out)
	}
	if out.Record == nil || out.Record.Balance != 75 {
		t.Errorf("expected balance 75 (grant + reward), got %+v", out.Record)
	}
}
