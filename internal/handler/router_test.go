package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
	"github.com/offtimehq/offtime-ledger-go/internal/handler"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/cache"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/observability"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/sqlite"
	"github.com/offtimehq/offtime-ledger-go/internal/port"
	"github.com/offtimehq/offtime-ledger-go/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type stubVerifier struct {
	grant *domain.RewardGrant
	err   error
}

func (s stubVerifier) VerifyReward(_ context.Context, _, _ string) (*domain.RewardGrant, error) {
	return s.grant, s.err
}

func newTestRouter(t *testing.T, jwtSecret string, devMode bool, verifier port.RewardVerifier) http.Handler {
	t.Helper()

	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	store, err := sqlite.New(":memory:", logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	statsCache := cache.New[*domain.LedgerRecord](time.Minute)
	engine := service.NewEngine(store, metrics, logger, port.SystemClock{}, statsCache, 50)

	return handler.NewRouter(handler.Deps{
		Engine:    engine,
		Verifier:  verifier,
		Metrics:   metrics,
		Logger:    logger,
		JWTSecret: jwtSecret,
		DevMode:   devMode,
	})
}

func doJSON(t *testing.T, router http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
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

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestGetLedger_SeedsStartingGrant(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/users/u1/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var out domain.LedgerRecord
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out.Balance != 50 {
		t.Errorf("expected starting grant 50, got %v", out.Balance)
	}
	if out.UserID != "u1" {
		t.Errorf("expected user u1, got %s", out.UserID)
	}
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/users/u1/ledger/credit",
		map[string]any{"amount": -5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d. Body: %s", rec.Code, rec.Body.String())
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/users/u1/ledger/debit",
		map[string]any{"amount": 10000})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d. Body: %s", rec.Code, rec.Body.String())
	}
}

func TestSession_RecordsAndReturnsCreated(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/users/u1/ledger/sessions",
		map[string]any{"earned": 10, "duration_seconds": 1800})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var out domain.LedgerRecord
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out.Balance != 60 {
		t.Errorf("expected balance 60 (grant + earned), got %v", out.Balance)
	}
	if out.TodayDetoxSeconds != 1800 {
		t.Errorf("expected today counter 1800, got %d", out.TodayDetoxSeconds)
	}
	if out.CurrentStreak != 1 {
		t.Errorf("expected streak 1, got %d", out.CurrentStreak)
	}
}

func TestAdComplete_CreditsOnVerifiedReward(t *testing.T) {
	verifier := stubVerifier{grant: &domain.RewardGrant{
		Completed: true,
		Amount:    25,
		GrantID:   "grant-1",
	}}
	router := newTestRouter(t, "", false, verifier)

	rec := doJSON(t, router, http.MethodPost, "/v1/users/u1/rewards/ad-complete",
		map[string]any{"reward_token": "tok-abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Credited bool    `json:"credited"`
		GrantID  string  `json:"grant_id"`
		Amount   float64 `json:"amount"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !out.Credited || out.GrantID != "grant-1" || out.Amount != 25 {
		t.Errorf("unexpected ad-complete response: %+v", out)
	}
}

func TestAdComplete_IncompleteRewardNotCredited(t *testing.T) {
	verifier := stubVerifier{grant: &domain.RewardGrant{Completed: false}}
	router := newTestRouter(t, "", false, verifier)

	rec := doJSON(t, router, http.MethodPost, "/v1/users/u1/rewards/ad-complete",
		map[string]any{"reward_token": "tok-abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Credited bool `json:"credited"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out.Credited {
		t.Error("expected incomplete reward to not credit")
	}
}

func TestAdComplete_MissingToken(t *testing.T) {
	router := newTestRouter(t, "", false, stubVerifier{})

	rec := doJSON(t, router, http.MethodPost, "/v1/users/u1/rewards/ad-complete",
		map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAuth_MissingTokenRejected(t *testing.T) {
	router := newTestRouter(t, "test-secret", false, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/users/u1/ledger", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAuth_ValidTokenAccepted(t *testing.T) {
	router := newTestRouter(t, "test-secret", false, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/u1/ledger", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "u1"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}
}

func TestAuth_SubjectMismatchRejected(t *testing.T) {
	router := newTestRouter(t, "test-secret", false, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/u1/ledger", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "someone-else"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestDevReset_OnlyMountedInDevMode(t *testing.T) {
	prod := newTestRouter(t, "", false, nil)
	rec := doJSON(t, prod, http.MethodPost, "/v1/dev/reset", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected dev route absent in production, got %d", rec.Code)
	}

	dev := newTestRouter(t, "", true, nil)
	rec = doJSON(t, dev, http.MethodPost, "/v1/dev/reset", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 in dev mode, got %d. Body: %s", rec.Code, rec.Body.String())
	}
}

func TestSyncMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, "", false, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/metrics/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out domain.SyncMetrics
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out.Attempts != 0 {
		t.Errorf("expected zero attempts on fresh service, got %d", out.Attempts)
	}
}
