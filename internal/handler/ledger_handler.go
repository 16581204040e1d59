package handler

import (
	"encoding/json"
	"net/http"

	"github.com/offtimehq/offtime-ledger-go/internal/port"
	"github.com/offtimehq/offtime-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// requireUserID resolves {userId} and, when the request was authenticated,
// rejects a token whose subject names a different user.
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	if sub := UserIDFromContext(r.Context()); sub != "" && sub != userID {
		writeError(w, http.StatusForbidden, "token subject does not match user")
		return "", false
	}
	return userID, true
}

// ============================================================
// GET /v1/users/{userId}/ledger
// ============================================================

func getLedgerHandler(eng *service.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/users/{userId}/ledger")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("user.id", userID))

		rec, err := eng.Stats(ctx, userID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ============================================================
// POST /v1/users/{userId}/ledger/credit
// ============================================================

func creditHandler(eng *service.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/users/{userId}/ledger/credit")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req struct {
			Amount float64 `json:"amount"`
			Source string  `json:"source,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rec, err := eng.CreditCurrency(ctx, userID, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ============================================================
// POST /v1/users/{userId}/ledger/debit
// ============================================================

func debitHandler(eng *service.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/users/{userId}/ledger/debit")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req struct {
			Amount float64 `json:"amount"`
			Reason string  `json:"reason,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rec, err := eng.DebitCurrency(ctx, userID, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ============================================================
// POST /v1/users/{userId}/ledger/sessions
// ============================================================

func sessionHandler(eng *service.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/users/{userId}/ledger/sessions")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req struct {
			Earned          float64 `json:"earned"`
			DurationSeconds int64   `json:"duration_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rec, err := eng.RecordDetoxSession(ctx, userID, req.Earned, req.DurationSeconds)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

// ============================================================
// POST /v1/users/{userId}/ledger/accrual
// ============================================================

func accrualHandler(eng *service.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/users/{userId}/ledger/accrual")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req struct {
			Seconds int64 `json:"seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rec, err := eng.AccrueDetoxTime(ctx, userID, req.Seconds)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ============================================================
// POST /v1/users/{userId}/ledger/activity
// ============================================================

func activityHandler(eng *service.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/users/{userId}/ledger/activity")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		rec, err := eng.RecordStreakActivity(ctx, userID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ============================================================
// POST /v1/users/{userId}/ledger/sync
// ============================================================

func syncHandler(rec *service.Reconciler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/users/{userId}/ledger/sync")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		result, err := rec.Sync(ctx, userID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ============================================================
// POST /v1/users/{userId}/rewards/ad-complete
// ============================================================

func adCompleteHandler(eng *service.Engine, verifier port.RewardVerifier, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/users/{userId}/rewards/ad-complete")
		defer span.End()

		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req struct {
			RewardToken string `json:"reward_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.RewardToken == "" {
			writeError(w, http.StatusBadRequest, "reward_token is required")
			return
		}

		grant, err := verifier.VerifyReward(ctx, userID, req.RewardToken)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if !grant.Completed {
			logger.Warn("reward not completed, nothing credited",
				zap.String("user_id", userID),
				zap.String("grant_id", grant.GrantID),
			)
			writeJSON(w, http.StatusOK, map[string]any{"credited": false})
			return
		}

		rec, err := eng.CreditCurrency(ctx, userID, grant.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"credited": true,
			"grant_id": grant.GrantID,
			"amount":   grant.Amount,
			"record":   rec,
		})
	}
}

// ============================================================
// POST /v1/dev/reset (dev tools)
// ============================================================

func devResetHandler(eng *service.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/dev/reset")
		defer span.End()

		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		rec, err := eng.ForceReset(ctx, req.UserID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
