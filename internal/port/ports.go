// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
)

// LedgerStore is the durable local replica of the ledger: whole-record
// load/save only. No partial-field updates and no compare-and-set are
// assumed, so the engine must serialize every load-modify-save cycle.
type LedgerStore interface {
	// Load returns the record for userID, or (nil, nil) when none exists.
	// A row that exists but cannot be decoded yields *domain.ErrStateCorrupted.
	Load(ctx context.Context, userID string) (*domain.LedgerRecord, error)
	// Save persists the whole record, atomically from the caller's view.
	Save(ctx context.Context, rec *domain.LedgerRecord) error
	// Delete removes the record. Dev/testing escape hatch only.
	Delete(ctx context.Context, userID string) error
}

// ReplicaGateway is the remote replica of the ledger: opaque get/set of a
// full document keyed by user identity. No queries, no partial updates,
// no transactions.
type ReplicaGateway interface {
	// GetRecord returns the remote record, or (nil, nil) when the user
	// has never synced.
	GetRecord(ctx context.Context, userID string) (*domain.LedgerRecord, error)
	// PutRecord upserts the whole remote document.
	PutRecord(ctx context.Context, rec *domain.LedgerRecord) error
}

// RewardVerifier checks with the ad mediation backend whether the user
// actually completed a rewarded interaction. The ledger engine never calls
// this; handlers use the answer to decide whether to credit.
type RewardVerifier interface {
	VerifyReward(ctx context.Context, userID, rewardToken string) (*domain.RewardGrant, error)
}

// Clock supplies the current time. Injectable for deterministic tests of
// boundary-crossing behavior.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
