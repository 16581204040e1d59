package domain

import "fmt"

// Error types for consistent error handling across the ledger service.
// Expected conditions (bad input, insufficient balance, remote replica
// unavailable) are typed values, never panics.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrInsufficientBalance indicates not enough spendable currency for a
// debit. This is a normal business outcome, not a fault: callers are
// expected to recover (e.g. offer an earning path instead).
type ErrInsufficientBalance struct {
	Available float64
	Required  float64
}

func (e *ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: available=%.2f required=%.2f", e.Available, e.Required)
}

// ErrStateCorrupted indicates the local ledger row could not be decoded.
// Callers should fall back to a zero-initialized record rather than crash.
type ErrStateCorrupted struct {
	UserID string
	Err    error
}

func (e *ErrStateCorrupted) Error() string {
	return fmt.Sprintf("ledger state corrupted for %s: %v", e.UserID, e.Err)
}

func (e *ErrStateCorrupted) Unwrap() error {
	return e.Err
}

// ErrExternalService indicates a failure in an external service call
// (remote replica, reward verifier). Never destructive to local state.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrUnauthorized indicates an invalid or missing bearer token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
