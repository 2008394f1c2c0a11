package faults

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds is returned when an account balance cannot cover a debit.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ValidationError means a business rule was violated. Never retried and never
// compensated: the command left no effect.
type ValidationError struct {
	Rule string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed (%s): %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("validation failed (%s)", e.Rule)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation wraps err as a ValidationError for the named rule.
func Validation(rule string, err error) error {
	return &ValidationError{Rule: rule, Err: err}
}

// TransientStoreError marks a store failure worth retrying at the point of
// origin: timeouts, dropped connections, lock conflicts.
type TransientStoreError struct {
	Store string
	Err   error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Store, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// Transient wraps err as retryable against the named store.
func Transient(store string, err error) error {
	return &TransientStoreError{Store: store, Err: err}
}

// PermanentStoreError marks a store failure that retrying cannot fix, e.g. a
// constraint violation. Surfaces as a saga failure and triggers compensation.
type PermanentStoreError struct {
	Store string
	Err   error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("permanent %s error: %v", e.Store, e.Err)
}

func (e *PermanentStoreError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable against the named store.
func Permanent(store string, err error) error {
	return &PermanentStoreError{Store: store, Err: err}
}

// ProjectionError is a failure applying an event to the view store. Routed to
// the DLQ once step-level retries are exhausted.
type ProjectionError struct {
	EventID  string
	Consumer string
	Err      error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection of event %s by %s failed: %v", e.EventID, e.Consumer, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// ConsistencyMismatch is a divergence found by the validator. Lag-caused
// mismatches are repairable by reconciliation; impossible progress states are
// escalate-only.
type ConsistencyMismatch struct {
	AggregateID uint64
	Repairable  bool
	Detail      string
}

func (e *ConsistencyMismatch) Error() string {
	return fmt.Sprintf("consistency mismatch on aggregate %d: %s", e.AggregateID, e.Detail)
}

// IsRetryable reports whether err should be retried where it occurred.
// Validation and permanent failures are terminal; everything wrapping a
// TransientStoreError is fair game.
func IsRetryable(err error) bool {
	var v *ValidationError
	var p *PermanentStoreError
	if errors.As(err, &v) || errors.As(err, &p) {
		return false
	}
	var t *TransientStoreError
	return errors.As(err, &t)
}
