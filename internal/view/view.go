// Package view is the read-side store: materialized account documents plus
// the per-consumer dedup markers and per-aggregate progress the projector
// needs. Backed by Redis in production; the in-memory implementation serves
// tests and local development.
package view

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no document exists for an aggregate.
var ErrNotFound = errors.New("view document not found")

// AccountView is the materialized read model for one account.
type AccountView struct {
	AccountID    uint64          `json:"account_id"`
	Balance      decimal.Decimal `json:"balance"`
	LastSequence uint64          `json:"last_sequence"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Store is the view-store contract. All balance writes are set-based so a
// redelivered event converges instead of double-applying.
type Store interface {
	// IsProcessed reports whether consumer already applied eventID.
	IsProcessed(ctx context.Context, eventID, consumer string) (bool, error)
	// MarkProcessed records the marker with insert-if-absent semantics and
	// reports whether this call created it.
	MarkProcessed(ctx context.Context, eventID, consumer string) (bool, error)
	// ApplyBalance sets the account document to the given balance and advances
	// the progress marker to sequence.
	ApplyBalance(ctx context.Context, accountID uint64, balance decimal.Decimal, sequence uint64) error
	// GetAccount loads the materialized document.
	GetAccount(ctx context.Context, accountID uint64) (*AccountView, error)
	// LastApplied returns the progress marker, 0 if the document is absent.
	LastApplied(ctx context.Context, accountID uint64) (uint64, error)
	// DeleteAccount removes the materialized document. Compensation uses it
	// to drop documents with no ledger aggregate behind them.
	DeleteAccount(ctx context.Context, accountID uint64) error
}
