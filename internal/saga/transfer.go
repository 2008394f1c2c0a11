package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/command"
	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/model"
	"github.com/ledgermesh/ledgermesh/internal/payload"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

// TypeTransfer is the saga type for two-account transfers.
const TypeTransfer = "transfer"

// EventViewMaterialized keys the compensator for the view-write step, which
// emits no ledger event of its own.
const EventViewMaterialized = "view.materialized"

// TransferInput is the per-execution input of a transfer saga.
type TransferInput struct {
	FromID uint64          `json:"from_id"`
	ToID   uint64          `json:"to_id"`
	Amount decimal.Decimal `json:"amount"`
}

func transferInput(in Input) (TransferInput, error) {
	ti, ok := in.(TransferInput)
	if !ok {
		return TransferInput{}, errors.New("transfer saga needs a TransferInput")
	}
	return ti, nil
}

// NewTransferDefinition builds the immutable transfer saga: debit the source,
// credit the destination, materialize both read models. Compensators reverse
// the ledger legs with inverse commands and re-materialize the view from
// ledger truth.
func NewTransferDefinition(h *command.Handler, views view.Store) (*Definition, error) {
	steps := []Step{
		{
			Name:      "debit_source",
			EventType: string(payload.EventAccountDebited),
			Forward: func(ctx context.Context, sagaID string, in Input) (json.RawMessage, error) {
				ti, err := transferInput(in)
				if err != nil {
					return nil, err
				}
				res, err := h.Submit(ctx, sagaID+":debit", payload.DebitAccount{
					AccountID:      ti.FromID,
					CounterpartyID: ti.ToID,
					TransferID:     sagaID,
					Amount:         ti.Amount,
				})
				if err != nil {
					return nil, err
				}
				return json.Marshal(res)
			},
		},
		{
			Name:      "credit_destination",
			EventType: string(payload.EventAccountCredited),
			Forward: func(ctx context.Context, sagaID string, in Input) (json.RawMessage, error) {
				ti, err := transferInput(in)
				if err != nil {
					return nil, err
				}
				res, err := h.Submit(ctx, sagaID+":credit", payload.CreditAccount{
					AccountID:      ti.ToID,
					CounterpartyID: ti.FromID,
					TransferID:     sagaID,
					Amount:         ti.Amount,
				})
				if err != nil {
					return nil, err
				}
				return json.Marshal(res)
			},
		},
		{
			Name:      "materialize_view",
			EventType: EventViewMaterialized,
			Forward: func(ctx context.Context, sagaID string, in Input) (json.RawMessage, error) {
				ti, err := transferInput(in)
				if err != nil {
					return nil, err
				}
				// Read-your-writes: push both documents now instead of
				// waiting for the projector to catch up.
				if err := materializeFromResult(ctx, views, sagaID+":debit", h); err != nil {
					return nil, err
				}
				if err := materializeFromResult(ctx, views, sagaID+":credit", h); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]uint64{"from": ti.FromID, "to": ti.ToID})
			},
		},
	}

	compensators := map[string]CompensateFunc{
		string(payload.EventAccountDebited): func(ctx context.Context, sagaID string, in Input, rec model.StepRecord) error {
			ti, err := transferInput(in)
			if err != nil {
				return err
			}
			_, err = h.Submit(ctx, sagaID+":debit:undo", payload.CreditAccount{
				AccountID:      ti.FromID,
				CounterpartyID: ti.ToID,
				TransferID:     sagaID + ":undo",
				Amount:         ti.Amount,
			})
			return err
		},
		string(payload.EventAccountCredited): func(ctx context.Context, sagaID string, in Input, rec model.StepRecord) error {
			ti, err := transferInput(in)
			if err != nil {
				return err
			}
			_, err = h.Submit(ctx, sagaID+":credit:undo", payload.DebitAccount{
				AccountID:      ti.ToID,
				CounterpartyID: ti.FromID,
				TransferID:     sagaID + ":undo",
				Amount:         ti.Amount,
			})
			return err
		},
		EventViewMaterialized: func(ctx context.Context, sagaID string, in Input, rec model.StepRecord) error {
			ti, err := transferInput(in)
			if err != nil {
				return err
			}
			// The view never gets compensating deltas; it is reset to
			// whatever the ledger says now.
			if err := rematerialize(ctx, h, views, ti.FromID); err != nil {
				return err
			}
			return rematerialize(ctx, h, views, ti.ToID)
		},
	}

	return NewDefinition(TypeTransfer, steps, compensators)
}

// materializeFromResult replays a completed command's stored result into the
// view store. Submit with the same key returns the stored outcome, so this is
// idempotent and never double-applies.
func materializeFromResult(ctx context.Context, views view.Store, commandID string, h *command.Handler) error {
	res, err := h.StoredResult(ctx, commandID)
	if err != nil {
		return fmt.Errorf("load result %s: %w", commandID, err)
	}
	if err := views.ApplyBalance(ctx, res.AccountID, res.Balance, res.Sequence); err != nil {
		return &faults.ProjectionError{EventID: commandID, Consumer: "saga", Err: err}
	}
	return nil
}

func rematerialize(ctx context.Context, h *command.Handler, views view.Store, accountID uint64) error {
	acct, err := h.AccountState(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No ledger aggregate behind the document; drop it.
		return views.DeleteAccount(ctx, accountID)
	}
	if err != nil {
		return err
	}
	return views.ApplyBalance(ctx, accountID, acct.Balance, acct.Sequence)
}
