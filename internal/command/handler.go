// Package command executes business operations as single local transactions
// against the ledger store, appending the resulting events to the log in the
// same atomic unit (outbox pattern).
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/model"
	"github.com/ledgermesh/ledgermesh/internal/payload"
	"github.com/ledgermesh/ledgermesh/internal/repo"
)

// AggregateTypeAccount is the only aggregate type this engine materializes.
const AggregateTypeAccount = "account"

// Result is the stored outcome of a completed command. Resubmission with the
// same command id returns this without re-executing.
type Result struct {
	AccountID uint64          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Sequence  uint64          `json:"sequence"`
	EventIDs  []string        `json:"event_ids"`
}

// Handler validates and executes commands.
type Handler struct {
	repo repo.LedgerRepository
	log  *zap.SugaredLogger
}

func NewHandler(r repo.LedgerRepository, logger *zap.SugaredLogger) *Handler {
	return &Handler{repo: r, log: logger}
}

// Submit runs one command identified by the caller-supplied idempotency key.
// A completed duplicate returns the stored result. Everything else happens in
// one ledger transaction: row lock, rule check, balance write, event append,
// command bookkeeping. Rule violations roll the whole unit back.
func (h *Handler) Submit(ctx context.Context, commandID string, cmd payload.Command) (*Result, error) {
	if commandID == "" {
		return nil, faults.Validation("command_id", errors.New("idempotency key required"))
	}
	if err := cmd.Validate(); err != nil {
		return nil, faults.Validation(string(cmd.Type()), err)
	}

	var res *Result
	err := h.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := h.repo.GetCommand(ctx, tx, commandID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if existing != nil && existing.Status == model.CommandCompleted {
			var stored Result
			if err := json.Unmarshal([]byte(existing.Result), &stored); err != nil {
				return fmt.Errorf("corrupt stored result for %s: %w", commandID, err)
			}
			res = &stored
			return nil
		}

		if existing == nil {
			raw, err := payload.EncodeCommand(cmd)
			if err != nil {
				return faults.Validation(string(cmd.Type()), err)
			}
			row := &model.Command{
				CommandID:   commandID,
				AggregateID: aggregateOf(cmd),
				Type:        string(cmd.Type()),
				Payload:     raw,
				Status:      model.CommandProcessing,
			}
			if err := h.repo.CreateCommand(ctx, tx, row); err != nil {
				return err
			}
		}

		out, err := h.execute(ctx, tx, commandID, cmd)
		if err != nil {
			return err
		}

		stored, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if err := h.repo.FinishCommand(ctx, tx, commandID, model.CommandCompleted, string(stored), ""); err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		h.recordFailure(ctx, commandID, cmd, err)
		return nil, err
	}
	return res, nil
}

// StoredResult returns the persisted result of a completed command, without
// executing anything.
func (h *Handler) StoredResult(ctx context.Context, commandID string) (*Result, error) {
	row, err := h.repo.GetCommand(ctx, h.repo.DB(ctx), commandID)
	if err != nil {
		return nil, err
	}
	if row.Status != model.CommandCompleted {
		return nil, fmt.Errorf("command %s not completed (status %s)", commandID, row.Status)
	}
	var res Result
	if err := json.Unmarshal([]byte(row.Result), &res); err != nil {
		return nil, fmt.Errorf("corrupt stored result for %s: %w", commandID, err)
	}
	return &res, nil
}

// AccountState reads the authoritative aggregate without locking.
func (h *Handler) AccountState(ctx context.Context, accountID uint64) (*model.Account, error) {
	return h.repo.GetAccount(ctx, accountID)
}

// execute applies the business mutation and appends the event, both on tx.
func (h *Handler) execute(ctx context.Context, tx *gorm.DB, commandID string, cmd payload.Command) (*Result, error) {
	accountID := aggregateOf(cmd)

	acct, err := h.repo.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if !createsAccount(cmd) {
			return nil, faults.Validation("account_exists",
				fmt.Errorf("account %d does not exist", accountID))
		}
		acct = &model.Account{ID: accountID, Balance: decimal.Zero}
		if err := h.repo.CreateAccount(ctx, tx, acct); err != nil {
			return nil, err
		}
	}

	newBal, evt, err := apply(acct, cmd)
	if err != nil {
		return nil, err
	}

	seq := acct.Sequence + 1
	if err := h.repo.UpdateAccount(ctx, tx, accountID, newBal, seq, acct.Version); err != nil {
		return nil, err
	}

	raw, err := payload.Encode(evt)
	if err != nil {
		return nil, err
	}
	row := &model.Event{
		EventID:        uuid.NewString(),
		CommandID:      commandID,
		AggregateID:    accountID,
		AggregateType:  AggregateTypeAccount,
		Type:           string(evt.Type()),
		Payload:        raw,
		SequenceNumber: seq,
	}
	if err := h.repo.AppendEvent(ctx, tx, row); err != nil {
		return nil, err
	}

	h.log.Infow("command executed",
		"command_id", commandID, "type", cmd.Type(),
		"account_id", accountID, "sequence", seq)
	return &Result{
		AccountID: accountID,
		Balance:   newBal,
		Sequence:  seq,
		EventIDs:  []string{row.EventID},
	}, nil
}

// apply computes the new balance and the event describing it.
func apply(acct *model.Account, cmd payload.Command) (decimal.Decimal, payload.Event, error) {
	switch c := cmd.(type) {
	case payload.DepositFunds:
		bal := acct.Balance.Add(c.Amount)
		return bal, payload.FundsDeposited{AccountID: c.AccountID, Amount: c.Amount, Balance: bal}, nil
	case payload.WithdrawFunds:
		if acct.Balance.LessThan(c.Amount) {
			return decimal.Zero, nil, faults.Validation("sufficient_funds", faults.ErrInsufficientFunds)
		}
		bal := acct.Balance.Sub(c.Amount)
		return bal, payload.FundsWithdrawn{AccountID: c.AccountID, Amount: c.Amount, Balance: bal}, nil
	case payload.DebitAccount:
		if acct.Balance.LessThan(c.Amount) {
			return decimal.Zero, nil, faults.Validation("sufficient_funds", faults.ErrInsufficientFunds)
		}
		bal := acct.Balance.Sub(c.Amount)
		return bal, payload.AccountDebited{
			AccountID: c.AccountID, CounterpartyID: c.CounterpartyID,
			TransferID: c.TransferID, Amount: c.Amount, Balance: bal,
		}, nil
	case payload.CreditAccount:
		bal := acct.Balance.Add(c.Amount)
		return bal, payload.AccountCredited{
			AccountID: c.AccountID, CounterpartyID: c.CounterpartyID,
			TransferID: c.TransferID, Amount: c.Amount, Balance: bal,
		}, nil
	default:
		return decimal.Zero, nil, faults.Validation("command_type", payload.ErrUnknownType)
	}
}

func aggregateOf(cmd payload.Command) uint64 {
	switch c := cmd.(type) {
	case payload.DepositFunds:
		return c.AccountID
	case payload.WithdrawFunds:
		return c.AccountID
	case payload.DebitAccount:
		return c.AccountID
	case payload.CreditAccount:
		return c.AccountID
	}
	return 0
}

// createsAccount reports whether the command may open a missing account.
// Credits and deposits do; debits and withdrawals against a missing account
// are rule violations.
func createsAccount(cmd payload.Command) bool {
	switch cmd.(type) {
	case payload.DepositFunds, payload.CreditAccount:
		return true
	}
	return false
}

// recordFailure leaves the command row failed in its own transaction so the
// rolled-back attempt stays visible and safe to retry. Validation failures on
// a never-created row are not recorded; nothing happened.
func (h *Handler) recordFailure(ctx context.Context, commandID string, cmd payload.Command, cause error) {
	db := h.repo.DB(ctx)
	existing, err := h.repo.GetCommand(ctx, db, commandID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			h.log.Warnw("record command failure", "command_id", commandID, "err", err)
			return
		}
		raw, encErr := payload.EncodeCommand(cmd)
		if encErr != nil {
			return
		}
		_ = h.repo.CreateCommand(ctx, db, &model.Command{
			CommandID:   commandID,
			AggregateID: aggregateOf(cmd),
			Type:        string(cmd.Type()),
			Payload:     raw,
			Status:      model.CommandFailed,
			Error:       cause.Error(),
		})
		return
	}
	if existing.Status == model.CommandCompleted {
		return
	}
	if err := h.repo.FinishCommand(ctx, db, commandID, model.CommandFailed, "", cause.Error()); err != nil {
		h.log.Warnw("record command failure", "command_id", commandID, "err", err)
	}
}
