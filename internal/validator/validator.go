// Package validator periodically compares aggregate state across the ledger
// and view stores. Lag-caused divergence is repaired by replaying the event
// log through the projector; impossible progress states are escalated and
// never auto-repaired.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/bus"
	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/projector"
	"github.com/ledgermesh/ledgermesh/internal/repo"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

// CheckResult reports one aggregate comparison.
type CheckResult struct {
	AggregateID    uint64    `json:"aggregate_id"`
	CheckedAt      time.Time `json:"checked_at"`
	Consistent     bool      `json:"consistent"`
	Divergences    []string  `json:"divergences,omitempty"`
	LedgerProgress uint64    `json:"ledger_progress"`
	ViewProgress   uint64    `json:"view_progress"`
	Repaired       bool      `json:"repaired"`
	Escalated      bool      `json:"escalated"`
}

type Validator struct {
	repo      repo.LedgerRepository
	views     view.Store
	proj      *projector.Projector
	tolerance decimal.Decimal
	lagWindow uint64
	alert     dlq.Alerter
	log       *zap.SugaredLogger
}

func New(r repo.LedgerRepository, views view.Store, proj *projector.Projector,
	tolerance decimal.Decimal, lagWindow uint64, alert dlq.Alerter, logger *zap.SugaredLogger) *Validator {
	return &Validator{
		repo:      r,
		views:     views,
		proj:      proj,
		tolerance: tolerance,
		lagWindow: lagWindow,
		alert:     alert,
		log:       logger,
	}
}

// Validate compares one aggregate across both stores. Divergence with the
// view merely behind the ledger is repaired by reconciliation; a view that is
// ahead of what the ledger ever emitted is reported and alerted only.
func (v *Validator) Validate(ctx context.Context, aggregateID uint64) (*CheckResult, error) {
	res := &CheckResult{AggregateID: aggregateID, CheckedAt: time.Now().UTC()}

	acct, err := v.repo.GetAccount(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	ledgerSeq, err := v.repo.LastSequence(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	res.LedgerProgress = ledgerSeq

	viewBal := decimal.Zero
	doc, err := v.views.GetAccount(ctx, aggregateID)
	switch {
	case err == nil:
		viewBal = doc.Balance
		res.ViewProgress = doc.LastSequence
	case errors.Is(err, view.ErrNotFound):
		// Never projected; treated as progress zero.
	default:
		return nil, err
	}

	if diff := acct.Balance.Sub(viewBal).Abs(); diff.GreaterThan(v.tolerance) {
		res.Divergences = append(res.Divergences,
			fmt.Sprintf("balance: ledger=%s view=%s", acct.Balance, viewBal))
	}

	switch {
	case res.ViewProgress > ledgerSeq:
		// The view claims events the ledger never emitted. Should never
		// happen; root cause unknown, so no auto-repair.
		res.Escalated = true
		mismatch := &faults.ConsistencyMismatch{
			AggregateID: aggregateID,
			Repairable:  false,
			Detail: fmt.Sprintf("view progress %d ahead of ledger %d",
				res.ViewProgress, ledgerSeq),
		}
		res.Divergences = append(res.Divergences, mismatch.Detail)
		v.alert.Alert(ctx, "impossible view progress", mismatch.Error())

	case len(res.Divergences) > 0 && res.ViewProgress == ledgerSeq:
		// Same progress, different values: not explainable by lag.
		res.Escalated = true
		mismatch := &faults.ConsistencyMismatch{
			AggregateID: aggregateID,
			Repairable:  false,
			Detail:      fmt.Sprintf("divergence at equal progress %d", ledgerSeq),
		}
		v.alert.Alert(ctx, "divergence without lag", mismatch.Error())

	case len(res.Divergences) > 0 || ledgerSeq-res.ViewProgress > v.lagWindow:
		// Ordinary eventual-consistency lag: converge by replaying the log.
		if err := v.Reconcile(ctx, aggregateID, res.ViewProgress); err != nil {
			return res, err
		}
		res.Repaired = true
		if doc, err := v.views.GetAccount(ctx, aggregateID); err == nil {
			res.ViewProgress = doc.LastSequence
			if acct.Balance.Sub(doc.Balance).Abs().LessThanOrEqual(v.tolerance) {
				res.Divergences = nil
			}
		}
	}

	res.Consistent = len(res.Divergences) == 0 && !res.Escalated
	return res, nil
}

// Reconcile replays every logged event past fromSequence through the
// projector in order. Projection is idempotent, so replaying events the view
// already holds is harmless.
func (v *Validator) Reconcile(ctx context.Context, aggregateID, fromSequence uint64) error {
	rows, err := v.repo.EventsForAggregate(ctx, aggregateID, fromSequence)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := v.proj.Apply(ctx, bus.FromEvent(row)); err != nil {
			return fmt.Errorf("reconcile aggregate %d at sequence %d: %w",
				aggregateID, row.SequenceNumber, err)
		}
	}
	v.log.Infow("aggregate reconciled",
		"aggregate_id", aggregateID, "from_sequence", fromSequence, "events", len(rows))
	return nil
}

// ValidateBatch checks up to batchSize aggregates concurrently and returns
// per-aggregate results. Individual failures abort the batch.
func (v *Validator) ValidateBatch(ctx context.Context, batchSize int) ([]*CheckResult, error) {
	ids, err := v.repo.AccountIDs(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	results := make([]*CheckResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := v.Validate(gctx, id)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}
