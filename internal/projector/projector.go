// Package projector consumes bus envelopes and materializes the view store.
// It enforces per-aggregate sequence order regardless of delivery order,
// deduplicates redeliveries, and hands exhausted failures to the DLQ instead
// of crashing the consumer loop.
package projector

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ledgermesh/ledgermesh/internal/bus"
	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/payload"
	"github.com/ledgermesh/ledgermesh/internal/repo"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

// DefaultConsumer names the account projector in markers and the DLQ.
const DefaultConsumer = "account-projector"

type Projector struct {
	repo     repo.LedgerRepository
	views    view.Store
	queue    *dlq.Queue
	consumer string
	log      *zap.SugaredLogger
}

func New(r repo.LedgerRepository, views view.Store, queue *dlq.Queue, consumer string, logger *zap.SugaredLogger) *Projector {
	if consumer == "" {
		consumer = DefaultConsumer
	}
	return &Projector{repo: r, views: views, queue: queue, consumer: consumer, log: logger}
}

func (p *Projector) Consumer() string { return p.consumer }

// OnEvent is the bus handler: projection under the DLQ retry policy. It
// returns nil once the event is either applied, discarded as duplicate, or
// dead-lettered, so the consumer can commit the offset.
func (p *Projector) OnEvent(ctx context.Context, env bus.Envelope) error {
	return p.queue.Run(ctx, env, p.consumer, func(ctx context.Context) error {
		return p.Apply(ctx, env)
	})
}

// Apply projects one envelope exactly once: dedup marker first, then the
// per-aggregate ordering gate, then the set-based view write. Replay paths
// (DLQ, reconciliation) enter here directly, bypassing the retry loop.
func (p *Projector) Apply(ctx context.Context, env bus.Envelope) error {
	done, err := p.views.IsProcessed(ctx, env.EventID, p.consumer)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	last, err := p.views.LastApplied(ctx, env.AggregateID)
	if err != nil {
		return err
	}

	if env.SequenceNumber <= last {
		// Already reflected in the document (writes are set-based); just
		// record the marker so the next redelivery short-circuits.
		_, err := p.views.MarkProcessed(ctx, env.EventID, p.consumer)
		return err
	}

	if env.SequenceNumber > last+1 {
		// Out of order: replay the missing predecessors from the event log
		// before touching this one.
		if err := p.fillGap(ctx, env.AggregateID, last, env.SequenceNumber); err != nil {
			return err
		}
		last, err = p.views.LastApplied(ctx, env.AggregateID)
		if err != nil {
			return err
		}
		if env.SequenceNumber != last+1 {
			// Predecessor not in the log yet (relay lag). Leave the message
			// uncommitted; the bus redelivers once the gap closes.
			return faults.Transient("view",
				fmt.Errorf("aggregate %d waiting for sequence %d, got %d",
					env.AggregateID, last+1, env.SequenceNumber))
		}
	}

	return p.applyOne(ctx, env)
}

// fillGap applies logged events in (after, before) sequence order.
func (p *Projector) fillGap(ctx context.Context, aggregateID, after, before uint64) error {
	rows, err := p.repo.EventsForAggregate(ctx, aggregateID, after)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.SequenceNumber >= before {
			break
		}
		if err := p.applyOne(ctx, bus.FromEvent(row)); err != nil {
			return err
		}
	}
	return nil
}

// applyOne decodes, writes the document, and records the marker. The write
// sets absolute state (balance and progress), never increments, so
// re-application converges instead of double-counting.
func (p *Projector) applyOne(ctx context.Context, env bus.Envelope) error {
	pl, err := payload.DecodeEvent(payload.EventType(env.Type), env.Payload)
	if err != nil {
		// Malformed or unknown payloads can never succeed; dead-letter now.
		return &faults.ProjectionError{EventID: env.EventID, Consumer: p.consumer, Err: err}
	}

	accountID, balance := accountStateOf(pl)
	if err := p.views.ApplyBalance(ctx, accountID, balance, env.SequenceNumber); err != nil {
		return &faults.ProjectionError{EventID: env.EventID, Consumer: p.consumer, Err: err}
	}

	created, err := p.views.MarkProcessed(ctx, env.EventID, p.consumer)
	if err != nil {
		return err
	}
	if !created {
		p.log.Debugw("lost marker race, event applied elsewhere", "event_id", env.EventID)
		return nil
	}
	p.log.Infow("event projected",
		"event_id", env.EventID, "aggregate_id", accountID,
		"type", env.Type, "sequence", env.SequenceNumber)
	return nil
}

// accountStateOf pulls the absolute account state out of a payload variant.
// Every event carries the post-event balance precisely so projection can be
// set-based.
func accountStateOf(pl payload.Event) (uint64, decimal.Decimal) {
	switch v := pl.(type) {
	case payload.FundsDeposited:
		return v.AccountID, v.Balance
	case payload.FundsWithdrawn:
		return v.AccountID, v.Balance
	case payload.AccountDebited:
		return v.AccountID, v.Balance
	case payload.AccountCredited:
		return v.AccountID, v.Balance
	}
	return 0, decimal.Zero
}
