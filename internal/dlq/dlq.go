// Package dlq is the retry and dead-letter subsystem. Events that exhaust
// their projection retries are persisted with full error context and alerted
// on exactly once; nothing is dropped. Entries stay terminal until replayed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/bus"
	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/model"
	"github.com/ledgermesh/ledgermesh/internal/repo"
)

// Policy is the retry schedule: backoff = min(base * 2^retryCount, cap).
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy retries at roughly 1s, 2s, 4s, 8s, 16s before dead-lettering.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}
}

// Backoff returns the delay after the retryCount-th failure (0-based).
func (p Policy) Backoff(retryCount int) time.Duration {
	d := p.Base << retryCount
	if d > p.Cap || d <= 0 {
		return p.Cap
	}
	return d
}

// Alerter receives operator alerts for terminal failures and escalations.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string)
}

// LogAlerter is the default Alerter: an error-level log line that operator
// tooling scrapes.
type LogAlerter struct {
	Log *zap.SugaredLogger
}

func (a LogAlerter) Alert(ctx context.Context, subject, detail string) {
	a.Log.Errorw("ALERT", "subject", subject, "detail", detail)
}

// Queue drives retries and owns dead-letter storage.
type Queue struct {
	repo   repo.LedgerRepository
	policy Policy
	alert  Alerter
	log    *zap.SugaredLogger
}

func NewQueue(r repo.LedgerRepository, policy Policy, alert Alerter, logger *zap.SugaredLogger) *Queue {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Queue{repo: r, policy: policy, alert: alert, log: logger}
}

// Run attempts apply under the retry policy. Non-retryable failures
// dead-letter immediately; retryable ones back off between attempts. Once the
// budget is spent the envelope is persisted and alerted on, and Run returns
// nil so the consumer can commit and move on. Cancellation mid-backoff
// returns ctx.Err without corrupting anything: every attempt re-checks its
// own dedup markers.
func (q *Queue) Run(ctx context.Context, env bus.Envelope, consumer string, apply func(context.Context) error) error {
	var firstFailure time.Time
	var lastErr error

	for attempt := 0; attempt < q.policy.MaxAttempts; attempt++ {
		lastErr = apply(ctx)
		if lastErr == nil {
			return nil
		}
		if firstFailure.IsZero() {
			firstFailure = time.Now().UTC()
		}
		if !faults.IsRetryable(lastErr) {
			q.log.Warnw("non-retryable projection failure",
				"event_id", env.EventID, "err", lastErr)
			return q.deadLetter(ctx, env, consumer, attempt+1, firstFailure, lastErr)
		}
		if attempt == q.policy.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(q.policy.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return q.deadLetter(ctx, env, consumer, q.policy.MaxAttempts, firstFailure, lastErr)
}

// deadLetter persists the terminal failure and fires the alert exactly once:
// the conflict-ignoring insert means a redelivered envelope that dead-letters
// again neither duplicates the row nor re-alerts.
func (q *Queue) deadLetter(ctx context.Context, env bus.Envelope, consumer string, attempts int, firstFailure time.Time, cause error) error {
	if existing, err := q.repo.GetDLQEntry(ctx, env.EventID, consumer); err == nil && existing != nil {
		q.log.Infow("event already dead-lettered", "event_id", env.EventID, "consumer", consumer)
		return nil
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	entry := &model.DLQEntry{
		EventID:        env.EventID,
		Consumer:       consumer,
		AggregateID:    env.AggregateID,
		EventType:      env.Type,
		SequenceNumber: env.SequenceNumber,
		Payload:        string(env.Payload),
		RetryCount:     attempts,
		Error:          cause.Error(),
		FirstFailedAt:  firstFailure,
	}
	if err := q.repo.CreateDLQEntry(ctx, entry); err != nil {
		return fmt.Errorf("persist dead letter %s: %w", env.EventID, err)
	}
	q.alert.Alert(ctx, "event dead-lettered",
		fmt.Sprintf("event %s (aggregate %d, type %s) failed %d attempts for %s: %v",
			env.EventID, env.AggregateID, env.Type, attempts, consumer, cause))
	return nil
}

// List exposes pending dead letters for operators.
func (q *Queue) List(ctx context.Context, limit int, includeReplayed bool) ([]model.DLQEntry, error) {
	return q.repo.ListDLQ(ctx, limit, includeReplayed)
}

// Replay re-drives one dead letter through apply. The projector's dedup and
// ordering checks still hold, so replaying an already-recovered event is a
// no-op. The entry is marked replayed only after apply succeeds.
func (q *Queue) Replay(ctx context.Context, eventID, consumer string, apply bus.Handler) error {
	entry, err := q.repo.GetDLQEntry(ctx, eventID, consumer)
	if err != nil {
		return err
	}
	return q.replayEntry(ctx, entry, apply)
}

// ReplayBatch re-drives up to limit pending entries and reports how many
// succeeded. Individual failures are logged and left in place.
func (q *Queue) ReplayBatch(ctx context.Context, limit int, apply bus.Handler) (int, error) {
	entries, err := q.repo.ListDLQ(ctx, limit, false)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for i := range entries {
		if err := q.replayEntry(ctx, &entries[i], apply); err != nil {
			q.log.Errorw("replay failed", "event_id", entries[i].EventID, "err", err)
			continue
		}
		replayed++
	}
	return replayed, nil
}

func (q *Queue) replayEntry(ctx context.Context, entry *model.DLQEntry, apply bus.Handler) error {
	env := bus.Envelope{
		EventID:        entry.EventID,
		AggregateID:    entry.AggregateID,
		Type:           entry.EventType,
		SequenceNumber: entry.SequenceNumber,
		Payload:        json.RawMessage(entry.Payload),
	}
	if err := apply(ctx, env); err != nil {
		return err
	}
	if err := q.repo.MarkReplayed(ctx, entry.ID); err != nil {
		return err
	}
	q.log.Infow("dead letter replayed", "event_id", entry.EventID, "consumer", entry.Consumer)
	return nil
}
