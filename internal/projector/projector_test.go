package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/bus"
	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/logger"
	"github.com/ledgermesh/ledgermesh/internal/model"
	"github.com/ledgermesh/ledgermesh/internal/repo"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

type captureAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *captureAlerter) Alert(ctx context.Context, subject, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, subject)
}

func (a *captureAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type fixture struct {
	proj   *Projector
	views  *view.MemoryStore
	repo   *repo.Repository
	db     *gorm.DB
	alerts *captureAlerter
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Event{}, &model.DLQEntry{}))

	r := repo.NewRepository(db, logger.NewNop())
	views := view.NewMemoryStore()
	alerts := &captureAlerter{}
	queue := dlq.NewQueue(r, dlq.Policy{
		Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 5,
	}, alerts, logger.NewNop())
	return &fixture{
		proj:   New(r, views, queue, DefaultConsumer, logger.NewNop()),
		views:  views,
		repo:   r,
		db:     db,
		alerts: alerts,
		ctx:    context.Background(),
	}
}

// logEvent appends a deposit event row and returns its envelope.
func (f *fixture) logEvent(t *testing.T, aggregateID, seq uint64, balance int64) bus.Envelope {
	evt := &model.Event{
		EventID:       fmt.Sprintf("evt-%d-%d", aggregateID, seq),
		CommandID:     fmt.Sprintf("cmd-%d-%d", aggregateID, seq),
		AggregateID:   aggregateID,
		AggregateType: "account",
		Type:          "funds.deposited",
		Payload: fmt.Sprintf(`{"account_id":%d,"amount":"1","balance":"%d"}`,
			aggregateID, balance),
		SequenceNumber: seq,
	}
	require.NoError(t, f.repo.AppendEvent(f.ctx, f.db, evt))
	return bus.FromEvent(*evt)
}

func TestApply_DedupHoldsUnderRedelivery(t *testing.T) {
	f := newFixture(t)
	env := f.logEvent(t, 1, 1, 100)

	require.NoError(t, f.proj.Apply(f.ctx, env))
	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(100)))

	// poison the document, then redeliver: the marker must block re-application
	require.NoError(t, f.views.ApplyBalance(f.ctx, 1, decimal.NewFromInt(999), 1))
	require.NoError(t, f.proj.Apply(f.ctx, env))

	doc, err = f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(999)),
		"redelivered event must not be applied twice")
}

func TestApply_OutOfOrderReplaysGapFromLog(t *testing.T) {
	f := newFixture(t)
	f.logEvent(t, 1, 1, 100)
	f.logEvent(t, 1, 2, 200)
	env3 := f.logEvent(t, 1, 3, 300)

	// sequence 3 arrives first; 1 and 2 must be pulled from the log before it
	require.NoError(t, f.proj.Apply(f.ctx, env3))

	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, uint64(3), doc.LastSequence)
}

func TestApply_OldSequenceDiscarded(t *testing.T) {
	f := newFixture(t)
	env1 := f.logEvent(t, 1, 1, 100)
	env2 := f.logEvent(t, 1, 2, 200)

	require.NoError(t, f.proj.Apply(f.ctx, env1))
	require.NoError(t, f.proj.Apply(f.ctx, env2))

	// stale redelivery of sequence 1 must not regress the document
	require.NoError(t, f.proj.Apply(f.ctx, env1))
	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, uint64(2), doc.LastSequence)
}

func TestApply_MissingPredecessorIsTransient(t *testing.T) {
	f := newFixture(t)
	// only sequence 2 is in the log; its predecessor has not landed yet
	evt := &model.Event{
		EventID: "evt-orphan", CommandID: "cmd-orphan", AggregateID: 1,
		AggregateType: "account", Type: "funds.deposited",
		Payload:        `{"account_id":1,"amount":"1","balance":"5"}`,
		SequenceNumber: 2,
	}
	require.NoError(t, f.repo.AppendEvent(f.ctx, f.db, evt))

	err := f.proj.Apply(f.ctx, bus.FromEvent(*evt))
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err), "gap must be retryable, not fatal")
}

func TestOnEvent_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := newFixture(t)
	env := f.logEvent(t, 1, 1, 100)
	f.views.FailApply = faults.Transient("view", errors.New("connection refused"))

	// the consumer loop must be able to commit after dead-lettering
	require.NoError(t, f.proj.OnEvent(f.ctx, env))

	entry, err := f.repo.GetDLQEntry(f.ctx, env.EventID, DefaultConsumer)
	require.NoError(t, err)
	assert.Equal(t, 5, entry.RetryCount)
	assert.Contains(t, entry.Error, "connection refused")
	assert.False(t, entry.FirstFailedAt.IsZero())
	assert.Equal(t, 1, f.alerts.count(), "alert fires exactly once")

	// redelivery of a dead-lettered event must not re-alert
	require.NoError(t, f.proj.OnEvent(f.ctx, env))
	assert.Equal(t, 1, f.alerts.count())
}

func TestOnEvent_MalformedPayloadDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	env := bus.Envelope{
		EventID: "evt-bad", AggregateID: 1, Type: "funds.deposited",
		Payload: []byte(`{"account_id":0}`), SequenceNumber: 1,
	}

	require.NoError(t, f.proj.OnEvent(f.ctx, env))

	entry, err := f.repo.GetDLQEntry(f.ctx, "evt-bad", DefaultConsumer)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RetryCount, "no point retrying a payload that cannot decode")
}

func TestDLQReplay_ReentersProjection(t *testing.T) {
	f := newFixture(t)
	env := f.logEvent(t, 1, 1, 100)
	f.views.FailApply = faults.Transient("view", errors.New("down"))
	require.NoError(t, f.proj.OnEvent(f.ctx, env))

	// store recovers; replay drives the entry back through Apply
	f.views.FailApply = nil
	queue := dlq.NewQueue(f.repo, dlq.DefaultPolicy(), f.alerts, logger.NewNop())
	n, err := queue.ReplayBatch(f.ctx, 10, f.proj.Apply)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(100)))

	pending, err := f.repo.ListDLQ(f.ctx, 10, false)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
