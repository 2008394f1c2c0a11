package validator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/logger"
	"github.com/ledgermesh/ledgermesh/internal/model"
	"github.com/ledgermesh/ledgermesh/internal/projector"
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
	val    *Validator
	views  *view.MemoryStore
	repo   *repo.Repository
	db     *gorm.DB
	alerts *captureAlerter
	ctx    context.Context
}

func newFixture(t *testing.T, lagWindow uint64) *fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Account{}, &model.Event{}, &model.DLQEntry{}))

	r := repo.NewRepository(db, logger.NewNop())
	views := view.NewMemoryStore()
	alerts := &captureAlerter{}
	queue := dlq.NewQueue(r, dlq.Policy{
		Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 5,
	}, alerts, logger.NewNop())
	proj := projector.New(r, views, queue, projector.DefaultConsumer, logger.NewNop())
	return &fixture{
		val:    New(r, views, proj, decimal.NewFromFloat(0.00000001), lagWindow, alerts, logger.NewNop()),
		views:  views,
		repo:   r,
		db:     db,
		alerts: alerts,
		ctx:    context.Background(),
	}
}

// seedLedger creates an account whose balance grew by 100 per event and logs
// events 1..through. The final ledger balance is 100*through.
func (f *fixture) seedLedger(t *testing.T, aggregateID, through uint64) {
	require.NoError(t, f.repo.CreateAccount(f.ctx, f.db, &model.Account{
		ID:       aggregateID,
		Balance:  decimal.NewFromInt(int64(through) * 100),
		Version:  through,
		Sequence: through,
	}))
	for seq := uint64(1); seq <= through; seq++ {
		require.NoError(t, f.repo.AppendEvent(f.ctx, f.db, &model.Event{
			EventID:       fmt.Sprintf("evt-%d-%d", aggregateID, seq),
			CommandID:     fmt.Sprintf("cmd-%d-%d", aggregateID, seq),
			AggregateID:   aggregateID,
			AggregateType: "account",
			Type:          "funds.deposited",
			Payload: fmt.Sprintf(`{"account_id":%d,"amount":"100","balance":"%d"}`,
				aggregateID, seq*100),
			SequenceNumber: seq,
		}))
	}
}

// projectThrough materializes the view as if events 1..through were consumed.
func (f *fixture) projectThrough(t *testing.T, aggregateID, through uint64) {
	if through == 0 {
		return
	}
	require.NoError(t, f.views.ApplyBalance(f.ctx, aggregateID,
		decimal.NewFromInt(int64(through)*100), through))
}

func TestValidate_ConsistentAggregate(t *testing.T) {
	f := newFixture(t, 2)
	f.seedLedger(t, 1, 3)
	f.projectThrough(t, 1, 3)

	res, err := f.val.Validate(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Consistent)
	assert.False(t, res.Repaired)
	assert.False(t, res.Escalated)
	assert.Empty(t, res.Divergences)
	assert.Equal(t, uint64(3), res.LedgerProgress)
	assert.Equal(t, uint64(3), res.ViewProgress)
	assert.Equal(t, 0, f.alerts.count())
}

func TestValidate_LagRepairedByReplay(t *testing.T) {
	f := newFixture(t, 2)
	f.seedLedger(t, 1, 8)
	f.projectThrough(t, 1, 5)

	res, err := f.val.Validate(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.True(t, res.Consistent, "replaying 6..8 closes the gap")
	assert.Equal(t, uint64(8), res.ViewProgress)
	assert.Equal(t, 0, f.alerts.count(), "lag is repaired, never escalated")

	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, uint64(8), doc.LastSequence)
}

func TestValidate_NeverProjectedViewIsRebuilt(t *testing.T) {
	f := newFixture(t, 2)
	f.seedLedger(t, 1, 4)
	// no view document at all: progress zero, full replay

	res, err := f.val.Validate(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.True(t, res.Consistent)

	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(400)))
}

func TestValidate_ViewAheadEscalatesWithoutRepair(t *testing.T) {
	f := newFixture(t, 2)
	f.seedLedger(t, 1, 3)
	// the view claims a sequence the ledger never emitted
	f.projectThrough(t, 1, 5)

	res, err := f.val.Validate(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.False(t, res.Consistent)
	assert.False(t, res.Repaired, "impossible progress is never auto-repaired")
	assert.Equal(t, 1, f.alerts.count())

	// the poisoned document is left untouched for investigation
	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), doc.LastSequence)
}

func TestValidate_DivergenceAtEqualProgressEscalates(t *testing.T) {
	f := newFixture(t, 2)
	f.seedLedger(t, 1, 3)
	require.NoError(t, f.views.ApplyBalance(f.ctx, 1, decimal.NewFromInt(999), 3))

	res, err := f.val.Validate(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.False(t, res.Repaired, "same progress with different values is not lag")
	assert.NotEmpty(t, res.Divergences)
	assert.Equal(t, 1, f.alerts.count())
}

func TestValidate_SmallLagWithinWindowTolerated(t *testing.T) {
	// Tolerance wide enough that one pending event is not a balance
	// divergence: lag inside the window is left for the projector.
	f := newFixture(t, 2)
	f.val.tolerance = decimal.NewFromInt(200)
	f.seedLedger(t, 1, 4)
	f.projectThrough(t, 1, 3)

	res, err := f.val.Validate(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Consistent)
	assert.False(t, res.Repaired)
	assert.Equal(t, uint64(3), res.ViewProgress)
}

func TestValidate_UnknownAggregate(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.val.Validate(f.ctx, 42)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestReconcile_ReplaysInOrder(t *testing.T) {
	f := newFixture(t, 2)
	f.seedLedger(t, 1, 3)

	require.NoError(t, f.val.Reconcile(f.ctx, 1, 0))
	doc, err := f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), doc.LastSequence)

	// replay is idempotent: a second full pass changes nothing
	require.NoError(t, f.val.Reconcile(f.ctx, 1, 0))
	doc, err = f.views.GetAccount(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(300)))
}

func TestValidateBatch_CoversAllAggregates(t *testing.T) {
	f := newFixture(t, 2)
	f.seedLedger(t, 1, 3)
	f.projectThrough(t, 1, 3)
	f.seedLedger(t, 2, 5)
	f.projectThrough(t, 2, 1)

	results, err := f.val.ValidateBatch(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[uint64]*CheckResult{}
	for _, r := range results {
		byID[r.AggregateID] = r
	}
	assert.True(t, byID[1].Consistent)
	assert.False(t, byID[1].Repaired)
	assert.True(t, byID[2].Repaired, "lagging aggregate is reconciled during the sweep")
	assert.True(t, byID[2].Consistent)
}
