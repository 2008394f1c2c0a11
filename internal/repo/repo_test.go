package repo

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/logger"
	"github.com/ledgermesh/ledgermesh/internal/model"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Account{}, &model.Command{}, &model.Event{},
		&model.SagaState{}, &model.CompensationRecord{}, &model.DLQEntry{},
	))
	return NewRepository(db, logger.NewNop()), db
}

func TestUpdateAccount_OptimisticConflict(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.Account{ID: 1, Balance: decimal.NewFromInt(100)}).Error)

	// two writers read the same version; only one update can land
	a, err := repo.GetAccountForUpdate(ctx, db, 1)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateAccount(ctx, db, 1, decimal.NewFromInt(110), 1, a.Version))
	err = repo.UpdateAccount(ctx, db, 1, decimal.NewFromInt(120), 1, a.Version)
	assert.ErrorIs(t, err, ErrOptimisticConflict)

	var final model.Account
	require.NoError(t, db.First(&final, 1).Error)
	assert.True(t, final.Balance.Equal(decimal.NewFromInt(110)))
	assert.Equal(t, uint64(1), final.Version)
}

func TestEventLog_SequencePerAggregate(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, repo.AppendEvent(ctx, db, &model.Event{
			EventID:        fmt.Sprintf("evt-%d", seq),
			CommandID:      "cmd-1",
			AggregateID:    7,
			AggregateType:  "account",
			Type:           "funds.deposited",
			Payload:        "{}",
			SequenceNumber: seq,
		}))
	}
	// duplicate (aggregate, sequence) must be rejected
	err := repo.AppendEvent(ctx, db, &model.Event{
		EventID: "evt-dup", CommandID: "cmd-2", AggregateID: 7,
		AggregateType: "account", Type: "funds.deposited",
		Payload: "{}", SequenceNumber: 3,
	})
	assert.Error(t, err)

	last, err := repo.LastSequence(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	evts, err := repo.EventsForAggregate(ctx, 7, 1)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, uint64(2), evts[0].SequenceNumber)
	assert.Equal(t, uint64(3), evts[1].SequenceNumber)
}

func TestOutboxPollAndMark(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.AppendEvent(ctx, db, &model.Event{
		EventID: "evt-1", CommandID: "cmd-1", AggregateID: 1,
		AggregateType: "account", Type: "funds.deposited",
		Payload: "{}", SequenceNumber: 1,
	}))

	evts, err := repo.PollUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)

	require.NoError(t, repo.MarkPublished(ctx, evts[0].ID))

	evts, err = repo.PollUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestDLQ_CreateListReplay(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	entry := &model.DLQEntry{
		EventID: "evt-1", Consumer: "account-projector", AggregateID: 1,
		EventType: "funds.deposited", SequenceNumber: 1,
		Payload: "{}", RetryCount: 5, Error: "boom",
	}
	require.NoError(t, repo.CreateDLQEntry(ctx, entry))
	// same natural key again is a no-op
	require.NoError(t, repo.CreateDLQEntry(ctx, &model.DLQEntry{
		EventID: "evt-1", Consumer: "account-projector", AggregateID: 1,
		EventType: "funds.deposited", SequenceNumber: 1,
		Payload: "{}", RetryCount: 5, Error: "boom again",
	}))

	entries, err := repo.ListDLQ(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Error)

	require.NoError(t, repo.MarkReplayed(ctx, entries[0].ID))
	entries, err = repo.ListDLQ(ctx, 10, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
