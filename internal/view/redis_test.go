package view

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgermesh/ledgermesh/internal/faults"
)

func TestRedisStore_IsProcessed(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)
	ctx := context.Background()

	mock.ExpectExists("processed:account-projector:evt-1").SetVal(1)
	ok, err := store.IsProcessed(ctx, "evt-1", "account-projector")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExists("processed:account-projector:evt-2").SetVal(0)
	ok, err = store.IsProcessed(ctx, "evt-2", "account-projector")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_MarkProcessedRace(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)
	ctx := context.Background()

	// first writer wins the marker, the redelivery loses
	mock.Regexp().ExpectSetNX("processed:account-projector:evt-1", `.*`, 0).SetVal(true)
	mock.Regexp().ExpectSetNX("processed:account-projector:evt-1", `.*`, 0).SetVal(false)

	created, err := store.MarkProcessed(ctx, "evt-1", "account-projector")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.MarkProcessed(ctx, "evt-1", "account-projector")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_ApplyBalance(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)
	ctx := context.Background()

	mock.Regexp().ExpectHSet("view:account:7",
		"balance", "120.5", "last_seq", "3", "updated_at", `.*`).SetVal(3)

	err := store.ApplyBalance(ctx, 7, decimal.NewFromFloat(120.5), 3)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_GetAccount(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	mock.ExpectHGetAll("view:account:7").SetVal(map[string]string{
		"balance":    "120.5",
		"last_seq":   "3",
		"updated_at": now,
	})

	doc, err := store.GetAccount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), doc.AccountID)
	assert.True(t, doc.Balance.Equal(decimal.NewFromFloat(120.5)))
	assert.Equal(t, uint64(3), doc.LastSequence)
	assert.False(t, doc.UpdatedAt.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_GetAccountMissing(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)

	mock.ExpectHGetAll("view:account:404").SetVal(map[string]string{})
	_, err := store.GetAccount(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_LastApplied(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)
	ctx := context.Background()

	mock.ExpectHGet("view:account:7", "last_seq").SetVal("12")
	seq, err := store.LastApplied(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)

	// an account that was never projected reads as progress zero
	mock.ExpectHGet("view:account:8", "last_seq").RedisNil()
	seq, err = store.LastApplied(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_DeleteAccount(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)

	mock.ExpectDel("view:account:7").SetVal(1)
	require.NoError(t, store.DeleteAccount(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_OutageIsRetryable(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb)
	ctx := context.Background()

	mock.ExpectHGetAll("view:account:7").SetErr(errors.New("connection refused"))
	_, err := store.GetAccount(ctx, 7)
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err), "store outages must stay retryable")

	mock.ExpectExists("processed:account-projector:evt-1").SetErr(errors.New("connection refused"))
	_, err = store.IsProcessed(ctx, "evt-1", "account-projector")
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
}
