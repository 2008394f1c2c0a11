package view

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/ledgermesh/ledgermesh/internal/faults"
)

// RedisStore implements Store on a single Redis instance. Documents are
// hashes; markers are plain keys written with SETNX so concurrent redelivery
// races resolve to exactly one winner.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func accountKey(accountID uint64) string {
	return fmt.Sprintf("view:account:%d", accountID)
}

func markerKey(eventID, consumer string) string {
	return fmt.Sprintf("processed:%s:%s", consumer, eventID)
}

func (s *RedisStore) IsProcessed(ctx context.Context, eventID, consumer string) (bool, error) {
	n, err := s.rdb.Exists(ctx, markerKey(eventID, consumer)).Result()
	if err != nil {
		return false, faults.Transient("view", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, eventID, consumer string) (bool, error) {
	created, err := s.rdb.SetNX(ctx, markerKey(eventID, consumer),
		time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, faults.Transient("view", err)
	}
	return created, nil
}

func (s *RedisStore) ApplyBalance(ctx context.Context, accountID uint64, balance decimal.Decimal, sequence uint64) error {
	err := s.rdb.HSet(ctx, accountKey(accountID),
		"balance", balance.String(),
		"last_seq", strconv.FormatUint(sequence, 10),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return faults.Transient("view", err)
	}
	return nil
}

func (s *RedisStore) GetAccount(ctx context.Context, accountID uint64) (*AccountView, error) {
	vals, err := s.rdb.HGetAll(ctx, accountKey(accountID)).Result()
	if err != nil {
		return nil, faults.Transient("view", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	bal, err := decimal.NewFromString(vals["balance"])
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for account %d: %w", accountID, err)
	}
	seq, _ := strconv.ParseUint(vals["last_seq"], 10, 64)
	ts, _ := time.Parse(time.RFC3339Nano, vals["updated_at"])
	return &AccountView{
		AccountID:    accountID,
		Balance:      bal,
		LastSequence: seq,
		UpdatedAt:    ts,
	}, nil
}

func (s *RedisStore) LastApplied(ctx context.Context, accountID uint64) (uint64, error) {
	val, err := s.rdb.HGet(ctx, accountKey(accountID), "last_seq").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, faults.Transient("view", err)
	}
	return strconv.ParseUint(val, 10, 64)
}

func (s *RedisStore) DeleteAccount(ctx context.Context, accountID uint64) error {
	if err := s.rdb.Del(ctx, accountKey(accountID)).Err(); err != nil {
		return faults.Transient("view", err)
	}
	return nil
}
