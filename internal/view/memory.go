package view

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is a map-backed Store. Tests and local single-process runs use
// it in place of Redis.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uint64]*AccountView
	markers  map[string]struct{}

	// FailApply, when set, is returned by ApplyBalance. Lets tests inject
	// projection failures.
	FailApply error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uint64]*AccountView),
		markers:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) IsProcessed(ctx context.Context, eventID, consumer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[consumer+":"+eventID]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID, consumer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consumer + ":" + eventID
	if _, ok := s.markers[key]; ok {
		return false, nil
	}
	s.markers[key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) ApplyBalance(ctx context.Context, accountID uint64, balance decimal.Decimal, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailApply != nil {
		return s.FailApply
	}
	s.accounts[accountID] = &AccountView{
		AccountID:    accountID,
		Balance:      balance,
		LastSequence: sequence,
		UpdatedAt:    time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID uint64) (*AccountView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) LastApplied(ctx context.Context, accountID uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.accounts[accountID]
	if !ok {
		return 0, nil
	}
	return v.LastSequence, nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, accountID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
	return nil
}
