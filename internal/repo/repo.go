package repo

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/model"
)

// ErrOptimisticConflict means another writer bumped the account version first.
var ErrOptimisticConflict = errors.New("optimistic lock conflict")

// LedgerRepository restricts repo methods (unit-test mocks hang off this).
type LedgerRepository interface {
	DB(ctx context.Context) *gorm.DB

	GetAccountForUpdate(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.Account, error)
	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	UpdateAccount(ctx context.Context, tx *gorm.DB, accountID uint64, newBalance decimal.Decimal, newSequence, oldVersion uint64) error
	GetAccount(ctx context.Context, accountID uint64) (*model.Account, error)
	AccountIDs(ctx context.Context, limit int) ([]uint64, error)

	GetCommand(ctx context.Context, tx *gorm.DB, commandID string) (*model.Command, error)
	CreateCommand(ctx context.Context, tx *gorm.DB, c *model.Command) error
	FinishCommand(ctx context.Context, tx *gorm.DB, commandID, status, result, errMsg string) error

	AppendEvent(ctx context.Context, tx *gorm.DB, e *model.Event) error
	EventsForAggregate(ctx context.Context, aggregateID, fromSequence uint64) ([]model.Event, error)
	LastSequence(ctx context.Context, aggregateID uint64) (uint64, error)
	PollUnpublished(ctx context.Context, limit int) ([]model.Event, error)
	MarkPublished(ctx context.Context, id uint64) error

	GetSaga(ctx context.Context, sagaID string) (*model.SagaState, error)
	CreateSaga(ctx context.Context, s *model.SagaState) error
	SaveSaga(ctx context.Context, s *model.SagaState) error
	AppendCompensation(ctx context.Context, c *model.CompensationRecord) error
	CompensationsForSaga(ctx context.Context, sagaID string) ([]model.CompensationRecord, error)

	CreateDLQEntry(ctx context.Context, e *model.DLQEntry) error
	ListDLQ(ctx context.Context, limit int, includeReplayed bool) ([]model.DLQEntry, error)
	GetDLQEntry(ctx context.Context, eventID, consumer string) (*model.DLQEntry, error)
	MarkReplayed(ctx context.Context, id uint64) error
}

// Repository implements LedgerRepository on Postgres via GORM.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetAccountForUpdate locks the account row for the length of tx. SQLite
// (tests) has no row locks and serializes writers anyway, so the clause is
// skipped there.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.Account, error) {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var a model.Account
	if err := q.Where("id = ?", accountID).First(&a).Error; err != nil {
		return nil, wrapStore(err)
	}
	return &a, nil
}

// CreateAccount inserts a fresh aggregate row.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	return wrapStore(tx.WithContext(ctx).Create(a).Error)
}

// UpdateAccount writes balance and event sequence under an optimistic version
// check. The row is already pessimistically locked; the version check catches
// callers that skipped the lock.
func (r *Repository) UpdateAccount(ctx context.Context, tx *gorm.DB, accountID uint64, newBalance decimal.Decimal, newSequence, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", accountID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"sequence":   newSequence,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return wrapStore(res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Transient("ledger", ErrOptimisticConflict)
	}
	return nil
}

// GetAccount reads without locking.
func (r *Repository) GetAccount(ctx context.Context, accountID uint64) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&a).Error; err != nil {
		return nil, wrapStore(err)
	}
	return &a, nil
}

// AccountIDs lists aggregate ids for validator batches.
func (r *Repository) AccountIDs(ctx context.Context, limit int) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&model.Account{}).
		Order("id").Limit(limit).Pluck("id", &ids).Error
	return ids, wrapStore(err)
}

// GetCommand finds a command row by idempotency key.
func (r *Repository) GetCommand(ctx context.Context, tx *gorm.DB, commandID string) (*model.Command, error) {
	var c model.Command
	err := tx.WithContext(ctx).Where("command_id = ?", commandID).First(&c).Error
	if err != nil {
		return nil, wrapStore(err)
	}
	return &c, nil
}

// CreateCommand inserts a command row in status pending.
func (r *Repository) CreateCommand(ctx context.Context, tx *gorm.DB, c *model.Command) error {
	return wrapStore(tx.WithContext(ctx).Create(c).Error)
}

// FinishCommand records the terminal status and stored result.
func (r *Repository) FinishCommand(ctx context.Context, tx *gorm.DB, commandID, status, result, errMsg string) error {
	now := time.Now()
	return wrapStore(tx.WithContext(ctx).Model(&model.Command{}).
		Where("command_id = ?", commandID).
		Updates(map[string]interface{}{
			"status":       status,
			"result":       result,
			"error":        errMsg,
			"processed_at": &now,
		}).Error)
}

// AppendEvent writes one event log row. The unique (aggregate_id, sequence)
// index rejects concurrent writers that lost the row lock race.
func (r *Repository) AppendEvent(ctx context.Context, tx *gorm.DB, e *model.Event) error {
	return wrapStore(tx.WithContext(ctx).Create(e).Error)
}

// EventsForAggregate returns events with sequence > fromSequence in order.
func (r *Repository) EventsForAggregate(ctx context.Context, aggregateID, fromSequence uint64) ([]model.Event, error) {
	var evts []model.Event
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ? AND sequence_number > ?", aggregateID, fromSequence).
		Order("sequence_number").Find(&evts).Error
	return evts, wrapStore(err)
}

// LastSequence returns the highest emitted sequence for an aggregate, 0 if none.
func (r *Repository) LastSequence(ctx context.Context, aggregateID uint64) (uint64, error) {
	var seq *uint64
	err := r.db.WithContext(ctx).Model(&model.Event{}).
		Where("aggregate_id = ?", aggregateID).
		Select("max(sequence_number)").Scan(&seq).Error
	if err != nil {
		return 0, wrapStore(err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// PollUnpublished pulls event rows the relay has not shipped yet.
func (r *Repository) PollUnpublished(ctx context.Context, limit int) ([]model.Event, error) {
	var evts []model.Event
	err := r.db.WithContext(ctx).Where("published = false").
		Order("id").Limit(limit).Find(&evts).Error
	return evts, wrapStore(err)
}

// MarkPublished sets the published flag.
func (r *Repository) MarkPublished(ctx context.Context, id uint64) error {
	now := time.Now()
	return wrapStore(r.db.WithContext(ctx).Model(&model.Event{}).Where("id = ?", id).
		Updates(map[string]interface{}{"published": true, "published_at": &now}).Error)
}

// GetSaga loads saga state by id.
func (r *Repository) GetSaga(ctx context.Context, sagaID string) (*model.SagaState, error) {
	var s model.SagaState
	if err := r.db.WithContext(ctx).Where("saga_id = ?", sagaID).First(&s).Error; err != nil {
		return nil, wrapStore(err)
	}
	return &s, nil
}

// CreateSaga inserts initial saga state.
func (r *Repository) CreateSaga(ctx context.Context, s *model.SagaState) error {
	return wrapStore(r.db.WithContext(ctx).Create(s).Error)
}

// SaveSaga persists step records and status transitions.
func (r *Repository) SaveSaga(ctx context.Context, s *model.SagaState) error {
	return wrapStore(r.db.WithContext(ctx).Save(s).Error)
}

// AppendCompensation writes one audit row.
func (r *Repository) AppendCompensation(ctx context.Context, c *model.CompensationRecord) error {
	return wrapStore(r.db.WithContext(ctx).Create(c).Error)
}

// CompensationsForSaga lists audit rows in reversal order.
func (r *Repository) CompensationsForSaga(ctx context.Context, sagaID string) ([]model.CompensationRecord, error) {
	var recs []model.CompensationRecord
	err := r.db.WithContext(ctx).Where("saga_id = ?", sagaID).
		Order("id").Find(&recs).Error
	return recs, wrapStore(err)
}

// CreateDLQEntry persists a dead letter. A duplicate (event, consumer) pair
// keeps the first entry.
func (r *Repository) CreateDLQEntry(ctx context.Context, e *model.DLQEntry) error {
	return wrapStore(r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(e).Error)
}

// ListDLQ returns dead letters, oldest first.
func (r *Repository) ListDLQ(ctx context.Context, limit int, includeReplayed bool) ([]model.DLQEntry, error) {
	var entries []model.DLQEntry
	q := r.db.WithContext(ctx).Order("id").Limit(limit)
	if !includeReplayed {
		q = q.Where("replayed = false")
	}
	err := q.Find(&entries).Error
	return entries, wrapStore(err)
}

// GetDLQEntry finds one dead letter by its natural key.
func (r *Repository) GetDLQEntry(ctx context.Context, eventID, consumer string) (*model.DLQEntry, error) {
	var e model.DLQEntry
	if err := r.db.WithContext(ctx).
		Where("event_id = ? AND consumer = ?", eventID, consumer).First(&e).Error; err != nil {
		return nil, wrapStore(err)
	}
	return &e, nil
}

// MarkReplayed flags a dead letter as re-driven.
func (r *Repository) MarkReplayed(ctx context.Context, id uint64) error {
	now := time.Now()
	return wrapStore(r.db.WithContext(ctx).Model(&model.DLQEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{"replayed": true, "replayed_at": &now}).Error)
}

// wrapStore classifies raw gorm errors into the retry taxonomy. Not-found
// passes through untouched so callers can branch on it.
func wrapStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return faults.Permanent("ledger", err)
	default:
		return faults.Transient("ledger", err)
	}
}
