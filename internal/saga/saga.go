// Package saga sequences multi-step operations spanning both stores. Forward
// steps run strictly in order inside one goroutine; on failure every
// previously committed step is compensated in exact reverse order.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/model"
	"github.com/ledgermesh/ledgermesh/internal/repo"
)

var (
	// ErrSagaFailed wraps the original step failure after compensation ran.
	ErrSagaFailed = errors.New("saga failed and was compensated")
	// ErrSagaRunning means another execution holds this saga id right now.
	ErrSagaRunning = errors.New("saga already in progress")
)

// Input is the per-execution payload handed to every step function. Each saga
// type asserts it to its own concrete input struct.
type Input interface{}

// ForwardFunc runs one forward step and returns a result snapshot for the
// step record.
type ForwardFunc func(ctx context.Context, sagaID string, in Input) (json.RawMessage, error)

// CompensateFunc reverses one previously committed step.
type CompensateFunc func(ctx context.Context, sagaID string, in Input, rec model.StepRecord) error

// Step is one named forward action. EventType keys the compensator lookup.
type Step struct {
	Name      string
	EventType string
	Forward   ForwardFunc
}

// Definition is the immutable configuration of one saga type: ordered steps
// plus the event-type to compensator mapping. Built once at startup and
// passed into each execution; nothing here mutates afterwards.
type Definition struct {
	sagaType     string
	steps        []Step
	compensators map[string]CompensateFunc
}

// NewDefinition validates that every step's event type has a compensator.
func NewDefinition(sagaType string, steps []Step, compensators map[string]CompensateFunc) (*Definition, error) {
	if sagaType == "" || len(steps) == 0 {
		return nil, errors.New("saga definition needs a type and at least one step")
	}
	for _, s := range steps {
		if _, ok := compensators[s.EventType]; !ok {
			return nil, fmt.Errorf("saga %s: no compensator for event type %s", sagaType, s.EventType)
		}
	}
	cp := make(map[string]CompensateFunc, len(compensators))
	for k, v := range compensators {
		cp[k] = v
	}
	return &Definition{sagaType: sagaType, steps: append([]Step(nil), steps...), compensators: cp}, nil
}

func (d *Definition) Type() string { return d.sagaType }

// Orchestrator drives saga executions against persisted state.
type Orchestrator struct {
	repo        repo.LedgerRepository
	log         *zap.SugaredLogger
	stepTimeout time.Duration

	// compensation retry knobs; compensator failures never block the
	// remaining reversals.
	compRetries int
	compBackoff time.Duration
}

func NewOrchestrator(r repo.LedgerRepository, stepTimeout time.Duration, logger *zap.SugaredLogger) *Orchestrator {
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Second
	}
	return &Orchestrator{
		repo:        r,
		log:         logger,
		stepTimeout: stepTimeout,
		compRetries: 3,
		compBackoff: 100 * time.Millisecond,
	}
}

// Execute runs def for sagaID. Re-executing a terminal saga returns the
// stored outcome; re-executing a partially complete one resumes after the
// last committed step record.
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, sagaID string, in Input) (*model.SagaState, error) {
	if sagaID == "" {
		return nil, faults.Validation("saga_id", errors.New("idempotency key required"))
	}

	state, err := o.loadOrCreate(ctx, def, sagaID)
	if err != nil {
		return nil, err
	}
	switch state.Status {
	case model.SagaCompleted:
		return state, nil
	case model.SagaCompensated:
		return state, fmt.Errorf("%w: %s", ErrSagaFailed, state.Error)
	case model.SagaFailed:
		// Crashed mid-rollback. Finish reversing the committed steps before
		// surfacing the stored failure; reversals already audited are skipped.
		records, err := state.StepRecords()
		if err != nil {
			return nil, fmt.Errorf("corrupt step records for saga %s: %w", sagaID, err)
		}
		if compErr := o.compensate(ctx, def, state, records, in, errors.New(state.Error)); compErr != nil {
			return state, compErr
		}
		return state, fmt.Errorf("%w: %s", ErrSagaFailed, state.Error)
	}

	records, err := state.StepRecords()
	if err != nil {
		return nil, fmt.Errorf("corrupt step records for saga %s: %w", sagaID, err)
	}

	for i, step := range def.steps {
		if i < len(records) {
			// Committed step record is the sole truth of completion;
			// never re-run, never re-apply.
			continue
		}

		snapshot, stepErr := o.runStep(ctx, step, sagaID, in)
		if stepErr != nil {
			o.log.Errorw("saga step failed",
				"saga_id", sagaID, "step", step.Name, "index", i, "err", stepErr)
			if compErr := o.compensate(ctx, def, state, records, in, stepErr); compErr != nil {
				return state, compErr
			}
			return state, fmt.Errorf("%w: step %s: %v", ErrSagaFailed, step.Name, stepErr)
		}

		records = append(records, model.StepRecord{
			StepIndex:   i,
			EventType:   step.EventType,
			CompletedAt: time.Now().UTC(),
			Result:      snapshot,
		})
		if err := state.SetStepRecords(records); err != nil {
			return nil, err
		}
		if err := o.repo.SaveSaga(ctx, state); err != nil {
			return nil, fmt.Errorf("persist step record for saga %s: %w", sagaID, err)
		}
	}

	now := time.Now().UTC()
	state.Status = model.SagaCompleted
	state.CompletedAt = &now
	if err := o.repo.SaveSaga(ctx, state); err != nil {
		return nil, err
	}
	o.log.Infow("saga completed", "saga_id", sagaID, "type", def.sagaType, "steps", len(records))
	return state, nil
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, def *Definition, sagaID string) (*model.SagaState, error) {
	state, err := o.repo.GetSaga(ctx, sagaID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	state = &model.SagaState{
		SagaID:   sagaID,
		SagaType: def.sagaType,
		Status:   model.SagaInProgress,
		Steps:    "[]",
	}
	if err := o.repo.CreateSaga(ctx, state); err != nil {
		// Lost the create race: another execution owns this id.
		if reloaded, rerr := o.repo.GetSaga(ctx, sagaID); rerr == nil {
			if reloaded.Status == model.SagaInProgress {
				return nil, fmt.Errorf("%w: %s", ErrSagaRunning, sagaID)
			}
			return reloaded, nil
		}
		return nil, err
	}
	return state, nil
}

// runStep invokes the forward action under the configured step timeout.
// A timeout is a step failure like any other and triggers compensation.
func (o *Orchestrator) runStep(ctx context.Context, step Step, sagaID string, in Input) (json.RawMessage, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	snapshot, err := step.Forward(stepCtx, sagaID, in)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("step %s timed out after %s: %w", step.Name, o.stepTimeout, err)
		}
		return nil, err
	}
	return snapshot, nil
}

// compensate reverses recs in strict reverse order, best effort: a failing
// compensator is retried on its own and then skipped so the remaining steps
// still get reversed. The saga moves in_progress -> failed -> compensated;
// failed is transitional, and a restart re-enters here to finish the
// rollback, skipping steps whose CompensationRecord already landed.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, state *model.SagaState, recs []model.StepRecord, in Input, cause error) error {
	if state.Status != model.SagaFailed {
		now := time.Now().UTC()
		state.Status = model.SagaFailed
		state.Error = cause.Error()
		state.FailedAt = &now
		if err := o.repo.SaveSaga(ctx, state); err != nil {
			return fmt.Errorf("persist saga failure %s: %w", state.SagaID, err)
		}
	}

	reversed := make(map[int]bool)
	audited, err := o.repo.CompensationsForSaga(ctx, state.SagaID)
	if err != nil {
		return fmt.Errorf("load compensations for saga %s: %w", state.SagaID, err)
	}
	for _, c := range audited {
		reversed[c.StepIndex] = true
	}

	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if reversed[rec.StepIndex] {
			continue
		}
		comp := def.compensators[rec.EventType]
		if err := o.retryCompensation(ctx, comp, state.SagaID, in, rec); err != nil {
			o.log.Errorw("compensation failed after retries, continuing",
				"saga_id", state.SagaID, "step_index", rec.StepIndex,
				"event_type", rec.EventType, "err", err)
			continue
		}
		audit := &model.CompensationRecord{
			SagaID:    state.SagaID,
			StepIndex: rec.StepIndex,
			EventType: rec.EventType,
			Details:   fmt.Sprintf("reversed after: %s", cause),
		}
		if err := o.repo.AppendCompensation(ctx, audit); err != nil {
			o.log.Errorw("record compensation audit", "saga_id", state.SagaID, "err", err)
		}
	}

	state.Status = model.SagaCompensated
	if err := o.repo.SaveSaga(ctx, state); err != nil {
		return fmt.Errorf("persist saga compensation %s: %w", state.SagaID, err)
	}
	o.log.Infow("saga compensated", "saga_id", state.SagaID, "reversed_steps", len(recs))
	return nil
}

func (o *Orchestrator) retryCompensation(ctx context.Context, comp CompensateFunc, sagaID string, in Input, rec model.StepRecord) error {
	var err error
	for attempt := 0; attempt < o.compRetries; attempt++ {
		if err = comp(ctx, sagaID, in, rec); err == nil {
			return nil
		}
		if !faults.IsRetryable(err) {
			return err
		}
		select {
		case <-time.After(o.compBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
