package model

import (
	"encoding/json"
	"time"
)

const (
	SagaInProgress  = "in_progress"
	SagaCompleted   = "completed"
	SagaFailed      = "failed"
	SagaCompensated = "compensated"
)

// StepRecord is one completed forward step. Its existence in SagaState.Steps
// is the sole truth of "step completed": the orchestrator never compensates a
// step whose record was not committed.
type StepRecord struct {
	StepIndex   int             `json:"step_index"`
	EventType   string          `json:"event_type"`
	CompletedAt time.Time       `json:"completed_at"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// SagaState tracks one saga execution, keyed by the caller's idempotency key.
// Status moves strictly forward: in_progress -> completed, or
// in_progress -> failed -> compensated.
type SagaState struct {
	SagaID      string     `gorm:"primaryKey;size:64"`
	SagaType    string     `gorm:"size:32;not null"`
	Status      string     `gorm:"size:16;not null;default:'in_progress'"`
	Steps       string     `gorm:"type:jsonb;not null;default:'[]'"`
	Error       string     `gorm:"size:512"`
	StartedAt   time.Time  `gorm:"autoCreateTime"`
	CompletedAt *time.Time
	FailedAt    *time.Time
}

func (SagaState) TableName() string { return "saga_state" }

// StepRecords decodes the persisted step list.
func (s *SagaState) StepRecords() ([]StepRecord, error) {
	var recs []StepRecord
	if s.Steps == "" {
		return recs, nil
	}
	err := json.Unmarshal([]byte(s.Steps), &recs)
	return recs, err
}

// SetStepRecords encodes recs back into the row.
func (s *SagaState) SetStepRecords(recs []StepRecord) error {
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	s.Steps = string(b)
	return nil
}

// CompensationRecord is an append-only audit row for one reversal action.
type CompensationRecord struct {
	ID            uint64    `gorm:"primaryKey"`
	SagaID        string    `gorm:"size:64;not null;index"`
	StepIndex     int       `gorm:"not null"`
	EventType     string    `gorm:"size:64;not null"`
	Details       string    `gorm:"size:512"`
	CompensatedAt time.Time `gorm:"autoCreateTime"`
}

func (CompensationRecord) TableName() string { return "compensation_record" }
