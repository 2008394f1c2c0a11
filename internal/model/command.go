package model

import "time"

const (
	CommandPending    = "pending"
	CommandProcessing = "processing"
	CommandCompleted  = "completed"
	CommandFailed     = "failed"
)

// Command is one business operation keyed by a caller-supplied idempotency
// key. Immutable once completed; Result holds the stored outcome returned on
// resubmission.
type Command struct {
	ID          uint64     `gorm:"primaryKey"`
	CommandID   string     `gorm:"size:64;not null;uniqueIndex"`
	AggregateID uint64     `gorm:"not null;index"`
	Type        string     `gorm:"size:32;not null"`
	Payload     string     `gorm:"type:jsonb;not null"`
	Status      string     `gorm:"size:16;not null;default:'pending'"`
	Result      string     `gorm:"type:jsonb"`
	Error       string     `gorm:"size:512"`
	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	ProcessedAt *time.Time
}

func (Command) TableName() string { return "command" }
