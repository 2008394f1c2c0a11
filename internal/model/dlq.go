package model

import "time"

// DLQEntry captures an event that exhausted its projection retries. Terminal
// until replayed; never dropped.
type DLQEntry struct {
	ID             uint64    `gorm:"primaryKey"`
	EventID        string    `gorm:"size:64;not null;uniqueIndex:ux_dlq_event_consumer,priority:1"`
	Consumer       string    `gorm:"size:64;not null;uniqueIndex:ux_dlq_event_consumer,priority:2"`
	AggregateID    uint64    `gorm:"not null;index"`
	EventType      string    `gorm:"size:64;not null"`
	SequenceNumber uint64    `gorm:"not null"`
	Payload        string    `gorm:"type:jsonb;not null"`
	RetryCount     int       `gorm:"not null"`
	Error          string    `gorm:"size:1024;not null"`
	FirstFailedAt  time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	Replayed       bool      `gorm:"not null;default:false"`
	ReplayedAt     *time.Time
}

func (DLQEntry) TableName() string { return "dead_letter" }
