package model

import "time"

// Event is one append-only event log row. SequenceNumber is monotonic per
// aggregate. The row doubles as the outbox: the relay polls unpublished rows
// and flips Published after the bus accepts them.
type Event struct {
	ID             uint64    `gorm:"primaryKey"`
	EventID        string    `gorm:"size:64;not null;uniqueIndex"`
	CommandID      string    `gorm:"size:64;not null"`
	AggregateID    uint64    `gorm:"not null;uniqueIndex:ux_aggregate_seq,priority:1"`
	AggregateType  string    `gorm:"size:32;not null"`
	Type           string    `gorm:"size:64;not null"`
	Payload        string    `gorm:"type:jsonb;not null"`
	SequenceNumber uint64    `gorm:"not null;uniqueIndex:ux_aggregate_seq,priority:2"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	Published      bool      `gorm:"not null;default:false"`
	PublishedAt    *time.Time
}

func (Event) TableName() string { return "event_log" }
