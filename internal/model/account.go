package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the authoritative aggregate in the ledger store. Sequence is the
// last event sequence number emitted for this aggregate; it only moves inside
// the same locked transaction that appends events.
type Account struct {
	ID        uint64          `gorm:"primaryKey;column:id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	Sequence  uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "account" }
