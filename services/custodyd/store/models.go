package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Flag names a boolean lifecycle attribute of a wallet.
type Flag string

const (
	FlagRefilled  Flag = "refilled"
	FlagApproved  Flag = "approved"
	FlagProcessed Flag = "processed"
)

// Wallet is the durable record of an onboarded wallet. Amounts are stored as
// decimal text so both sqlite and postgres round-trip them exactly.
type Wallet struct {
	Address          string          `gorm:"primaryKey;size:42"`
	Name             string          `gorm:"size:128"`
	Balance          decimal.Decimal `gorm:"type:text;not null"`
	Refilled         bool            `gorm:"not null;default:false"`
	NativeSent       decimal.Decimal `gorm:"type:text;not null"`
	Approved         bool            `gorm:"not null;default:false;index"`
	Processed        bool            `gorm:"not null;default:false"`
	LastBalanceCheck *time.Time
	ConnectedAt      time.Time
	UpdatedAt        time.Time
}

// RefillRecord is written once per wallet when gas was actually sent.
type RefillRecord struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Wallet    string          `gorm:"size:42;uniqueIndex"`
	Amount    decimal.Decimal `gorm:"type:text;not null"`
	TxHash    string          `gorm:"size:66"`
	CreatedAt time.Time
}

// PullLog records a confirmed pull into the custodian contract.
type PullLog struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Wallet       string          `gorm:"size:42;index"`
	Amount       decimal.Decimal `gorm:"type:text;not null"`
	TxHash       string          `gorm:"size:66;index"`
	AmountSource string          `gorm:"size:32"`
	CreatedAt    time.Time
}

// WithdrawLog records a confirmed sweep of the custodian balance.
type WithdrawLog struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Master       string          `gorm:"size:42;index"`
	Amount       decimal.Decimal `gorm:"type:text;not null"`
	TxHash       string          `gorm:"size:66;index"`
	AmountSource string          `gorm:"size:32"`
	CreatedAt    time.Time
}

// AutoMigrate creates or updates the custody tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &RefillRecord{}, &PullLog{}, &WithdrawLog{})
}
