package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transaction types.
const (
	TransactionEarn   = "earn"
	TransactionRedeem = "redeem"
)

// Transaction is an immutable record of one ledger mutation.
// CreatedAt is authoritative for analytics and may be back-dated by seeding.
type Transaction struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UserID      string    `gorm:"size:36;not null;index:idx_transactions_user_type_created,priority:1" json:"user_id"`
	Profile     *Profile  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Type        string    `gorm:"size:10;not null;index:idx_transactions_user_type_created,priority:2" json:"type"`
	Amount      int64     `gorm:"not null" json:"amount"`
	Description string    `gorm:"size:500" json:"description"`
	RequestID   *string   `gorm:"size:64;uniqueIndex" json:"request_id,omitempty"`
	CreatedAt   time.Time `gorm:"not null;index:idx_transactions_user_type_created,priority:3" json:"created_at"`
}

// TableName specifies the table name for Transaction model.
func (Transaction) TableName() string {
	return "transactions"
}

// BeforeCreate assigns a UUID when none was supplied.
func (t *Transaction) BeforeCreate(_ *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Signed returns the delta the transaction applied to the spendable balance.
func (t *Transaction) Signed() int64 {
	if t.Type == TransactionRedeem {
		return -t.Amount
	}
	return t.Amount
}
