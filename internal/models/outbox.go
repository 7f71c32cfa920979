package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox message statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Event types written to the outbox.
const (
	EventPointsAdjusted  = "points.adjusted"
	EventRewardRedeemed  = "reward.redeemed"
	EventMonthRolledOver = "month.rolled_over"
	EventProfileCreated  = "profile.created"
)

// OutboxMessage is a domain event committed with the change that produced it
// and relayed to the broker afterwards.
type OutboxMessage struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	EventType  string     `gorm:"size:64;not null" json:"event_type"`
	Key        string     `gorm:"size:64" json:"key"`
	Payload    string     `gorm:"type:text;not null" json:"payload"`
	Status     string     `gorm:"size:20;not null;default:pending;index:idx_outbox_status_created,priority:1" json:"status"`
	RetryCount int        `gorm:"not null;default:0" json:"retry_count"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt  time.Time  `gorm:"index:idx_outbox_status_created,priority:2" json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// TableName specifies the table name for OutboxMessage model.
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// BeforeCreate assigns a UUID when none was supplied.
func (m *OutboxMessage) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = OutboxPending
	}
	return nil
}
