// Package events relays domain events from the transactional outbox to a message broker.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aimd54/loyalty-ledger/internal/models"
)

// PointsAdjusted is emitted for every committed ledger adjustment.
type PointsAdjusted struct {
	TransactionID          string    `json:"transaction_id"`
	UserID                 string    `json:"user_id"`
	Type                   string    `json:"type"`
	Delta                  int64     `json:"delta"`
	Points                 int64     `json:"points"`
	MonthlyPoints          int64     `json:"monthly_points"`
	TotalPointsAccumulated int64     `json:"total_points_accumulated"`
	Description            string    `json:"description"`
	ActorID                string    `json:"actor_id,omitempty"`
	OccurredAt             time.Time `json:"occurred_at"`
}

// RewardRedeemed is emitted when a catalog reward is redeemed.
type RewardRedeemed struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	RewardID      uint      `json:"reward_id"`
	RewardName    string    `json:"reward_name"`
	Cost          int64     `json:"cost"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Winner is one podium entry inside MonthRolledOver.
type Winner struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Points   int64  `json:"points"`
}

// MonthRolledOver is emitted once per closed month.
type MonthRolledOver struct {
	Month      string    `json:"month"` // YYYY-MM
	Winners    []Winner  `json:"winners"`
	ResetCount int64     `json:"reset_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ProfileCreated is emitted when a profile is registered.
type ProfileCreated struct {
	UserID     string    `json:"user_id"`
	FullName   string    `json:"full_name"`
	Role       string    `json:"role"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Envelope is the wire format published to the broker.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewOutboxMessage serializes payload into a pending outbox row.
func NewOutboxMessage(eventType, key string, payload interface{}) (*models.OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return &models.OutboxMessage{
		EventType: eventType,
		Key:       key,
		Payload:   string(body),
		Status:    models.OutboxPending,
	}, nil
}

// EnvelopeFor wraps a stored outbox row for publishing.
func EnvelopeFor(msg *models.OutboxMessage) ([]byte, error) {
	env := Envelope{
		ID:         msg.ID,
		Type:       msg.EventType,
		Key:        msg.Key,
		Payload:    json.RawMessage(msg.Payload),
		OccurredAt: msg.CreatedAt.UTC(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope %s: %w", msg.ID, err)
	}
	return body, nil
}
