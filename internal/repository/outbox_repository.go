package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/aimd54/loyalty-ledger/internal/models"
)

// OutboxRepository stores domain events until the relay publishes them.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *OutboxRepository) WithTx(tx *DB) *OutboxRepository {
	return &OutboxRepository{db: tx}
}

// Create stores an event.
func (r *OutboxRepository) Create(ctx context.Context, msg *models.OutboxMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to create outbox message %s: %w", msg.EventType, err)
	}
	return nil
}

// GetPending returns up to limit pending events, oldest first.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", models.OutboxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	return msgs, nil
}

// MarkSent flags an event as delivered.
func (r *OutboxRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  models.OutboxSent,
			"sent_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %s sent: %w", id, err)
	}
	return nil
}

// RecordFailure increments the retry counter and stores the last error.
// Once retries reach maxRetries the event is marked failed.
func (r *OutboxRepository) RecordFailure(ctx context.Context, id, lastErr string, maxRetries int) error {
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  lastErr,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record outbox failure for %s: %w", id, err)
	}

	err = r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND retry_count >= ?", id, maxRetries).
		Update("status", models.OutboxFailed).Error
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %s failed: %w", id, err)
	}
	return nil
}

// CountByStatus returns the number of events in a given status.
func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count outbox messages: %w", err)
	}
	return count, nil
}
