package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aimd54/loyalty-ledger/internal/models"
)

// TransactionRepository appends and queries ledger transactions.
type TransactionRepository struct {
	db *DB
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *TransactionRepository) WithTx(tx *DB) *TransactionRepository {
	return &TransactionRepository{db: tx}
}

// Create appends a transaction. A reused request ID yields ErrDuplicate.
func (r *TransactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	txn.UserID = strings.TrimSpace(txn.UserID)
	if err := r.db.WithContext(ctx).Create(txn).Error; err != nil {
		return fmt.Errorf("failed to create %s transaction for %s: %w", txn.Type, txn.UserID, translate(err))
	}
	return nil
}

// GetByRequestID retrieves the transaction recorded for a client request ID.
func (r *TransactionRepository) GetByRequestID(ctx context.Context, requestID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&txn).Error; err != nil {
		return nil, fmt.Errorf("failed to get transaction by request id %s: %w", requestID, translate(err))
	}
	return &txn, nil
}

// ListByUser returns a user's transactions, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var txns []models.Transaction
	if err := query.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions for %s: %w", userID, err)
	}
	return txns, nil
}

// LastEarn returns the most recent earn transaction of a user, or nil when none exists.
func (r *TransactionRepository) LastEarn(ctx context.Context, userID string) (*models.Transaction, error) {
	var txns []models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", strings.TrimSpace(userID), models.TransactionEarn).
		Order("created_at DESC").
		Limit(1).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get last earn for %s: %w", userID, err)
	}
	if len(txns) == 0 {
		return nil, nil
	}
	return &txns[0], nil
}

// LastEarnTimes returns the most recent earn timestamp of every non-admin
// profile in one query. Profiles without earn transactions are absent from
// the map.
func (r *TransactionRepository) LastEarnTimes(ctx context.Context) (map[string]time.Time, error) {
	var rows []struct {
		UserID    string
		CreatedAt time.Time
	}
	err := r.db.WithContext(ctx).
		Table("transactions AS t").
		Select("t.user_id, t.created_at").
		Joins("JOIN profiles AS p ON p.id = t.user_id").
		Where("t.type = ? AND p.role <> ?", models.TransactionEarn, models.RoleAdmin).
		Where("t.created_at = (SELECT MAX(e.created_at) FROM transactions AS e WHERE e.user_id = t.user_id AND e.type = ?)", models.TransactionEarn).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get last earn times: %w", err)
	}

	last := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		last[row.UserID] = row.CreatedAt
	}
	return last, nil
}

// SumByUser returns the signed sum of a user's transactions.
func (r *TransactionRepository) SumByUser(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN -amount ELSE amount END), 0)", models.TransactionRedeem).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions for %s: %w", userID, err)
	}
	return sum, nil
}
