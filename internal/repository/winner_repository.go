package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/aimd54/loyalty-ledger/internal/models"
)

// WinnerRepository handles the monthly winners archive and rollover markers.
type WinnerRepository struct {
	db *DB
}

// NewWinnerRepository creates a new winner repository.
func NewWinnerRepository(db *DB) *WinnerRepository {
	return &WinnerRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *WinnerRepository) WithTx(tx *DB) *WinnerRepository {
	return &WinnerRepository{db: tx}
}

// MonthClosed reports whether the month already has winners or a rollover marker.
func (r *WinnerRepository) MonthClosed(ctx context.Context, month time.Time) (bool, error) {
	var winners int64
	if err := r.db.WithContext(ctx).
		Model(&models.MonthlyWinner{}).
		Where("month = ?", month).
		Count(&winners).Error; err != nil {
		return false, fmt.Errorf("failed to count winners for %s: %w", month.Format("2006-01"), err)
	}
	if winners > 0 {
		return true, nil
	}

	var runs int64
	if err := r.db.WithContext(ctx).
		Model(&models.RolloverRun{}).
		Where("month = ?", month).
		Count(&runs).Error; err != nil {
		return false, fmt.Errorf("failed to count rollover runs for %s: %w", month.Format("2006-01"), err)
	}
	return runs > 0, nil
}

// CreateWinners inserts a month's winners. A second set for the same month
// violates the (month, rank) index and yields ErrDuplicate.
func (r *WinnerRepository) CreateWinners(ctx context.Context, winners []models.MonthlyWinner) error {
	if len(winners) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&winners).Error; err != nil {
		return fmt.Errorf("failed to insert %d winners: %w", len(winners), translate(err))
	}
	return nil
}

// CreateRun records a completed rollover.
func (r *WinnerRepository) CreateRun(ctx context.Context, run *models.RolloverRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record rollover for %s: %w", run.Month.Format("2006-01"), translate(err))
	}
	return nil
}

// ListByMonth returns a month's winners ordered by rank.
func (r *WinnerRepository) ListByMonth(ctx context.Context, month time.Time) ([]models.MonthlyWinner, error) {
	var winners []models.MonthlyWinner
	err := r.db.WithContext(ctx).
		Where("month = ?", month).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "rank"}}).
		Find(&winners).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list winners for %s: %w", month.Format("2006-01"), err)
	}
	return winners, nil
}

// GetRun returns the rollover marker of a month, or ErrNotFound.
func (r *WinnerRepository) GetRun(ctx context.Context, month time.Time) (*models.RolloverRun, error) {
	var run models.RolloverRun
	if err := r.db.WithContext(ctx).Where("month = ?", month).Take(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to get rollover run for %s: %w", month.Format("2006-01"), translate(err))
	}
	return &run, nil
}
