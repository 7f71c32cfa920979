package repository

import (
	"context"
	"fmt"

	"github.com/aimd54/loyalty-ledger/internal/models"
)

// RewardRepository handles the reward catalog.
type RewardRepository struct {
	db *DB
}

// NewRewardRepository creates a new reward repository.
func NewRewardRepository(db *DB) *RewardRepository {
	return &RewardRepository{db: db}
}

// Create creates a new reward.
func (r *RewardRepository) Create(ctx context.Context, reward *models.Reward) error {
	if err := r.db.WithContext(ctx).Create(reward).Error; err != nil {
		return fmt.Errorf("failed to create reward %s: %w", reward.Name, translate(err))
	}
	return nil
}

// GetByID retrieves a reward by ID.
func (r *RewardRepository) GetByID(ctx context.Context, id uint) (*models.Reward, error) {
	var reward models.Reward
	if err := r.db.WithContext(ctx).First(&reward, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get reward by id %d: %w", id, translate(err))
	}
	return &reward, nil
}

// GetByName retrieves a reward by name.
func (r *RewardRepository) GetByName(ctx context.Context, name string) (*models.Reward, error) {
	var reward models.Reward
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&reward).Error; err != nil {
		return nil, fmt.Errorf("failed to get reward by name %s: %w", name, translate(err))
	}
	return &reward, nil
}

// List returns the catalog ordered by cost, optionally active rewards only.
func (r *RewardRepository) List(ctx context.Context, activeOnly bool) ([]models.Reward, error) {
	query := r.db.WithContext(ctx).Model(&models.Reward{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}

	var rewards []models.Reward
	if err := query.Order("cost ASC").Order("name ASC").Find(&rewards).Error; err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	return rewards, nil
}

// SetActive enables or disables a reward.
func (r *RewardRepository) SetActive(ctx context.Context, id uint, active bool) error {
	result := r.db.WithContext(ctx).Model(&models.Reward{}).Where("id = ?", id).Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update reward %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to update reward %d: %w", id, ErrNotFound)
	}
	return nil
}
