package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/aimd54/loyalty-ledger/internal/models"
)

// profileColumns coalesces the counters so legacy rows holding NULL read as 0.
const profileColumns = "id, full_name, email, phone, role, " +
	"COALESCE(points, 0) AS points, " +
	"COALESCE(monthly_points, 0) AS monthly_points, " +
	"COALESCE(total_points_accumulated, 0) AS total_points_accumulated, " +
	"created_at, updated_at"

// ProfileRepository handles profile and balance operations.
type ProfileRepository struct {
	db *DB
}

// NewProfileRepository creates a new profile repository.
func NewProfileRepository(db *DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *ProfileRepository) WithTx(tx *DB) *ProfileRepository {
	return &ProfileRepository{db: tx}
}

// Create creates a new profile.
func (r *ProfileRepository) Create(ctx context.Context, profile *models.Profile) error {
	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		return fmt.Errorf("failed to create profile: %w", translate(err))
	}
	return nil
}

// GetByID retrieves a profile by its (whitespace-trimmed) ID.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*models.Profile, error) {
	var profile models.Profile
	err := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Select(profileColumns).
		Where("id = ?", strings.TrimSpace(id)).
		Take(&profile).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get profile by id %s: %w", id, translate(err))
	}
	return &profile, nil
}

// List retrieves profiles, optionally filtered by role.
func (r *ProfileRepository) List(ctx context.Context, role string) ([]models.Profile, error) {
	query := r.db.WithContext(ctx).Model(&models.Profile{}).Select(profileColumns)
	if role != "" {
		query = query.Where("role = ?", role)
	}

	var profiles []models.Profile
	if err := query.Order("created_at ASC").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return profiles, nil
}

// ListCompetitors retrieves every non-admin profile.
func (r *ProfileRepository) ListCompetitors(ctx context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	err := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Select(profileColumns).
		Where("role <> ?", models.RoleAdmin).
		Order("created_at ASC").
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list competitors: %w", err)
	}
	return profiles, nil
}

// ApplyDelta adds delta to the spendable balance in a single UPDATE.
// Positive deltas also raise the lifetime and monthly counters. Negative
// deltas are guarded in the same statement so the balance never drops
// below zero even if the caller's pre-check raced another write.
//
// Returns ErrNoRowsAffected when the id matches nothing,
// ErrInsufficientBalance when the guard rejected the debit and
// ErrCounterOverflow when a counter would leave the int64 range.
func (r *ProfileRepository) ApplyDelta(ctx context.Context, id string, delta int64, now time.Time) (*models.Profile, error) {
	id = strings.TrimSpace(id)
	if delta == math.MinInt64 {
		return nil, ErrCounterOverflow
	}

	updates := map[string]interface{}{
		"points":     gorm.Expr("COALESCE(points, 0) + ?", delta),
		"updated_at": now,
	}
	if delta > 0 {
		updates["total_points_accumulated"] = gorm.Expr("COALESCE(total_points_accumulated, 0) + ?", delta)
		updates["monthly_points"] = gorm.Expr("COALESCE(monthly_points, 0) + ?", delta)
	}

	query := r.db.WithContext(ctx).Model(&models.Profile{}).Where("id = ?", id)
	switch {
	case delta < 0:
		query = query.Where("COALESCE(points, 0) >= ?", -delta)
	case delta > 0:
		ceiling := int64(math.MaxInt64) - delta
		query = query.
			Where("COALESCE(points, 0) <= ?", ceiling).
			Where("COALESCE(total_points_accumulated, 0) <= ?", ceiling).
			Where("COALESCE(monthly_points, 0) <= ?", ceiling)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to apply delta %d to profile %s: %w", delta, id, result.Error)
	}

	if result.RowsAffected == 0 {
		exists, err := r.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			if delta < 0 {
				return nil, ErrInsufficientBalance
			}
			return nil, ErrCounterOverflow
		}
		return nil, fmt.Errorf("failed to apply delta to profile %s: %w", id, ErrNoRowsAffected)
	}

	return r.GetByID(ctx, id)
}

// Exists reports whether a profile with the given ID exists.
func (r *ProfileRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("id = ?", strings.TrimSpace(id)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check profile %s: %w", id, err)
	}
	return count > 0, nil
}

// TopByMonthly returns non-admin profiles with positive monthly points,
// ordered by monthly points then lifetime points, both descending.
func (r *ProfileRepository) TopByMonthly(ctx context.Context, limit int) ([]models.Profile, error) {
	var profiles []models.Profile
	err := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Select(profileColumns).
		Where("role <> ?", models.RoleAdmin).
		Where("COALESCE(monthly_points, 0) > 0").
		Order("COALESCE(monthly_points, 0) DESC").
		Order("COALESCE(total_points_accumulated, 0) DESC").
		Limit(limit).
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get top %d profiles: %w", limit, err)
	}
	return profiles, nil
}

// CountMonthlyAbove counts non-admin profiles with monthly points strictly above threshold.
func (r *ProfileRepository) CountMonthlyAbove(ctx context.Context, threshold int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("role <> ?", models.RoleAdmin).
		Where("COALESCE(monthly_points, 0) > ?", threshold).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count profiles above %d: %w", threshold, err)
	}
	return count, nil
}

// ResetMonthly sets monthly points to 0 for every non-admin profile.
func (r *ProfileRepository) ResetMonthly(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("role <> ?", models.RoleAdmin).
		Updates(map[string]interface{}{
			"monthly_points": 0,
			"updated_at":     now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset monthly points: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// IsNotFound reports whether err means the profile does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
