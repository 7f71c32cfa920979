package leaderboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
)

// Standing represents a client's balances together with their monthly rank.
type Standing struct {
	UserID                 string `json:"user_id"`
	FullName               string `json:"full_name"`
	Role                   string `json:"role"`
	Points                 int64  `json:"points"`
	MonthlyPoints          int64  `json:"monthly_points"`
	TotalPointsAccumulated int64  `json:"total_points_accumulated"`
	Rank                   int    `json:"rank,omitempty"` // 0 for admins
}

// GetStanding returns a profile's balances and its current monthly rank.
func (s *Service) GetStanding(ctx context.Context, userID string) (*Standing, error) {
	profile, err := s.profileRepo.GetByID(ctx, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrProfileNotFound, strings.TrimSpace(userID))
		}
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	standing := &Standing{
		UserID:                 profile.ID,
		FullName:               profile.FullName,
		Role:                   profile.Role,
		Points:                 profile.Points,
		MonthlyPoints:          profile.MonthlyPoints,
		TotalPointsAccumulated: profile.TotalPointsAccumulated,
	}

	// Admins never compete.
	if profile.IsAdmin() {
		return standing, nil
	}

	above, err := s.profileRepo.CountMonthlyAbove(ctx, profile.MonthlyPoints)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", profile.ID).Msg("Failed to get rank")
		return standing, nil
	}
	standing.Rank = int(above) + 1

	return standing, nil
}
