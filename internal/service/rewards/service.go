// Package rewards manages the reward catalog and point redemptions.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aimd54/loyalty-ledger/internal/events"
	"github.com/aimd54/loyalty-ledger/internal/metrics"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// Reward errors.
var (
	ErrRewardNotFound  = errors.New("reward not found")
	ErrRewardInactive  = errors.New("reward is not available")
	ErrInvalidReward   = errors.New("invalid reward")
	ErrDuplicateReward = errors.New("reward already exists")
)

// Ledger is the part of the ledger service redemptions go through.
type Ledger interface {
	AdjustPoints(ctx context.Context, actor ledger.Actor, req ledger.AdjustRequest) (*ledger.AdjustResult, error)
}

// NewReward holds the fields accepted when adding a catalog item.
type NewReward struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Cost        int64  `json:"cost"`
	Active      *bool  `json:"active"`
}

// Redemption is the outcome of redeeming a reward.
type Redemption struct {
	Reward models.Reward        `json:"reward"`
	Result *ledger.AdjustResult `json:"result"`
}

// Service handles the reward catalog.
type Service struct {
	repo   *repository.RewardRepository
	ledger Ledger
	log    *logger.Logger
}

// NewService creates a new rewards service.
func NewService(repo *repository.RewardRepository, ledgerSvc Ledger, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		ledger: ledgerSvc,
		log:    log.Component("rewards"),
	}
}

// Catalog lists rewards ordered by cost.
func (s *Service) Catalog(ctx context.Context, activeOnly bool) ([]models.Reward, error) {
	rewards, err := s.repo.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return rewards, nil
}

// Create adds a reward to the catalog. New rewards are active unless stated otherwise.
func (s *Service) Create(ctx context.Context, actor ledger.Actor, input NewReward) (*models.Reward, error) {
	if !actor.IsAdmin {
		return nil, ledger.ErrUnauthorized
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidReward)
	}
	if input.Cost <= 0 || input.Cost > ledger.MaxAdjustment {
		return nil, fmt.Errorf("%w: cost must be between 1 and %d", ErrInvalidReward, ledger.MaxAdjustment)
	}

	reward := &models.Reward{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Cost:        input.Cost,
		Active:      input.Active == nil || *input.Active,
	}
	if err := s.repo.Create(ctx, reward); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReward, name)
		}
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	s.log.Info().Uint("reward_id", reward.ID).Str("name", reward.Name).Int64("cost", reward.Cost).Msg("Reward created")
	return reward, nil
}

// SetActive enables or disables a reward.
func (s *Service) SetActive(ctx context.Context, actor ledger.Actor, id uint, active bool) error {
	if !actor.IsAdmin {
		return ledger.ErrUnauthorized
	}
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		if repository.IsNotFound(err) {
			return fmt.Errorf("%w: %d", ErrRewardNotFound, id)
		}
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

// Redeem debits the reward's cost from a client and records a
// "Reward: <name>" redemption.
func (s *Service) Redeem(ctx context.Context, actor ledger.Actor, rewardID uint, userID, requestID string) (*Redemption, error) {
	reward, err := s.repo.GetByID(ctx, rewardID)
	if err != nil {
		if repository.IsNotFound(err) {
			metrics.RecordRewardRedemption("unknown", "not_found")
			return nil, fmt.Errorf("%w: %d", ErrRewardNotFound, rewardID)
		}
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	if !reward.Active {
		metrics.RecordRewardRedemption(reward.Name, "inactive")
		return nil, fmt.Errorf("%w: %s", ErrRewardInactive, reward.Name)
	}

	result, err := s.ledger.AdjustPoints(ctx, actor, ledger.AdjustRequest{
		UserID:      userID,
		Amount:      -reward.Cost,
		Description: "Reward: " + reward.Name,
		RequestID:   requestID,
		FollowUp: func(txn *models.Transaction) (*models.OutboxMessage, error) {
			return events.NewOutboxMessage(models.EventRewardRedeemed, txn.UserID, events.RewardRedeemed{
				TransactionID: txn.ID,
				UserID:        txn.UserID,
				RewardID:      reward.ID,
				RewardName:    reward.Name,
				Cost:          reward.Cost,
				OccurredAt:    txn.CreatedAt,
			})
		},
	})
	if err != nil {
		metrics.RecordRewardRedemption(reward.Name, ledger.Code(err))
		return nil, err
	}

	metrics.RecordRewardRedemption(reward.Name, "success")
	s.log.Info().
		Str("user_id", result.UserID).
		Str("reward", reward.Name).
		Int64("cost", reward.Cost).
		Int64("points", result.Points).
		Msg("Reward redeemed")

	return &Redemption{Reward: *reward, Result: result}, nil
}
