package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aimd54/loyalty-ledger/internal/events"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
)

// NewProfile holds the fields accepted when registering a profile.
type NewProfile struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
}

// CreateProfile registers a profile with zeroed counters.
func (s *Service) CreateProfile(ctx context.Context, actor Actor, input NewProfile) (*models.Profile, error) {
	ctx, span := tracer.Start(ctx, "ledger.CreateProfile")
	defer span.End()

	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}

	name := strings.TrimSpace(input.FullName)
	if name == "" {
		return nil, fmt.Errorf("%w: full name is required", ErrInvalidProfile)
	}
	role, ok := models.NormalizeRole(input.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidProfile, input.Role)
	}

	profile := &models.Profile{
		FullName: name,
		Email:    strings.TrimSpace(input.Email),
		Phone:    strings.TrimSpace(input.Phone),
		Role:     role,
	}

	err := s.db.Transaction(func(tx *repository.DB) error {
		if err := s.profiles.WithTx(tx).Create(ctx, profile); err != nil {
			return err
		}
		if s.outbox == nil {
			return nil
		}
		msg, err := events.NewOutboxMessage(models.EventProfileCreated, profile.ID, events.ProfileCreated{
			UserID:     profile.ID,
			FullName:   profile.FullName,
			Role:       profile.Role,
			OccurredAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return s.outbox.WithTx(tx).Create(ctx, msg)
	})
	if err != nil {
		span.RecordError(err)
		return nil, storeError(err)
	}

	s.log.Info().
		Str("user_id", profile.ID).
		Str("role", profile.Role).
		Str("actor", actor.ID).
		Msg("Profile created")

	return profile, nil
}

// GetProfile returns a profile with its current balances.
func (s *Service) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	profile, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, strings.TrimSpace(userID))
		}
		return nil, storeError(err)
	}
	return profile, nil
}

// History returns a profile's transactions, newest first. A limit of 0
// returns everything.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	exists, err := s.profiles.Exists(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, strings.TrimSpace(userID))
	}

	txns, err := s.txns.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return txns, nil
}

// Reconciliation compares a stored balance with the signed sum of the
// profile's transactions.
type Reconciliation struct {
	UserID     string `json:"user_id"`
	Points     int64  `json:"points"`
	LedgerSum  int64  `json:"ledger_sum"`
	Drift      int64  `json:"drift"`
	Consistent bool   `json:"consistent"`
}

// Reconcile checks that a profile's spendable balance equals the signed sum
// of its transactions. Bare ApplyDelta writes show up as drift.
func (s *Service) Reconcile(ctx context.Context, actor Actor, userID string) (*Reconciliation, error) {
	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}

	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	sum, err := s.txns.SumByUser(ctx, profile.ID)
	if err != nil {
		return nil, storeError(err)
	}

	rec := &Reconciliation{
		UserID:     profile.ID,
		Points:     profile.Points,
		LedgerSum:  sum,
		Drift:      profile.Points - sum,
		Consistent: profile.Points == sum,
	}
	if !rec.Consistent {
		s.log.Warn().
			Str("user_id", profile.ID).
			Int64("points", rec.Points).
			Int64("ledger_sum", rec.LedgerSum).
			Msg("Balance drifted from transaction history")
	}
	return rec, nil
}

// RecordEarn appends an earn transaction without touching balances.
// A zero at means now.
func (s *Service) RecordEarn(ctx context.Context, userID string, amount int64, description string, at time.Time) (*models.Transaction, error) {
	return s.record(ctx, userID, models.TransactionEarn, amount, description, at)
}

// RecordRedeem appends a redeem transaction without touching balances.
func (s *Service) RecordRedeem(ctx context.Context, userID string, amount int64, description string, at time.Time) (*models.Transaction, error) {
	return s.record(ctx, userID, models.TransactionRedeem, amount, description, at)
}

func (s *Service) record(ctx context.Context, userID, txType string, amount int64, description string, at time.Time) (*models.Transaction, error) {
	if amount <= 0 || amount > MaxAdjustment {
		return nil, fmt.Errorf("%w: %s amount must be between 1 and %d", ErrInvalidAmount, txType, MaxAdjustment)
	}

	userID = strings.TrimSpace(userID)
	exists, err := s.profiles.Exists(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}

	if at.IsZero() {
		at = s.now()
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = defaultDescription(txType)
	}

	txn := &models.Transaction{
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Description: description,
		CreatedAt:   at.UTC(),
	}
	if err := s.txns.Create(ctx, txn); err != nil {
		return nil, storeError(err)
	}
	return txn, nil
}
