// Package ledger applies point deltas to profile balances and records the
// matching transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aimd54/loyalty-ledger/internal/events"
	"github.com/aimd54/loyalty-ledger/internal/metrics"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

var tracer = otel.Tracer("github.com/aimd54/loyalty-ledger/internal/service/ledger")

// MaxAdjustment bounds the magnitude of a single delta.
const MaxAdjustment int64 = 1_000_000_000

// errRequestRace signals that a concurrent call committed the same request ID first.
var errRequestRace = errors.New("request id committed concurrently")

// Actor is the caller of a ledger operation. IsAdmin is decided upstream by
// the authentication layer; the ledger only trusts it.
type Actor struct {
	ID      string
	IsAdmin bool
}

// SystemActor is used by seeding and background jobs.
var SystemActor = Actor{ID: "system", IsAdmin: true}

// Balance is the three counters of a profile after a write.
type Balance struct {
	UserID                 string `json:"user_id"`
	Points                 int64  `json:"points"`
	MonthlyPoints          int64  `json:"monthly_points"`
	TotalPointsAccumulated int64  `json:"total_points_accumulated"`
}

func balanceOf(p *models.Profile) Balance {
	return Balance{
		UserID:                 p.ID,
		Points:                 p.Points,
		MonthlyPoints:          p.MonthlyPoints,
		TotalPointsAccumulated: p.TotalPointsAccumulated,
	}
}

// AdjustRequest describes one signed point adjustment.
type AdjustRequest struct {
	UserID      string
	Amount      int64
	Description string
	// RequestID makes the adjustment idempotent when set.
	RequestID string
	// At back-dates the transaction record. Zero means now.
	At time.Time
	// FollowUp builds an extra outbox event committed with the adjustment.
	// It is ignored when the outbox is disabled.
	FollowUp func(txn *models.Transaction) (*models.OutboxMessage, error)
}

// AdjustResult is the outcome of a committed (or replayed) adjustment.
type AdjustResult struct {
	Balance
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	Replayed      bool   `json:"replayed"`
}

// CacheInvalidator drops cached rankings after monthly points change.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Option configures the service.
type Option func(*Service)

// WithOutbox writes a domain event for every committed change.
func WithOutbox(outbox *repository.OutboxRepository) Option {
	return func(s *Service) { s.outbox = outbox }
}

// WithInvalidator registers the leaderboard cache to invalidate on earn.
func WithInvalidator(inv CacheInvalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the ledger writer and transaction recorder.
type Service struct {
	db          *repository.DB
	profiles    *repository.ProfileRepository
	txns        *repository.TransactionRepository
	outbox      *repository.OutboxRepository
	invalidator CacheInvalidator
	log         *logger.Logger
	now         func() time.Time
}

// NewService creates a new ledger service.
func NewService(
	db *repository.DB,
	profiles *repository.ProfileRepository,
	txns *repository.TransactionRepository,
	log *logger.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		db:       db,
		profiles: profiles,
		txns:     txns,
		log:      log.Component("ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AdjustPoints applies a signed delta and records the matching earn or
// redeem transaction in one database transaction. Only admins may call it.
func (s *Service) AdjustPoints(ctx context.Context, actor Actor, req AdjustRequest) (*AdjustResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.AdjustPoints")
	defer span.End()
	span.SetAttributes(
		attribute.String("loyalty.user_id", strings.TrimSpace(req.UserID)),
		attribute.Int64("loyalty.delta", req.Amount),
	)

	start := time.Now()
	result, err := s.adjust(ctx, actor, req)
	metrics.ObserveLedgerAdjustmentDuration(time.Since(start).Seconds())

	txType := transactionType(req.Amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		metrics.RecordLedgerAdjustment(txType, Code(err), 0)

		event := s.log.Warn()
		if errors.Is(err, ErrStoreUnavailable) {
			event = s.log.Error()
		}
		event.
			Err(err).
			Str("user_id", req.UserID).
			Int64("delta", req.Amount).
			Str("actor", actor.ID).
			Msg("Point adjustment rejected")
		return nil, err
	}

	if result.Replayed {
		metrics.RecordLedgerAdjustment(txType, "replayed", 0)
		s.log.Info().
			Str("user_id", result.UserID).
			Str("request_id", req.RequestID).
			Msg("Point adjustment replayed")
		return result, nil
	}

	metrics.RecordLedgerAdjustment(txType, "success", result.Amount)
	s.log.Info().
		Str("user_id", result.UserID).
		Str("type", result.Type).
		Int64("delta", req.Amount).
		Int64("points", result.Points).
		Int64("monthly_points", result.MonthlyPoints).
		Int64("total_points", result.TotalPointsAccumulated).
		Str("actor", actor.ID).
		Dur("duration", time.Since(start)).
		Msg("Points adjusted")

	return result, nil
}

func (s *Service) adjust(ctx context.Context, actor Actor, req AdjustRequest) (*AdjustResult, error) {
	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}
	if err := validateDelta(req.Amount); err != nil {
		return nil, err
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrUpdateFailed)
	}

	requestID := strings.TrimSpace(req.RequestID)
	if requestID != "" {
		replayed, err := s.replay(ctx, userID, requestID, req.Amount)
		if err != nil || replayed != nil {
			return replayed, err
		}
	}

	now := s.now().UTC()
	at := now
	if !req.At.IsZero() {
		at = req.At.UTC()
	}

	txType := transactionType(req.Amount)
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = defaultDescription(txType)
	}

	var result *AdjustResult
	err := s.db.Transaction(func(tx *repository.DB) error {
		updated, err := s.applyDelta(ctx, s.profiles.WithTx(tx), userID, req.Amount, now)
		if err != nil {
			return err
		}

		txn := &models.Transaction{
			UserID:      userID,
			Type:        txType,
			Amount:      abs(req.Amount),
			Description: description,
			CreatedAt:   at,
		}
		if requestID != "" {
			txn.RequestID = &requestID
		}
		if err := s.txns.WithTx(tx).Create(ctx, txn); err != nil {
			if requestID != "" && errors.Is(err, repository.ErrDuplicate) {
				return errRequestRace
			}
			return err
		}

		if s.outbox != nil {
			msg, err := events.NewOutboxMessage(models.EventPointsAdjusted, userID, events.PointsAdjusted{
				TransactionID:          txn.ID,
				UserID:                 userID,
				Type:                   txType,
				Delta:                  req.Amount,
				Points:                 updated.Points,
				MonthlyPoints:          updated.MonthlyPoints,
				TotalPointsAccumulated: updated.TotalPointsAccumulated,
				Description:            description,
				ActorID:                actor.ID,
				OccurredAt:             at,
			})
			if err != nil {
				return err
			}
			if err := s.outbox.WithTx(tx).Create(ctx, msg); err != nil {
				return err
			}

			if req.FollowUp != nil {
				extra, err := req.FollowUp(txn)
				if err != nil {
					return err
				}
				if err := s.outbox.WithTx(tx).Create(ctx, extra); err != nil {
					return err
				}
			}
		}

		result = &AdjustResult{
			Balance:       balanceOf(updated),
			TransactionID: txn.ID,
			Type:          txType,
			Amount:        txn.Amount,
		}
		return nil
	})
	if errors.Is(err, errRequestRace) {
		return s.replay(ctx, userID, requestID, req.Amount)
	}
	if err != nil {
		return nil, storeError(err)
	}

	if req.Amount > 0 {
		s.invalidate(ctx)
	}

	return result, nil
}

// ApplyDelta is the bare ledger writer: it changes the balances without
// recording a transaction. Callers that need the audit trail use AdjustPoints.
func (s *Service) ApplyDelta(ctx context.Context, actor Actor, userID string, delta int64) (*Balance, error) {
	ctx, span := tracer.Start(ctx, "ledger.ApplyDelta")
	defer span.End()

	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}
	if err := validateDelta(delta); err != nil {
		return nil, err
	}

	updated, err := s.applyDelta(ctx, s.profiles, strings.TrimSpace(userID), delta, s.now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, storeError(err)
	}

	if delta > 0 {
		s.invalidate(ctx)
	}

	b := balanceOf(updated)
	return &b, nil
}

func validateDelta(delta int64) error {
	if delta == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	if delta > MaxAdjustment || delta < -MaxAdjustment {
		return fmt.Errorf("%w: magnitude exceeds %d", ErrInvalidAmount, MaxAdjustment)
	}
	return nil
}

// applyDelta checks the balance for debits and then performs the guarded
// atomic update, mapping repository errors onto ledger errors.
func (s *Service) applyDelta(ctx context.Context, profiles *repository.ProfileRepository, userID string, delta int64, now time.Time) (*models.Profile, error) {
	if delta < 0 {
		current, err := profiles.GetByID(ctx, userID)
		if err != nil {
			if repository.IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s", ErrUpdateFailed, userID)
			}
			return nil, err
		}
		if current.Points < -delta {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, current.Points, -delta)
		}
	}

	updated, err := profiles.ApplyDelta(ctx, userID, delta, now)
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		return nil, fmt.Errorf("%w: balance changed concurrently", ErrInsufficientBalance)
	case errors.Is(err, repository.ErrCounterOverflow):
		return nil, fmt.Errorf("%w: counters would overflow", ErrInvalidAmount)
	case errors.Is(err, repository.ErrNoRowsAffected):
		return nil, fmt.Errorf("%w: %s", ErrUpdateFailed, userID)
	case err != nil:
		return nil, err
	}
	return updated, nil
}

// replay returns the stored outcome of an already committed request ID, or
// nil when the request ID is new.
func (s *Service) replay(ctx context.Context, userID, requestID string, delta int64) (*AdjustResult, error) {
	existing, err := s.txns.GetByRequestID(ctx, requestID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil
		}
		return nil, storeError(err)
	}

	if existing.UserID != userID || existing.Signed() != delta {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	profile, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}

	return &AdjustResult{
		Balance:       balanceOf(profile),
		TransactionID: existing.ID,
		Type:          existing.Type,
		Amount:        existing.Amount,
		Replayed:      true,
	}, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to invalidate leaderboard cache")
	}
}

func transactionType(delta int64) string {
	if delta < 0 {
		return models.TransactionRedeem
	}
	return models.TransactionEarn
}

func defaultDescription(txType string) string {
	if txType == models.TransactionRedeem {
		return "Points redeemed"
	}
	return "Points earned"
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
