// Package rollover closes a calendar month: it archives the top clients and
// resets every client's monthly points.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aimd54/loyalty-ledger/internal/events"
	"github.com/aimd54/loyalty-ledger/internal/metrics"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// Rollover outcomes.
const (
	StatusPerformed   = "performed"
	StatusAlreadyDone = "already_rolled_over"
	StatusLocked      = "locked"
)

const monthLayout = "2006-01"

var tracer = otel.Tracer("github.com/aimd54/loyalty-ledger/internal/service/rollover")

// Locker serializes rollovers across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Winner is one archived podium position.
type Winner struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Points   int64  `json:"points"`
}

// Result summarizes a rollover attempt.
type Result struct {
	Month      string   `json:"month"`
	Status     string   `json:"status"`
	Winners    []Winner `json:"winners"`
	ResetCount int64    `json:"reset_count"`
}

// Performed reports whether this call closed the month.
func (r *Result) Performed() bool {
	return r.Status == StatusPerformed
}

// Config holds the rollover settings.
type Config struct {
	WinnersCount int
	LockTTL      time.Duration
	Location     *time.Location
}

// Service runs the monthly rollover.
type Service struct {
	db          *repository.DB
	profiles    *repository.ProfileRepository
	winners     *repository.WinnerRepository
	outbox      *repository.OutboxRepository
	locker      Locker
	invalidator ledger.CacheInvalidator
	cfg         Config
	log         *logger.Logger
	now         func() time.Time
}

// NewService creates a new rollover service. outbox and invalidator may be nil.
func NewService(
	db *repository.DB,
	profiles *repository.ProfileRepository,
	winners *repository.WinnerRepository,
	outbox *repository.OutboxRepository,
	locker Locker,
	invalidator ledger.CacheInvalidator,
	cfg Config,
	log *logger.Logger,
) *Service {
	if cfg.WinnersCount <= 0 {
		cfg.WinnersCount = 5
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		db:          db,
		profiles:    profiles,
		winners:     winners,
		outbox:      outbox,
		locker:      locker,
		invalidator: invalidator,
		cfg:         cfg,
		log:         log.Component("rollover"),
		now:         time.Now,
	}
}

// SetClock overrides the time source (useful for testing).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// TargetMonth returns the month a rollover run now would close.
func (s *Service) TargetMonth() time.Time {
	return models.PreviousMonthStart(s.now(), s.cfg.Location)
}

// CheckAndSnapshot closes the previous calendar month if nobody did yet.
// Repeated and concurrent calls are no-ops reported as already rolled over
// or locked.
func (s *Service) CheckAndSnapshot(ctx context.Context) (*Result, error) {
	month := s.TargetMonth()
	key := month.Format(monthLayout)

	ctx, span := tracer.Start(ctx, "rollover.CheckAndSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("loyalty.month", key))

	result, err := s.checkAndSnapshot(ctx, month)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollover failed")
		metrics.RecordRolloverRun("error")
		s.log.Error().
			Err(err).
			Str("month", key).
			Msg("Monthly rollover failed, monthly points were not reset; operator attention required")
		return nil, err
	}

	metrics.RecordRolloverRun(result.Status)
	span.SetAttributes(attribute.String("loyalty.rollover_status", result.Status))

	if !result.Performed() {
		s.log.Info().Str("month", key).Str("status", result.Status).Msg("Monthly rollover skipped")
		return result, nil
	}

	metrics.SetRolloverResult(len(result.Winners), result.ResetCount)
	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to invalidate leaderboard cache")
		}
	}

	s.log.Info().
		Str("month", key).
		Int("winners", len(result.Winners)).
		Int64("reset_profiles", result.ResetCount).
		Msg("Monthly rollover completed")

	return result, nil
}

func (s *Service) checkAndSnapshot(ctx context.Context, month time.Time) (*Result, error) {
	key := month.Format(monthLayout)
	result := &Result{Month: key, Winners: []Winner{}}

	closed, err := s.winners.MonthClosed(ctx, month)
	if err != nil {
		return nil, err
	}
	if closed {
		result.Status = StatusAlreadyDone
		return result, nil
	}

	release, acquired, err := s.locker.Acquire(ctx, "rollover:"+key, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire rollover lock: %w", err)
	}
	if !acquired {
		result.Status = StatusLocked
		return result, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Str("month", key).Msg("Failed to release rollover lock")
		}
	}()

	// Another process may have finished between the first check and the lock.
	closed, err = s.winners.MonthClosed(ctx, month)
	if err != nil {
		return nil, err
	}
	if closed {
		result.Status = StatusAlreadyDone
		return result, nil
	}

	now := s.now().UTC()
	err = s.db.Transaction(func(tx *repository.DB) error {
		top, err := s.profiles.WithTx(tx).TopByMonthly(ctx, s.cfg.WinnersCount)
		if err != nil {
			return err
		}

		rows := make([]models.MonthlyWinner, 0, len(top))
		for i := range top {
			rows = append(rows, models.MonthlyWinner{
				Month:    month,
				UserID:   top[i].ID,
				FullName: top[i].FullName,
				Points:   top[i].MonthlyPoints,
				Rank:     i + 1,
			})
			result.Winners = append(result.Winners, Winner{
				Rank:     i + 1,
				UserID:   top[i].ID,
				FullName: top[i].FullName,
				Points:   top[i].MonthlyPoints,
			})
		}

		winnersRepo := s.winners.WithTx(tx)
		if err := winnersRepo.CreateWinners(ctx, rows); err != nil {
			return err
		}

		reset, err := s.profiles.WithTx(tx).ResetMonthly(ctx, now)
		if err != nil {
			return err
		}
		result.ResetCount = reset

		if err := winnersRepo.CreateRun(ctx, &models.RolloverRun{
			Month:        month,
			WinnersCount: len(rows),
			ResetCount:   reset,
			CompletedAt:  now,
		}); err != nil {
			return err
		}

		if s.outbox == nil {
			return nil
		}
		payload := events.MonthRolledOver{
			Month:      key,
			Winners:    make([]events.Winner, 0, len(result.Winners)),
			ResetCount: reset,
			OccurredAt: now,
		}
		for _, w := range result.Winners {
			payload.Winners = append(payload.Winners, events.Winner(w))
		}
		msg, err := events.NewOutboxMessage(models.EventMonthRolledOver, key, payload)
		if err != nil {
			return err
		}
		return s.outbox.WithTx(tx).Create(ctx, msg)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return &Result{Month: key, Status: StatusAlreadyDone, Winners: []Winner{}}, nil
	}
	if err != nil {
		return nil, err
	}

	result.Status = StatusPerformed
	return result, nil
}

// PreviousMonthWinners returns the archived winners of the previous month.
func (s *Service) PreviousMonthWinners(ctx context.Context) ([]Winner, error) {
	return s.WinnersForMonth(ctx, s.TargetMonth())
}

// WinnersForMonth returns the archived winners of the month containing month.
func (s *Service) WinnersForMonth(ctx context.Context, month time.Time) ([]Winner, error) {
	rows, err := s.winners.ListByMonth(ctx, models.MonthStart(month, time.UTC))
	if err != nil {
		return nil, err
	}

	winners := make([]Winner, 0, len(rows))
	for i := range rows {
		winners = append(winners, Winner{
			Rank:     rows[i].Rank,
			UserID:   rows[i].UserID,
			FullName: rows[i].FullName,
			Points:   rows[i].Points,
		})
	}
	return winners, nil
}

// RunForMonth returns the rollover marker of the month containing month, or
// nil when that month was never closed.
func (s *Service) RunForMonth(ctx context.Context, month time.Time) (*models.RolloverRun, error) {
	run, err := s.winners.GetRun(ctx, models.MonthStart(month, time.UTC))
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ParseMonth parses a YYYY-MM month key.
func ParseMonth(value string) (time.Time, error) {
	month, err := time.Parse(monthLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q, expected YYYY-MM: %w", value, err)
	}
	return month, nil
}
