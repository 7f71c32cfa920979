// Package scheduler runs the monthly rollover and the at-risk digest on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/internal/mattermost"
	prommetrics "github.com/aimd54/loyalty-ledger/internal/metrics"
	"github.com/aimd54/loyalty-ledger/internal/service/churn"
	"github.com/aimd54/loyalty-ledger/internal/service/rollover"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// Job names used in metrics and logs.
const (
	jobRollover = "monthly_rollover"
	jobDigest   = "at_risk_digest"
)

// Roller closes the previous month.
type Roller interface {
	CheckAndSnapshot(ctx context.Context) (*rollover.Result, error)
}

// AtRiskLister lists clients likely to churn.
type AtRiskLister interface {
	ListAtRisk(ctx context.Context) ([]churn.AtRiskClient, error)
}

// Notifier posts operator notifications.
type Notifier interface {
	SendMonthlyWinners(month string, winners []mattermost.WinnerLine) error
	SendAtRiskDigest(clients []mattermost.AtRiskClient, total int) error
}

// Service handles background job scheduling.
type Service struct {
	config   *config.Config
	roller   Roller
	atRisk   AtRiskLister
	notifier Notifier
	log      *logger.Logger
	cron     *cron.Cron
}

// NewService creates a new scheduler service. atRisk and notifier may be nil.
func NewService(
	cfg *config.Config,
	roller Roller,
	atRisk AtRiskLister,
	notifier Notifier,
	log *logger.Logger,
) *Service {
	return &Service{
		config:   cfg,
		roller:   roller,
		atRisk:   atRisk,
		notifier: notifier,
		log:      log.Component("scheduler"),
	}
}

// Start initializes and starts the cron scheduler.
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Scheduler.Enabled {
		s.log.Info().Msg("Scheduler is disabled in configuration")
		return nil
	}

	location, err := s.config.Scheduler.GetLocation()
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.config.Scheduler.Timezone, err)
	}

	s.cron = cron.New(cron.WithLocation(location))

	// Register monthly rollover job
	rolloverSpec, err := s.rolloverSpec()
	if err != nil {
		return err
	}
	_, err = s.cron.AddFunc(rolloverSpec, func() {
		s.runRollover(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to register rollover job: %w", err)
	}

	// Register at-risk digest job if configured
	digestExpr := ""
	if s.config.Scheduler.DigestTime != "" && s.atRisk != nil {
		digestExpr, err = s.buildCronExpression()
		if err != nil {
			return fmt.Errorf("failed to build cron expression: %w", err)
		}
		_, err = s.cron.AddFunc(digestExpr, func() {
			s.runAtRiskDigest(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to register at-risk digest job: %w", err)
		}
	}

	s.cron.Start()

	// Catch up on a month closed while the service was down.
	if s.config.Scheduler.RolloverOnStart {
		go s.runRollover(ctx)
	}

	entries := s.cron.Entries()
	nextRun := ""
	if len(entries) > 0 {
		nextRun = entries[0].Next.Format(time.RFC3339)
	}

	s.log.Info().
		Str("rollover_schedule", rolloverSpec).
		Str("digest_schedule", digestExpr).
		Str("timezone", s.config.Scheduler.Timezone).
		Bool("skip_weekends", s.config.Scheduler.SkipWeekends).
		Str("next_run", nextRun).
		Msg("Scheduler started successfully")

	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.log.Info().Msg("Scheduler stopped")
	}
}

// rolloverSpec pins the rollover job to the ledger timezone, which defines
// the month boundaries, unless the expression already names a zone.
func (s *Service) rolloverSpec() (string, error) {
	spec := strings.TrimSpace(s.config.Scheduler.RolloverCron)
	if strings.HasPrefix(spec, "CRON_TZ=") || strings.HasPrefix(spec, "TZ=") {
		return spec, nil
	}

	location, err := s.config.Loyalty.GetLocation()
	if err != nil {
		return "", fmt.Errorf("invalid loyalty timezone %q: %w", s.config.Loyalty.Timezone, err)
	}
	return "CRON_TZ=" + location.String() + " " + spec, nil
}

// buildCronExpression generates the digest cron expression from config.
func (s *Service) buildCronExpression() (string, error) {
	// Parse time string (format: "HH:MM")
	parts := strings.Split(s.config.Scheduler.DigestTime, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time format %q, expected HH:MM", s.config.Scheduler.DigestTime)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour %q", parts[0])
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute %q", parts[1])
	}

	// Format: "minute hour day month weekday"
	if s.config.Scheduler.SkipWeekends {
		return fmt.Sprintf("%d %d * * 1-5", minute, hour), nil
	}

	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// runRollover executes the monthly rollover job.
func (s *Service) runRollover(ctx context.Context) {
	start := time.Now()

	defer func() {
		prommetrics.ObserveSchedulerJobDuration(jobRollover, time.Since(start).Seconds())
		prommetrics.SetSchedulerLastRun(jobRollover)
	}()

	s.log.Info().Msg("Running monthly rollover job")

	result, err := s.roller.CheckAndSnapshot(ctx)
	if err != nil {
		s.log.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Monthly rollover job failed")
		prommetrics.RecordSchedulerJobRun(jobRollover, "error")
		return
	}

	prommetrics.RecordSchedulerJobRun(jobRollover, "success")

	if !result.Performed() || s.notifier == nil {
		return
	}

	if err := s.notifier.SendMonthlyWinners(result.Month, buildWinnerLines(result.Winners)); err != nil {
		s.log.Error().
			Err(err).
			Str("month", result.Month).
			Msg("Failed to announce monthly winners")
		return
	}

	s.log.Info().
		Str("month", result.Month).
		Int("winners", len(result.Winners)).
		Dur("total_duration", time.Since(start)).
		Msg("Successfully announced monthly winners")
}

// runAtRiskDigest executes the daily at-risk outreach digest job.
func (s *Service) runAtRiskDigest(ctx context.Context) {
	start := time.Now()

	defer func() {
		prommetrics.ObserveSchedulerJobDuration(jobDigest, time.Since(start).Seconds())
		prommetrics.SetSchedulerLastRun(jobDigest)
	}()

	s.log.Info().Msg("Running at-risk digest job")

	clients, err := s.atRisk.ListAtRisk(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list at-risk clients")
		prommetrics.RecordSchedulerJobRun(jobDigest, "error")
		return
	}

	s.log.Info().Int("count", len(clients)).Msg("Found at-risk clients")

	if len(clients) == 0 || s.notifier == nil {
		s.log.Debug().Msg("No at-risk digest to send")
		prommetrics.RecordSchedulerJobRun(jobDigest, "success")
		return
	}

	sendStart := time.Now()
	if err := s.notifier.SendAtRiskDigest(buildAtRiskLines(clients), len(clients)); err != nil {
		s.log.Error().
			Err(err).
			Dur("send_duration", time.Since(sendStart)).
			Msg("Failed to send at-risk digest")
		prommetrics.RecordSchedulerJobRun(jobDigest, "error")
		return
	}

	prommetrics.RecordSchedulerJobRun(jobDigest, "success")

	s.log.Info().
		Int("client_count", len(clients)).
		Dur("send_duration", time.Since(sendStart)).
		Dur("total_duration", time.Since(start)).
		Msg("Successfully sent at-risk digest")
}
