// Package churn estimates visit recency and flags clients likely to churn.
package churn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aimd54/loyalty-ledger/internal/metrics"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// Client statuses.
const (
	StatusAtRisk = "AtRisk"
	StatusNew    = "New"
	StatusLoyal  = "Loyal"
)

// Default thresholds in days.
const (
	DefaultAtRiskDays    = 21
	DefaultNewClientDays = 7
)

// ProfileRepository interface for profile lookups.
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (*models.Profile, error)
	ListCompetitors(ctx context.Context) ([]models.Profile, error)
}

// TransactionRepository interface for visit history.
type TransactionRepository interface {
	LastEarn(ctx context.Context, userID string) (*models.Transaction, error)
	LastEarnTimes(ctx context.Context) (map[string]time.Time, error)
}

// Classification is the churn estimate of one client.
type Classification struct {
	UserID        string `json:"user_id"`
	LastVisitDays int    `json:"last_visit_days"`
	Status        string `json:"status"`
}

// AtRiskClient is one entry of the outreach list.
type AtRiskClient struct {
	UserID        string `json:"user_id"`
	FullName      string `json:"full_name"`
	LastVisitDays int    `json:"last_visit_days"`
}

// Service classifies clients by visit recency.
type Service struct {
	profiles      ProfileRepository
	txns          TransactionRepository
	atRiskDays    int
	newClientDays int
	log           *logger.Logger
	now           func() time.Time
}

// NewService creates a new churn service. Non-positive thresholds fall back to the defaults.
func NewService(profiles ProfileRepository, txns TransactionRepository, atRiskDays, newClientDays int, log *logger.Logger) *Service {
	if atRiskDays <= 0 {
		atRiskDays = DefaultAtRiskDays
	}
	if newClientDays <= 0 {
		newClientDays = DefaultNewClientDays
	}
	return &Service{
		profiles:      profiles,
		txns:          txns,
		atRiskDays:    atRiskDays,
		newClientDays: newClientDays,
		log:           log.Component("churn"),
		now:           time.Now,
	}
}

// SetClock overrides the time source (useful for testing).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Classify returns the days since the client's last earn and their status.
// Clients without any earn are measured from profile creation.
func (s *Service) Classify(ctx context.Context, userID string) (*Classification, error) {
	profile, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrProfileNotFound, strings.TrimSpace(userID))
		}
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	last, err := s.txns.LastEarn(ctx, profile.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	var lastEarn *time.Time
	if last != nil {
		lastEarn = &last.CreatedAt
	}
	c := s.classify(profile, lastEarn, s.now())
	return &c, nil
}

// AtRiskCount counts non-admin clients classified AtRisk.
func (s *Service) AtRiskCount(ctx context.Context) (int, error) {
	clients, err := s.ListAtRisk(ctx)
	if err != nil {
		return 0, err
	}
	return len(clients), nil
}

// ListAtRisk returns every at-risk client, longest absence first.
func (s *Service) ListAtRisk(ctx context.Context) ([]AtRiskClient, error) {
	profiles, err := s.profiles.ListCompetitors(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	lastEarns, err := s.txns.LastEarnTimes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	now := s.now()
	atRisk := make([]AtRiskClient, 0)
	for i := range profiles {
		var lastEarn *time.Time
		if t, ok := lastEarns[profiles[i].ID]; ok {
			lastEarn = &t
		}

		c := s.classify(&profiles[i], lastEarn, now)
		if c.Status != StatusAtRisk {
			continue
		}
		atRisk = append(atRisk, AtRiskClient{
			UserID:        profiles[i].ID,
			FullName:      profiles[i].FullName,
			LastVisitDays: c.LastVisitDays,
		})
	}

	sort.SliceStable(atRisk, func(i, j int) bool {
		return atRisk[i].LastVisitDays > atRisk[j].LastVisitDays
	})

	metrics.SetAtRiskClients(len(atRisk))
	s.log.Debug().Int("at_risk", len(atRisk)).Int("clients", len(profiles)).Msg("Computed at-risk clients")

	return atRisk, nil
}

func (s *Service) classify(profile *models.Profile, lastEarn *time.Time, now time.Time) Classification {
	reference := profile.CreatedAt
	if lastEarn != nil {
		reference = *lastEarn
	}

	days := int(now.Sub(reference) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}

	status := StatusLoyal
	switch {
	case days > s.atRiskDays:
		status = StatusAtRisk
	case lastEarn == nil && days < s.newClientDays:
		status = StatusNew
	}

	return Classification{
		UserID:        profile.ID,
		LastVisitDays: days,
		Status:        status,
	}
}
