// Package leaderboard provides the monthly ranking of clients.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/aimd54/loyalty-ledger/internal/metrics"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

const (
	// DefaultSize is the Top-N size when none is requested.
	DefaultSize = 5
	// MaxSize bounds the Top-N size and the cached ranking.
	MaxSize = 100

	cacheKey = "leaderboard:monthly"
)

var tracer = otel.Tracer("github.com/aimd54/loyalty-ledger/internal/service/leaderboard")

// ProfileRepository interface for ranking queries.
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (*models.Profile, error)
	TopByMonthly(ctx context.Context, limit int) ([]models.Profile, error)
	CountMonthlyAbove(ctx context.Context, threshold int64) (int64, error)
}

// Cache interface for the cached Top-N.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Entry represents a single entry in the leaderboard.
type Entry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	FullName    string `json:"full_name"`
	Points      int64  `json:"points"` // monthly points
	TotalPoints int64  `json:"total_points"`
}

// Ranking is the Top-N together with the caller's own rank.
type Ranking struct {
	Top      []Entry `json:"top"`
	UserRank int     `json:"user_rank,omitempty"`
}

// Service handles leaderboard generation.
type Service struct {
	profileRepo ProfileRepository
	cache       Cache
	cacheTTL    time.Duration
	defaultSize int
	log         *logger.Logger
}

// NewService creates a new leaderboard service with concrete repository types.
// A nil cache disables caching.
func NewService(profileRepo *repository.ProfileRepository, cache Cache, cacheTTL time.Duration, defaultSize int, log *logger.Logger) *Service {
	return NewServiceWithInterfaces(profileRepo, cache, cacheTTL, defaultSize, log)
}

// NewServiceWithInterfaces creates a new leaderboard service with interface dependencies (useful for testing).
func NewServiceWithInterfaces(profileRepo ProfileRepository, cache Cache, cacheTTL time.Duration, defaultSize int, log *logger.Logger) *Service {
	if defaultSize <= 0 {
		defaultSize = DefaultSize
	}
	return &Service{
		profileRepo: profileRepo,
		cache:       cache,
		cacheTTL:    cacheTTL,
		defaultSize: defaultSize,
		log:         log.Component("leaderboard"),
	}
}

// GetTopN returns the n best non-admin clients of the current month.
// Clients with no monthly points are never listed. n <= 0 means the
// configured default.
func (s *Service) GetTopN(ctx context.Context, n int) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "leaderboard.GetTopN")
	defer span.End()

	if n <= 0 {
		n = s.defaultSize
	}
	if n > MaxSize {
		n = MaxSize
	}

	entries, err := s.ranking(ctx)
	if err != nil {
		return nil, err
	}

	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// GetRank returns 1 + the number of non-admin clients with strictly more
// monthly points. Tied clients share a rank, so the result may disagree
// with the position in GetTopN.
func (s *Service) GetRank(ctx context.Context, userID string) (int, error) {
	profile, err := s.profileRepo.GetByID(ctx, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ledger.ErrProfileNotFound, strings.TrimSpace(userID))
		}
		return 0, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	above, err := s.profileRepo.CountMonthlyAbove(ctx, profile.MonthlyPoints)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return int(above) + 1, nil
}

// GetTopLoyaltyRanking returns the Top-N and, when userID is set, that
// user's rank.
func (s *Service) GetTopLoyaltyRanking(ctx context.Context, userID string, limit int) (*Ranking, error) {
	top, err := s.GetTopN(ctx, limit)
	if err != nil {
		return nil, err
	}

	ranking := &Ranking{Top: top}
	if strings.TrimSpace(userID) == "" {
		return ranking, nil
	}

	rank, err := s.GetRank(ctx, userID)
	if err != nil {
		return nil, err
	}
	ranking.UserRank = rank
	return ranking, nil
}

// Invalidate drops the cached ranking.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Del(ctx, cacheKey); err != nil {
		return fmt.Errorf("failed to invalidate leaderboard cache: %w", err)
	}
	return nil
}

// ranking returns the full cached ranking, rebuilding it on a miss.
// Cache failures fall back to the database.
func (s *Service) ranking(ctx context.Context) ([]Entry, error) {
	if cached, ok := s.cached(ctx); ok {
		return cached, nil
	}

	profiles, err := s.profileRepo.TopByMonthly(ctx, MaxSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	entries := make([]Entry, 0, len(profiles))
	for i := range profiles {
		entries = append(entries, Entry{
			Rank:        i + 1,
			UserID:      profiles[i].ID,
			FullName:    profiles[i].FullName,
			Points:      profiles[i].MonthlyPoints,
			TotalPoints: profiles[i].TotalPointsAccumulated,
		})
	}

	s.store(ctx, entries)
	return entries, nil
}

func (s *Service) cached(ctx context.Context) ([]Entry, bool) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return nil, false
	}

	raw, err := s.cache.Get(ctx, cacheKey)
	if err != nil {
		metrics.RecordLeaderboardCache("error")
		s.log.Warn().Err(err).Msg("Failed to read leaderboard cache")
		return nil, false
	}
	if raw == "" {
		metrics.RecordLeaderboardCache("miss")
		return nil, false
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		metrics.RecordLeaderboardCache("error")
		s.log.Warn().Err(err).Msg("Discarding malformed leaderboard cache entry")
		return nil, false
	}

	metrics.RecordLeaderboardCache("hit")
	return entries, true
}

func (s *Service) store(ctx context.Context, entries []Entry) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}

	body, err := json.Marshal(entries)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode leaderboard")
		return
	}
	if err := s.cache.Set(ctx, cacheKey, string(body), s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write leaderboard cache")
	}
}
