package leaderboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
	"github.com/aimd54/loyalty-ledger/test/mocks"
)

// failingProfileRepository fails every query.
type failingProfileRepository struct {
	err error
}

func (m *failingProfileRepository) GetByID(_ context.Context, _ string) (*models.Profile, error) {
	return nil, m.err
}

func (m *failingProfileRepository) TopByMonthly(_ context.Context, _ int) ([]models.Profile, error) {
	return nil, m.err
}

func (m *failingProfileRepository) CountMonthlyAbove(_ context.Context, _ int64) (int64, error) {
	return 0, m.err
}

// Test setup helper
func setupTestService(t *testing.T, cache Cache) (*Service, *repository.DB) {
	t.Helper()

	db, err := repository.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.AutoMigrate(); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	service := NewService(repository.NewProfileRepository(db), cache, time.Minute, 5, logger.Nop())
	return service, db
}

func createProfile(t *testing.T, db *repository.DB, name, role string, monthly, total int64) *models.Profile {
	t.Helper()

	profile := &models.Profile{
		FullName:               name,
		Role:                   role,
		Points:                 monthly,
		MonthlyPoints:          monthly,
		TotalPointsAccumulated: total,
	}
	if err := repository.NewProfileRepository(db).Create(context.Background(), profile); err != nil {
		t.Fatalf("Failed to create profile %s: %v", name, err)
	}
	return profile
}

func TestGetTopN_TieBreakOnLifetime(t *testing.T) {
	service, db := setupTestService(t, nil)

	b := createProfile(t, db, "B", models.RoleClient, 100, 300)
	a := createProfile(t, db, "A", models.RoleClient, 100, 500)

	top, err := service.GetTopN(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetTopN failed: %v", err)
	}

	if len(top) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(top))
	}
	if top[0].UserID != a.ID || top[1].UserID != b.ID {
		t.Errorf("Expected A before B, got %s then %s", top[0].FullName, top[1].FullName)
	}
	if top[0].Rank != 1 || top[1].Rank != 2 {
		t.Errorf("Expected ranks 1 and 2, got %d and %d", top[0].Rank, top[1].Rank)
	}

	// Both tie on monthly points, so both share rank 1.
	for _, id := range []string{a.ID, b.ID} {
		rank, err := service.GetRank(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRank failed: %v", err)
		}
		if rank != 1 {
			t.Errorf("Expected rank 1 for tied client, got %d", rank)
		}
	}
}

func TestGetTopN_Exclusions(t *testing.T) {
	service, db := setupTestService(t, nil)

	createProfile(t, db, "Boss", models.RoleAdmin, 10000, 10000)
	createProfile(t, db, "Idle", models.RoleClient, 0, 900)
	createProfile(t, db, "Ana", models.RoleClient, 40, 40)

	top, err := service.GetTopN(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetTopN failed: %v", err)
	}

	if len(top) != 1 {
		t.Fatalf("Expected only the active client, got %d entries", len(top))
	}
	if top[0].FullName != "Ana" || top[0].Points != 40 {
		t.Errorf("Unexpected entry: %+v", top[0])
	}
}

func TestGetTopN_Limit(t *testing.T) {
	service, db := setupTestService(t, nil)

	for i := 1; i <= 8; i++ {
		createProfile(t, db, "client", models.RoleClient, int64(i*10), int64(i*10))
	}

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default size", 0, 5},
		{"explicit limit", 3, 3},
		{"limit above population", 50, 8},
		{"negative falls back to default", -1, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top, err := service.GetTopN(context.Background(), tt.limit)
			if err != nil {
				t.Fatalf("GetTopN failed: %v", err)
			}
			if len(top) != tt.want {
				t.Errorf("Expected %d entries, got %d", tt.want, len(top))
			}
			for i := 1; i < len(top); i++ {
				if top[i-1].Points < top[i].Points {
					t.Errorf("Entries not sorted at %d: %d < %d", i, top[i-1].Points, top[i].Points)
				}
			}
		})
	}
}

func TestGetRank_MaximumIsFirst(t *testing.T) {
	service, db := setupTestService(t, nil)

	createProfile(t, db, "Boss", models.RoleAdmin, 999, 999)
	best := createProfile(t, db, "Best", models.RoleClient, 300, 300)
	mid := createProfile(t, db, "Mid", models.RoleClient, 200, 200)
	low := createProfile(t, db, "Low", models.RoleClient, 0, 0)

	ctx := context.Background()
	expected := map[string]int{best.ID: 1, mid.ID: 2, low.ID: 3}
	for id, want := range expected {
		rank, err := service.GetRank(ctx, id)
		if err != nil {
			t.Fatalf("GetRank failed: %v", err)
		}
		if rank != want {
			t.Errorf("Expected rank %d, got %d", want, rank)
		}
	}

	_, err := service.GetRank(ctx, "missing")
	if !errors.Is(err, ledger.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}
}

func TestGetTopLoyaltyRanking(t *testing.T) {
	service, db := setupTestService(t, nil)

	createProfile(t, db, "Ana", models.RoleClient, 50, 50)
	ben := createProfile(t, db, "Ben", models.RoleClient, 20, 20)

	ranking, err := service.GetTopLoyaltyRanking(context.Background(), ben.ID, 1)
	if err != nil {
		t.Fatalf("GetTopLoyaltyRanking failed: %v", err)
	}
	if len(ranking.Top) != 1 || ranking.Top[0].FullName != "Ana" {
		t.Errorf("Unexpected top: %+v", ranking.Top)
	}
	if ranking.UserRank != 2 {
		t.Errorf("Expected user rank 2, got %d", ranking.UserRank)
	}

	ranking, err = service.GetTopLoyaltyRanking(context.Background(), "", 5)
	if err != nil {
		t.Fatalf("GetTopLoyaltyRanking failed: %v", err)
	}
	if ranking.UserRank != 0 {
		t.Errorf("Expected no user rank, got %d", ranking.UserRank)
	}
}

func TestGetTopN_Cache(t *testing.T) {
	cache := mocks.NewMockCache()
	service, db := setupTestService(t, cache)
	ctx := context.Background()

	createProfile(t, db, "Ana", models.RoleClient, 50, 50)

	if _, err := service.GetTopN(ctx, 5); err != nil {
		t.Fatalf("GetTopN failed: %v", err)
	}
	if !cache.Has(cacheKey) {
		t.Fatal("Expected ranking to be cached")
	}

	// A new client is invisible until the cache is invalidated.
	createProfile(t, db, "Ben", models.RoleClient, 80, 80)
	top, _ := service.GetTopN(ctx, 5)
	if len(top) != 1 {
		t.Errorf("Expected cached ranking with 1 entry, got %d", len(top))
	}

	if err := service.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	top, _ = service.GetTopN(ctx, 5)
	if len(top) != 2 || top[0].FullName != "Ben" {
		t.Errorf("Expected fresh ranking led by Ben, got %+v", top)
	}
}

func TestGetTopN_CacheFailureFallsBack(t *testing.T) {
	cache := mocks.NewMockCache()
	cache.Err = errors.New("redis down")
	service, db := setupTestService(t, cache)

	createProfile(t, db, "Ana", models.RoleClient, 50, 50)

	top, err := service.GetTopN(context.Background(), 5)
	if err != nil {
		t.Fatalf("Expected database fallback, got %v", err)
	}
	if len(top) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(top))
	}
}

func TestGetTopN_StoreError(t *testing.T) {
	service := NewServiceWithInterfaces(&failingProfileRepository{err: errors.New("db down")}, nil, 0, 5, logger.Nop())

	_, err := service.GetTopN(context.Background(), 5)
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestGetStanding(t *testing.T) {
	service, db := setupTestService(t, nil)

	boss := createProfile(t, db, "Boss", models.RoleAdmin, 0, 0)
	createProfile(t, db, "Ana", models.RoleClient, 90, 90)
	ben := createProfile(t, db, "Ben", models.RoleClient, 30, 60)

	standing, err := service.GetStanding(context.Background(), ben.ID)
	if err != nil {
		t.Fatalf("GetStanding failed: %v", err)
	}
	if standing.Rank != 2 || standing.TotalPointsAccumulated != 60 {
		t.Errorf("Unexpected standing: %+v", standing)
	}

	standing, err = service.GetStanding(context.Background(), boss.ID)
	if err != nil {
		t.Fatalf("GetStanding failed: %v", err)
	}
	if standing.Rank != 0 {
		t.Errorf("Expected admins to be unranked, got %d", standing.Rank)
	}
}
