package rollover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/loyalty-ledger/internal/cache"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/leaderboard"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
	"github.com/aimd54/loyalty-ledger/test/mocks"
)

// April 1st, five minutes past midnight: the run closes March.
var fixedNow = time.Date(2024, 4, 1, 0, 5, 0, 0, time.UTC)

type fixture struct {
	db       *repository.DB
	profiles *repository.ProfileRepository
	winners  *repository.WinnerRepository
	outbox   *repository.OutboxRepository
	locker   *mocks.MockCache
	service  *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := repository.OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:       db,
		profiles: repository.NewProfileRepository(db),
		winners:  repository.NewWinnerRepository(db),
		outbox:   repository.NewOutboxRepository(db),
		locker:   mocks.NewMockCache(),
	}
	f.service = NewService(db, f.profiles, f.winners, f.outbox, f.locker, leaderboard.NewServiceWithInterfaces(f.profiles, f.locker, time.Minute, 5, logger.Nop()), Config{WinnersCount: 5}, logger.Nop())
	f.service.SetClock(func() time.Time { return fixedNow })
	return f
}

func (f *fixture) profile(t *testing.T, name, role string, monthly, total int64) *models.Profile {
	t.Helper()
	p := &models.Profile{FullName: name, Role: role, Points: monthly, MonthlyPoints: monthly, TotalPointsAccumulated: total}
	require.NoError(t, f.profiles.Create(context.Background(), p))
	return p
}

func TestCheckAndSnapshot_ArchivesTopAndResets(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.profile(t, "Boss", models.RoleAdmin, 5000, 5000)
	for i, name := range []string{"C1", "C2", "C3", "C4", "C5", "C6", "C7"} {
		f.profile(t, name, models.RoleClient, int64((i+1)*10), int64((i+1)*10))
	}
	f.profile(t, "Idle", models.RoleClient, 0, 300)

	result, err := f.service.CheckAndSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPerformed, result.Status)
	assert.Equal(t, "2024-03", result.Month)
	require.Len(t, result.Winners, 5)
	assert.Equal(t, "C7", result.Winners[0].FullName)
	assert.Equal(t, int64(70), result.Winners[0].Points)
	assert.Equal(t, "C3", result.Winners[4].FullName)
	assert.Equal(t, int64(8), result.ResetCount)

	competitors, err := f.profiles.ListCompetitors(ctx)
	require.NoError(t, err)
	for _, p := range competitors {
		assert.Zero(t, p.MonthlyPoints, "monthly points of %s", p.FullName)
		assert.NotZero(t, p.TotalPointsAccumulated)
	}

	boss, err := f.profiles.List(ctx, models.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, boss, 1)
	assert.Equal(t, int64(5000), boss[0].MonthlyPoints, "admins are not reset")

	stored, err := f.service.PreviousMonthWinners(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 5)
	for i, w := range stored {
		assert.Equal(t, i+1, w.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, stored[i-1].Points, w.Points)
		}
	}

	pending, err := f.outbox.CountByStatus(ctx, models.OutboxPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestCheckAndSnapshot_TieBreakOnLifetime(t *testing.T) {
	f := setup(t)

	f.profile(t, "B", models.RoleClient, 100, 300)
	f.profile(t, "A", models.RoleClient, 100, 500)

	result, err := f.service.CheckAndSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Winners, 2)
	assert.Equal(t, "A", result.Winners[0].FullName)
	assert.Equal(t, "B", result.Winners[1].FullName)
}

func TestCheckAndSnapshot_SequentialIdempotence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.profile(t, "Ana", models.RoleClient, 50, 50)

	first, err := f.service.CheckAndSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, first.Performed())

	// New-month accrual must survive a second run.
	_, err = f.profiles.ApplyDelta(ctx, first.Winners[0].UserID, 20, fixedNow)
	require.NoError(t, err)

	second, err := f.service.CheckAndSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDone, second.Status)

	ana, err := f.profiles.GetByID(ctx, first.Winners[0].UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), ana.MonthlyPoints)

	winners, err := f.service.PreviousMonthWinners(ctx)
	require.NoError(t, err)
	assert.Len(t, winners, 1)
}

func TestCheckAndSnapshot_EmptyMonthIsMarked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.service.CheckAndSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, first.Performed())
	assert.Empty(t, first.Winners)

	p := f.profile(t, "Late", models.RoleClient, 15, 15)

	second, err := f.service.CheckAndSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDone, second.Status)

	late, err := f.profiles.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), late.MonthlyPoints)

	run, err := f.service.RunForMonth(ctx, time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, run, "an empty month is still closed")
	assert.Zero(t, run.WinnersCount)

	run, err = f.service.RunForMonth(ctx, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestCheckAndSnapshot_ConcurrentIdempotence(t *testing.T) {
	f := setup(t)
	f.service = NewService(f.db, f.profiles, f.winners, f.outbox, cache.NewLocalLocker(), nil, Config{WinnersCount: 5}, logger.Nop())
	f.service.SetClock(func() time.Time { return fixedNow })

	for _, name := range []string{"Ana", "Ben", "Cid"} {
		f.profile(t, name, models.RoleClient, 30, 30)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.service.CheckAndSnapshot(context.Background())
		}(i)
	}
	wg.Wait()

	performed := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Performed() {
			performed++
		}
	}
	assert.Equal(t, 1, performed)

	winners, err := f.service.PreviousMonthWinners(context.Background())
	require.NoError(t, err)
	assert.Len(t, winners, 3)
}

func TestCheckAndSnapshot_LockHeldElsewhere(t *testing.T) {
	f := setup(t)
	f.profile(t, "Ana", models.RoleClient, 30, 30)
	f.locker.HoldLock("rollover:2024-03")

	result, err := f.service.CheckAndSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, result.Status)

	competitors, err := f.profiles.ListCompetitors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), competitors[0].MonthlyPoints)
}

func TestCheckAndSnapshot_InvalidatesLeaderboard(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.locker.Set(context.Background(), "leaderboard:monthly", "[]", time.Minute))

	_, err := f.service.CheckAndSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, f.locker.Has("leaderboard:monthly"))
}

func TestTargetMonth_UsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	f := setup(t)
	svc := NewService(f.db, f.profiles, f.winners, nil, f.locker, nil, Config{Location: loc}, logger.Nop())
	// 02:00 UTC on April 1st is still March 31st in New York.
	svc.SetClock(func() time.Time { return time.Date(2024, 4, 1, 2, 0, 0, 0, time.UTC) })

	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), svc.TargetMonth())
}

func TestParseMonth(t *testing.T) {
	month, err := ParseMonth("2024-03")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), month)

	_, err = ParseMonth("March")
	assert.Error(t, err)
}
