package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

var admin = Actor{ID: "admin-1", IsAdmin: true}

type countingInvalidator struct {
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(_ context.Context) error {
	c.calls++
	return c.err
}

type testEnv struct {
	db      *repository.DB
	service *Service
	outbox  *repository.OutboxRepository
	txns    *repository.TransactionRepository
	inv     *countingInvalidator
}

func setupLedger(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		db:     db,
		outbox: repository.NewOutboxRepository(db),
		txns:   repository.NewTransactionRepository(db),
		inv:    &countingInvalidator{},
	}
	env.service = NewService(
		db,
		repository.NewProfileRepository(db),
		env.txns,
		logger.Nop(),
		WithOutbox(env.outbox),
		WithInvalidator(env.inv),
	)
	return env
}

func (e *testEnv) createClient(t *testing.T, name string) *models.Profile {
	t.Helper()
	profile, err := e.service.CreateProfile(context.Background(), admin, NewProfile{FullName: name})
	require.NoError(t, err)
	return profile
}

func TestAdjustPoints_EarnRedeemAndReject(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Ana Lopez")

	res, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: 120, Description: "Visit"})
	require.NoError(t, err)
	assert.Equal(t, Balance{UserID: client.ID, Points: 120, MonthlyPoints: 120, TotalPointsAccumulated: 120}, res.Balance)
	assert.Equal(t, models.TransactionEarn, res.Type)
	assert.False(t, res.Replayed)

	res, err = env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: -15})
	require.NoError(t, err)
	assert.Equal(t, Balance{UserID: client.ID, Points: 105, MonthlyPoints: 120, TotalPointsAccumulated: 120}, res.Balance)
	assert.Equal(t, models.TransactionRedeem, res.Type)
	assert.Equal(t, int64(15), res.Amount)

	_, err = env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: -1000})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	profile, err := env.service.GetProfile(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(105), profile.Points)

	history, err := env.service.History(ctx, client.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	sum, err := env.txns.SumByUser(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, profile.Points, sum)

	// One profile.created plus two points.adjusted.
	pending, err := env.outbox.CountByStatus(ctx, models.OutboxPending)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	assert.Equal(t, 1, env.inv.calls, "only earns invalidate the leaderboard")
}

func TestAdjustPoints_ExactBalance(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Ben")

	_, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: 50})
	require.NoError(t, err)

	res, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: -50})
	require.NoError(t, err)
	assert.Zero(t, res.Points)
}

func TestAdjustPoints_Validation(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Cara")

	tests := []struct {
		name    string
		actor   Actor
		req     AdjustRequest
		wantErr error
	}{
		{
			name:    "non-admin caller",
			actor:   Actor{ID: client.ID},
			req:     AdjustRequest{UserID: client.ID, Amount: 10},
			wantErr: ErrUnauthorized,
		},
		{
			name:    "zero amount",
			actor:   admin,
			req:     AdjustRequest{UserID: client.ID, Amount: 0},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "minimum int64",
			actor:   admin,
			req:     AdjustRequest{UserID: client.ID, Amount: math.MinInt64},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "earn above bound",
			actor:   admin,
			req:     AdjustRequest{UserID: client.ID, Amount: MaxAdjustment + 1},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "redeem above bound",
			actor:   admin,
			req:     AdjustRequest{UserID: client.ID, Amount: -MaxAdjustment - 1},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "unknown profile earn",
			actor:   admin,
			req:     AdjustRequest{UserID: "missing", Amount: 10},
			wantErr: ErrUpdateFailed,
		},
		{
			name:    "unknown profile redeem",
			actor:   admin,
			req:     AdjustRequest{UserID: "missing", Amount: -10},
			wantErr: ErrUpdateFailed,
		},
		{
			name:    "empty user id",
			actor:   admin,
			req:     AdjustRequest{UserID: "  ", Amount: 10},
			wantErr: ErrUpdateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.AdjustPoints(ctx, tt.actor, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	history, err := env.service.History(ctx, client.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history, "rejected adjustments must not leave transactions")
}

func TestAdjustPoints_RequestIDReplay(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Dana")
	other := env.createClient(t, "Eli")

	req := AdjustRequest{UserID: client.ID, Amount: 40, RequestID: "req-1"}
	first, err := env.service.AdjustPoints(ctx, admin, req)
	require.NoError(t, err)

	second, err := env.service.AdjustPoints(ctx, admin, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(40), second.Points, "replay must not apply the delta twice")

	_, err = env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: other.ID, Amount: 40, RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	_, err = env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: 41, RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestAdjustPoints_BackDated(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Fay")

	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	res, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: 10, At: at})
	require.NoError(t, err)

	history, err := env.service.History(ctx, client.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.TransactionID, history[0].ID)
	assert.True(t, history[0].CreatedAt.Equal(at))
}

func TestAdjustPoints_FollowUpEvent(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Gus")

	_, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: 30})
	require.NoError(t, err)

	var seen string
	_, err = env.service.AdjustPoints(ctx, admin, AdjustRequest{
		UserID: client.ID,
		Amount: -10,
		FollowUp: func(txn *models.Transaction) (*models.OutboxMessage, error) {
			seen = txn.ID
			return &models.OutboxMessage{EventType: models.EventRewardRedeemed, Key: client.ID, Payload: "{}", Status: models.OutboxPending}, nil
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, seen)

	pending, err := env.outbox.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestAdjustPoints_FollowUpFailureRollsBack(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Hal")

	_, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{
		UserID: client.ID,
		Amount: 30,
		FollowUp: func(_ *models.Transaction) (*models.OutboxMessage, error) {
			return nil, errors.New("boom")
		},
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	profile, err := env.service.GetProfile(ctx, client.ID)
	require.NoError(t, err)
	assert.Zero(t, profile.Points)
}

func TestApplyDelta_WriterOnly(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Ivy")

	bal, err := env.service.ApplyDelta(ctx, admin, client.ID, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal.MonthlyPoints)

	_, err = env.service.ApplyDelta(ctx, admin, client.ID, -26)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = env.service.ApplyDelta(ctx, Actor{ID: "x"}, client.ID, 5)
	assert.ErrorIs(t, err, ErrUnauthorized)

	history, err := env.service.History(ctx, client.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestApplyDelta_OutOfRange(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Lou")

	_, err := env.service.ApplyDelta(ctx, admin, client.ID, 10)
	require.NoError(t, err)

	for _, delta := range []int64{math.MinInt64, math.MaxInt64, MaxAdjustment + 1, -MaxAdjustment - 1} {
		_, err := env.service.ApplyDelta(ctx, admin, client.ID, delta)
		assert.ErrorIs(t, err, ErrInvalidAmount, "delta %d", delta)
	}

	// A balance already near the int64 ceiling cannot be pushed past it.
	near := int64(math.MaxInt64 - 10)
	require.NoError(t, env.db.Model(&models.Profile{}).Where("id = ?", client.ID).
		Updates(map[string]interface{}{"points": near, "total_points_accumulated": near}).Error)

	_, err = env.service.ApplyDelta(ctx, admin, client.ID, 11)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	profile, err := env.service.GetProfile(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, near, profile.Points)
	assert.Equal(t, int64(10), profile.MonthlyPoints)
}

func TestAdjustPoints_CounterLawsOverSequence(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Max")
	profiles := repository.NewProfileRepository(env.db)

	type step struct {
		delta   int64
		reset   bool
		wantErr error
	}
	steps := []step{
		{delta: 120},
		{delta: -15},
		{delta: 30},
		{delta: -200, wantErr: ErrInsufficientBalance},
		{reset: true},
		{delta: 10},
		{delta: -50},
		{delta: -95},
		{delta: -1, wantErr: ErrInsufficientBalance},
		{delta: 7},
		{reset: true},
		{reset: true},
		{delta: 1},
		{delta: -1},
		{delta: 500},
	}

	var sumAll, sumEarned, sumSinceReset int64
	var lastTotal int64
	for i, st := range steps {
		if st.reset {
			_, err := profiles.ResetMonthly(ctx, time.Now())
			require.NoError(t, err)
			sumSinceReset = 0
		} else {
			_, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: st.delta})
			if st.wantErr != nil {
				require.ErrorIs(t, err, st.wantErr, "step %d", i)
			} else {
				require.NoError(t, err, "step %d", i)
				sumAll += st.delta
				if st.delta > 0 {
					sumEarned += st.delta
					sumSinceReset += st.delta
				}
			}
		}

		profile, err := env.service.GetProfile(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, sumAll, profile.Points, "step %d: points", i)
		assert.Equal(t, sumEarned, profile.TotalPointsAccumulated, "step %d: lifetime points", i)
		assert.Equal(t, sumSinceReset, profile.MonthlyPoints, "step %d: monthly points", i)
		assert.GreaterOrEqual(t, profile.Points, int64(0), "step %d: balance never negative", i)
		assert.GreaterOrEqual(t, profile.TotalPointsAccumulated, lastTotal, "step %d: lifetime points never shrink", i)
		lastTotal = profile.TotalPointsAccumulated

		sum, err := env.txns.SumByUser(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, profile.Points, sum, "step %d: balance equals signed transaction sum", i)
	}
}

func TestReconcile(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Nia")

	_, err := env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: 80})
	require.NoError(t, err)
	_, err = env.service.AdjustPoints(ctx, admin, AdjustRequest{UserID: client.ID, Amount: -30})
	require.NoError(t, err)

	rec, err := env.service.Reconcile(ctx, admin, client.ID)
	require.NoError(t, err)
	assert.Equal(t, Reconciliation{UserID: client.ID, Points: 50, LedgerSum: 50, Consistent: true}, *rec)

	_, err = env.service.ApplyDelta(ctx, admin, client.ID, 5)
	require.NoError(t, err)

	rec, err = env.service.Reconcile(ctx, admin, client.ID)
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
	assert.Equal(t, int64(5), rec.Drift)

	_, err = env.service.Reconcile(ctx, Actor{ID: client.ID}, client.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.service.Reconcile(ctx, admin, "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestRecordEarnAndRedeem(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()
	client := env.createClient(t, "Jo")

	at := time.Now().UTC().AddDate(0, 0, -25).Truncate(time.Second)
	txn, err := env.service.RecordEarn(ctx, client.ID, 30, "", at)
	require.NoError(t, err)
	assert.Equal(t, "Points earned", txn.Description)
	assert.True(t, txn.CreatedAt.Equal(at))

	_, err = env.service.RecordRedeem(ctx, client.ID, 10, "Coffee", time.Time{})
	require.NoError(t, err)

	_, err = env.service.RecordEarn(ctx, client.ID, 0, "", time.Time{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.service.RecordEarn(ctx, client.ID, MaxAdjustment+1, "", time.Time{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.service.RecordEarn(ctx, "missing", 5, "", time.Time{})
	assert.ErrorIs(t, err, ErrProfileNotFound)

	profile, err := env.service.GetProfile(ctx, client.ID)
	require.NoError(t, err)
	assert.Zero(t, profile.Points, "recording does not move balances")
}

func TestCreateProfile(t *testing.T) {
	env := setupLedger(t)
	ctx := context.Background()

	_, err := env.service.CreateProfile(ctx, Actor{ID: "u"}, NewProfile{FullName: "X"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.service.CreateProfile(ctx, admin, NewProfile{FullName: "  "})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = env.service.CreateProfile(ctx, admin, NewProfile{FullName: "X", Role: "owner"})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	p, err := env.service.CreateProfile(ctx, admin, NewProfile{FullName: "Kim", Role: "user"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleClient, p.Role)

	_, err = env.service.GetProfile(ctx, "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = env.service.History(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestCodeAndMessage(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "Points updated", Message(nil))
	assert.Equal(t, "insufficient_balance", Code(ErrInsufficientBalance))
	assert.Equal(t, "store_unavailable", Code(errors.New("db down")))

	wrapped := storeError(errors.New("db down"))
	assert.ErrorIs(t, wrapped, ErrStoreUnavailable)
	assert.Equal(t, ErrInvalidAmount, storeError(ErrInvalidAmount))
}
