package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
	"github.com/transfa/cardstack-service/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo   *store.MemoryRepository
	ledger *ledger.Ledger
	clock  *testClock
	stack  *domain.CardStack
	sub    *domain.SubCard
}

func newFixture(t *testing.T, model ledger.AllocationModel, budget int64, dailyLimit *big.Int) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := store.NewMemoryRepository().WithClock(clock.Now)

	permission, err := domain.EncodedPermission([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)

	stack := &domain.CardStack{
		OwnerID:         "user_1",
		WalletAddress:   "0x1111111111111111111111111111111111111111",
		ChainID:         8453,
		Token:           domain.TokenRef{Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Symbol: "USDC", Decimals: 6},
		Permission:      permission,
		TotalBudget:     big.NewInt(budget),
		PeriodDuration:  domain.PeriodDaily,
		Status:          domain.CardStackStatusActive,
		ExpiresAt:       clock.Now().Add(30 * 24 * time.Hour),
		PeriodStartedAt: clock.Now(),
	}
	require.NoError(t, repo.CreateCardStack(context.Background(), stack))

	sub := &domain.SubCard{
		CardStackID: stack.ID,
		Kind:        domain.SubCardKindRecurringBuy,
		Status:      domain.SubCardStatusActive,
		DailyLimit:  dailyLimit,
		LastResetAt: clock.Now(),
	}
	require.NoError(t, repo.CreateSubCard(context.Background(), sub))

	return &fixture{
		repo:   repo,
		ledger: ledger.New(repo, model).WithClock(clock.Now),
		clock:  clock,
		stack:  stack,
		sub:    sub,
	}
}

func (f *fixture) newAttempt(t *testing.T, amount int64) uuid.UUID {
	t.Helper()
	attempt := &domain.ExecutionAttempt{
		CardStackID: f.stack.ID,
		SubCardID:   f.sub.ID,
		Kind:        f.sub.Kind,
		Amount:      big.NewInt(amount),
	}
	require.NoError(t, f.repo.CreateAttempt(context.Background(), attempt))
	return attempt.ID
}

func (f *fixture) loadStack(t *testing.T) *domain.CardStack {
	t.Helper()
	stack, err := f.repo.FindCardStackByID(context.Background(), f.stack.ID)
	require.NoError(t, err)
	return stack
}

func (f *fixture) loadSubCard(t *testing.T) *domain.SubCard {
	t.Helper()
	sub, err := f.repo.FindSubCardByID(context.Background(), f.sub.ID)
	require.NoError(t, err)
	return sub
}

func requireDenied(t *testing.T, err error, reason ledger.DenialReason) {
	t.Helper()
	var denied *ledger.DeniedError
	require.True(t, errors.As(err, &denied), "expected DeniedError, got %v", err)
	assert.Equal(t, reason, denied.Reason)
}

func TestCheckAndReserve_BudgetBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.AllocationShared, 1_000_000, nil)

	first := f.newAttempt(t, 999_999)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, first))
	require.NoError(t, f.ledger.Commit(ctx, first))

	second := f.newAttempt(t, 2)
	requireDenied(t, f.ledger.CheckAndReserve(ctx, second), ledger.DenialBudgetExceeded)

	stack := f.loadStack(t)
	assert.Equal(t, "999999", stack.PeriodSpent.String())
	assert.Equal(t, "0", stack.PeriodReserved.String())

	attempt, err := f.repo.FindAttemptByID(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationNone, attempt.Reservation)

	exact := f.newAttempt(t, 1)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, exact))
}

func TestCheckAndReserve_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.AllocationShared, 1_000, nil)

	id := f.newAttempt(t, 400)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, id))
	require.NoError(t, f.ledger.CheckAndReserve(ctx, id))

	assert.Equal(t, "400", f.loadStack(t).PeriodReserved.String())
	assert.Equal(t, "400", f.loadSubCard(t).Reserved.String())

	require.NoError(t, f.ledger.Commit(ctx, id))
	require.NoError(t, f.ledger.Commit(ctx, id))
	assert.Equal(t, "400", f.loadStack(t).PeriodSpent.String())
	assert.Equal(t, "400", f.loadSubCard(t).TotalSpent.String())
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.AllocationShared, 1_000, nil)

	id := f.newAttempt(t, 700)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, id))
	require.NoError(t, f.ledger.Rollback(ctx, id))
	require.NoError(t, f.ledger.Rollback(ctx, id))

	stack := f.loadStack(t)
	assert.Equal(t, "0", stack.PeriodReserved.String())
	assert.Equal(t, "0", stack.PeriodSpent.String())

	assert.ErrorIs(t, f.ledger.Commit(ctx, id), ledger.ErrReservationReleased)
	assert.ErrorIs(t, f.ledger.CheckAndReserve(ctx, id), ledger.ErrReservationReleased)

	committed := f.newAttempt(t, 100)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, committed))
	require.NoError(t, f.ledger.Commit(ctx, committed))
	assert.ErrorIs(t, f.ledger.Rollback(ctx, committed), ledger.ErrReservationCommitted)

	unreserved := f.newAttempt(t, 100)
	assert.ErrorIs(t, f.ledger.Commit(ctx, unreserved), ledger.ErrNoReservation)
}

func TestCheckAndReserve_Denials(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(t *testing.T, f *fixture)
		reason ledger.DenialReason
	}{
		{
			name: "expired stack",
			mutate: func(t *testing.T, f *fixture) {
				f.clock.Advance(31 * 24 * time.Hour)
			},
			reason: ledger.DenialStackExpired,
		},
		{
			name: "revoked stack",
			mutate: func(t *testing.T, f *fixture) {
				_, err := f.repo.TransitionCardStackStatus(ctx, f.stack.ID, []domain.CardStackStatus{domain.CardStackStatusActive}, domain.CardStackStatusRevoked)
				require.NoError(t, err)
			},
			reason: ledger.DenialStackNotActive,
		},
		{
			name: "paused sub-card",
			mutate: func(t *testing.T, f *fixture) {
				require.NoError(t, f.repo.UpdateSubCardStatus(ctx, f.sub.ID, domain.SubCardStatusPaused))
			},
			reason: ledger.DenialSubCardNotActive,
		},
		{
			name: "deleted sub-card",
			mutate: func(t *testing.T, f *fixture) {
				require.NoError(t, f.repo.DeleteSubCard(ctx, f.sub.ID))
			},
			reason: ledger.DenialSubCardNotActive,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, ledger.AllocationShared, 1_000, nil)
			id := f.newAttempt(t, 10)
			tc.mutate(t, f)
			requireDenied(t, f.ledger.CheckAndReserve(ctx, id), tc.reason)
		})
	}
}

func TestCheckAndReserve_PendingPermission(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	repo := store.NewMemoryRepository().WithClock(clock.Now)

	stack := &domain.CardStack{
		OwnerID:         "user_1",
		TotalBudget:     big.NewInt(100),
		PeriodDuration:  domain.PeriodDaily,
		Status:          domain.CardStackStatusActive,
		ExpiresAt:       clock.Now().Add(time.Hour),
		PeriodStartedAt: clock.Now(),
	}
	require.NoError(t, repo.CreateCardStack(ctx, stack))
	sub := &domain.SubCard{CardStackID: stack.ID, Kind: domain.SubCardKindSubscription, Status: domain.SubCardStatusActive}
	require.NoError(t, repo.CreateSubCard(ctx, sub))
	attempt := &domain.ExecutionAttempt{CardStackID: stack.ID, SubCardID: sub.ID, Amount: big.NewInt(1)}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	l := ledger.New(repo, ledger.AllocationShared).WithClock(clock.Now)
	requireDenied(t, l.CheckAndReserve(ctx, attempt.ID), ledger.DenialPermissionNotGiven)
}

func TestCheckAndReserve_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, ledger.AllocationShared, 1_000, nil)
	attempt := &domain.ExecutionAttempt{CardStackID: f.stack.ID, SubCardID: f.sub.ID, Amount: big.NewInt(0)}
	require.NoError(t, f.repo.CreateAttempt(context.Background(), attempt))

	assert.ErrorIs(t, f.ledger.CheckAndReserve(context.Background(), attempt.ID), ledger.ErrInvalidAmount)
}

func TestCheckAndReserve_StrategyLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.AllocationShared, 1_000, big.NewInt(300))

	first := f.newAttempt(t, 200)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, first))

	second := f.newAttempt(t, 150)
	requireDenied(t, f.ledger.CheckAndReserve(ctx, second), ledger.DenialDailyLimitExceeded)

	third := f.newAttempt(t, 100)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, third))
	assert.Equal(t, "300", f.loadSubCard(t).Reserved.String())
}

func TestCheckAndReserve_CarveOutWithoutLimitIsZeroAllocation(t *testing.T) {
	f := newFixture(t, ledger.AllocationCarveOut, 1_000, nil)
	id := f.newAttempt(t, 1)
	requireDenied(t, f.ledger.CheckAndReserve(context.Background(), id), ledger.DenialDailyLimitExceeded)
}

func TestPeriodRollover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.AllocationShared, 1_000_000, nil)
	start := f.stack.PeriodStartedAt

	first := f.newAttempt(t, 900_000)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, first))
	require.NoError(t, f.ledger.Commit(ctx, first))

	blocked := f.newAttempt(t, 200_000)
	requireDenied(t, f.ledger.CheckAndReserve(ctx, blocked), ledger.DenialBudgetExceeded)

	f.clock.Advance(2*domain.PeriodDaily + 5*time.Minute)

	second := f.newAttempt(t, 900_000)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, second))

	stack := f.loadStack(t)
	assert.True(t, stack.PeriodStartedAt.Equal(start.Add(2*domain.PeriodDaily)), "period should advance by whole periods, got %s", stack.PeriodStartedAt)
	assert.Equal(t, "0", stack.PeriodSpent.String())
	assert.Equal(t, "900000", stack.PeriodReserved.String())

	sub := f.loadSubCard(t)
	assert.True(t, sub.LastResetAt.Equal(start.Add(2*domain.PeriodDaily)), "sub-card period should advance with the stack, got %s", sub.LastResetAt)
	assert.Equal(t, "0", sub.CurrentSpent.String())
	assert.Equal(t, "900000", sub.TotalSpent.String())
}

func TestReservationAcrossRollover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.AllocationShared, 1_000_000, nil)

	old := f.newAttempt(t, 500_000)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, old))

	f.clock.Advance(domain.PeriodDaily)

	fresh := f.newAttempt(t, 600_000)
	require.NoError(t, f.ledger.CheckAndReserve(ctx, fresh))

	// The old reservation belongs to the previous period and does not touch the new counters.
	require.NoError(t, f.ledger.Commit(ctx, old))

	stack := f.loadStack(t)
	assert.Equal(t, "0", stack.PeriodSpent.String())
	assert.Equal(t, "600000", stack.PeriodReserved.String())
	assert.Equal(t, "500000", f.loadSubCard(t).TotalSpent.String())

	require.NoError(t, f.ledger.Rollback(ctx, fresh))
	assert.Equal(t, "0", f.loadStack(t).PeriodReserved.String())
}

func TestCheckAndReserve_ConcurrentAttemptsNeverOverspend(t *testing.T) {
	const budget = 10_000

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("committed spend never exceeds the budget", prop.ForAll(
		func(amounts []int64) bool {
			ctx := context.Background()
			f := newFixture(t, ledger.AllocationShared, budget, nil)

			ids := make([]uuid.UUID, len(amounts))
			for i, amount := range amounts {
				ids[i] = f.newAttempt(t, amount)
			}

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted int64
			)
			for i := range ids {
				wg.Add(1)
				go func(id uuid.UUID, amount int64) {
					defer wg.Done()
					if err := f.ledger.CheckAndReserve(ctx, id); err != nil {
						return
					}
					if err := f.ledger.Commit(ctx, id); err != nil {
						return
					}
					mu.Lock()
					accepted += amount
					mu.Unlock()
				}(ids[i], amounts[i])
			}
			wg.Wait()

			stack := f.loadStack(t)
			return accepted <= budget &&
				stack.PeriodSpent.Int64() == accepted &&
				stack.PeriodReserved.Sign() == 0
		},
		gen.SliceOfN(25, gen.Int64Range(1, 2_500)),
	))

	properties.TestingRun(t)
}

func TestValidateAllocation(t *testing.T) {
	budget := big.NewInt(1_000)
	siblings := []domain.SubCard{
		{ID: uuid.New(), DailyLimit: big.NewInt(400)},
		{ID: uuid.New(), DailyLimit: big.NewInt(300)},
	}

	tests := []struct {
		name      string
		model     ledger.AllocationModel
		candidate *domain.SubCard
		want      error
	}{
		{name: "shared without limit", model: ledger.AllocationShared, candidate: &domain.SubCard{}},
		{name: "shared limit over budget", model: ledger.AllocationShared, candidate: &domain.SubCard{DailyLimit: big.NewInt(1_001)}, want: ledger.ErrLimitExceedsBudget},
		{name: "carve-out requires limit", model: ledger.AllocationCarveOut, candidate: &domain.SubCard{}, want: ledger.ErrAllocationRequired},
		{name: "carve-out fits", model: ledger.AllocationCarveOut, candidate: &domain.SubCard{DailyLimit: big.NewInt(300)}},
		{name: "carve-out overflows", model: ledger.AllocationCarveOut, candidate: &domain.SubCard{DailyLimit: big.NewInt(301)}, want: ledger.ErrAllocationExceeded},
		{name: "carve-out update excludes itself", model: ledger.AllocationCarveOut, candidate: &domain.SubCard{ID: siblings[0].ID, DailyLimit: big.NewInt(700)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ledger.ValidateAllocation(tc.model, budget, siblings, tc.candidate)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidateBudgetChange(t *testing.T) {
	subs := []domain.SubCard{{DailyLimit: big.NewInt(400)}, {DailyLimit: big.NewInt(300)}}

	assert.NoError(t, ledger.ValidateBudgetChange(ledger.AllocationShared, big.NewInt(1), subs))
	assert.NoError(t, ledger.ValidateBudgetChange(ledger.AllocationCarveOut, big.NewInt(700), subs))
	assert.ErrorIs(t, ledger.ValidateBudgetChange(ledger.AllocationCarveOut, big.NewInt(699), subs), ledger.ErrAllocationExceeded)
}

func TestParseAllocationModel(t *testing.T) {
	model, err := ledger.ParseAllocationModel("")
	require.NoError(t, err)
	assert.Equal(t, ledger.AllocationShared, model)

	model, err = ledger.ParseAllocationModel(" Carve_Out ")
	require.NoError(t, err)
	assert.Equal(t, ledger.AllocationCarveOut, model)

	_, err = ledger.ParseAllocationModel("pooled")
	assert.ErrorIs(t, err, ledger.ErrUnknownAllocationModel)
}
