package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/redeemer"
	"github.com/transfa/cardstack-service/internal/store"
)

// strand records an attempt directly in state, holding a reservation when reserve is set.
func (h *harness) strand(t *testing.T, sub *domain.SubCard, state domain.AttemptState, reserve bool) *domain.ExecutionAttempt {
	t.Helper()
	ctx := context.Background()
	attempt := &domain.ExecutionAttempt{
		CardStackID: h.stack.ID,
		SubCardID:   sub.ID,
		ChainID:     testChainID,
		Kind:        sub.Kind,
		Amount:      domain.CloneAmount(sub.Config.AmountPerExecution),
		Recipient:   testMerchant,
		State:       domain.AttemptStateInit,
	}
	if err := h.repo.CreateAttempt(ctx, attempt); err != nil {
		t.Fatalf("failed to create attempt: %v", err)
	}
	if reserve {
		if err := h.ledger.CheckAndReserve(ctx, attempt.ID); err != nil {
			t.Fatalf("failed to reserve: %v", err)
		}
	}
	if state != domain.AttemptStateInit {
		moved, err := h.repo.TransitionAttempt(ctx, attempt.ID, store.AttemptTransition{
			From: []domain.AttemptState{domain.AttemptStateInit},
			To:   state,
		})
		if err != nil || !moved {
			t.Fatalf("failed to move attempt to %s: moved=%t err=%v", state, moved, err)
		}
	}
	stored, err := h.repo.FindAttemptByID(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("failed to reload attempt: %v", err)
	}
	return stored
}

func (h *harness) reloadAttempt(t *testing.T, attempt *domain.ExecutionAttempt) *domain.ExecutionAttempt {
	t.Helper()
	stored, err := h.repo.FindAttemptByID(context.Background(), attempt.ID)
	if err != nil {
		t.Fatalf("failed to reload attempt: %v", err)
	}
	return stored
}

func TestReconcileSkipsRecentAttempts(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	h.strand(t, sub, domain.AttemptStateReserved, true)

	h.clock.Advance(time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected no candidates inside the eligibility window, got %d", result.Processed)
	}
}

func TestReconcileReleasesUnsubmittedAttempts(t *testing.T) {
	tests := []struct {
		name     string
		state    domain.AttemptState
		reserve  bool
		want     domain.AttemptState
		released int
		failed   int
	}{
		{name: "reserved", state: domain.AttemptStateReserved, reserve: true, want: domain.AttemptStatePullFailed, failed: 1},
		{name: "init", state: domain.AttemptStateInit, want: domain.AttemptStateDenied, released: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.withStack(t, 100_000_000, 0)
			sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
			attempt := h.strand(t, sub, tt.state, tt.reserve)

			h.clock.Advance(3 * time.Minute)
			result, err := h.svc.ReconcileExecutions(context.Background(), 10)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if result.Processed != 1 || result.Released != tt.released || result.PullFailed != tt.failed {
				t.Fatalf("unexpected summary %+v", result)
			}

			stored := h.reloadAttempt(t, attempt)
			if stored.State != tt.want || stored.ErrorCode != CodePullNotSubmitted {
				t.Fatalf("expected %s/%s, got %s/%s", tt.want, CodePullNotSubmitted, stored.State, stored.ErrorCode)
			}
			requireAmount(t, "period reserved", h.reloadStack(t).PeriodReserved, 0)
			if pulls, _ := h.redeemer.counts(); pulls != 0 {
				t.Fatalf("expected reconciliation never to pull, got %d", pulls)
			}
		})
	}
}

func TestReconcileResolvesUnknownPullAndResumesAct(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	h.redeemer.pullResult = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		return nil, fmt.Errorf("%w: no receipt after 60s", redeemer.ErrSettlementTimeout)
	}

	first, _ := h.svc.ExecuteSubscriptionPayment(context.Background(), domain.ExecutionRequest{CardStackID: h.stack.ID, SubCardID: sub.ID})
	if first.State != domain.AttemptStatePullUnknown {
		t.Fatalf("expected PULL_UNKNOWN, got %s", first.State)
	}

	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Processed != 1 || result.Resumed != 1 || result.Settled != 1 {
		t.Fatalf("unexpected summary %+v", result)
	}

	stored := h.attempt(t, first)
	if stored.State != domain.AttemptStateSettled {
		t.Fatalf("expected SETTLED, got %s", stored.State)
	}
	if stored.PullTxHash == "" || stored.ActTxHash == "" {
		t.Fatalf("expected both tx hashes, got pull=%q act=%q", stored.PullTxHash, stored.ActTxHash)
	}
	requireAmount(t, "period spent", h.reloadStack(t).PeriodSpent, 5_000_000)
	if pulls, acts := h.redeemer.counts(); pulls != 1 || acts != 1 {
		t.Fatalf("expected one pull and one act, got pulls=%d acts=%d", pulls, acts)
	}
}

func TestReconcileUnknownPullStillPending(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	h.redeemer.pullResult = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		return nil, redeemer.ErrSettlementTimeout
	}
	h.redeemer.status = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		return nil, redeemer.ErrReceiptPending
	}

	first, _ := h.svc.ExecuteSubscriptionPayment(context.Background(), domain.ExecutionRequest{CardStackID: h.stack.ID, SubCardID: sub.ID})
	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.StillPending != 1 {
		t.Fatalf("expected one pending attempt, got %+v", result)
	}
	if stored := h.attempt(t, first); stored.State != domain.AttemptStatePullUnknown {
		t.Fatalf("expected PULL_UNKNOWN, got %s", stored.State)
	}
	requireAmount(t, "period reserved", h.reloadStack(t).PeriodReserved, 5_000_000)
}

func TestReconcileRevertedUnknownPullReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	h.redeemer.pullResult = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		return nil, redeemer.ErrSettlementTimeout
	}
	h.redeemer.status = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		return revertedReceipt(sub.OpHash, "delegation disabled")
	}

	first, _ := h.svc.ExecuteSubscriptionPayment(context.Background(), domain.ExecutionRequest{CardStackID: h.stack.ID, SubCardID: sub.ID})
	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.PullFailed != 1 {
		t.Fatalf("expected one failed pull, got %+v", result)
	}
	stored := h.attempt(t, first)
	if stored.State != domain.AttemptStatePullFailed || stored.PullTxHash == "" {
		t.Fatalf("expected PULL_FAILED with tx hash, got %s %q", stored.State, stored.PullTxHash)
	}
	requireAmount(t, "period reserved", h.reloadStack(t).PeriodReserved, 0)
}

func TestReconcileRetriesFailedAct(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindRecurringBuy, 10_000_000, nil)
	h.router.quoteErr = errors.New("router: 503")

	first, _ := h.svc.ExecuteRecurringBuy(context.Background(), domain.ExecutionRequest{CardStackID: h.stack.ID, SubCardID: sub.ID})
	if first.State != domain.AttemptStateActFailed {
		t.Fatalf("expected ACT_FAILED, got %s", first.State)
	}

	h.router.quoteErr = nil
	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Resumed != 1 || result.Settled != 1 {
		t.Fatalf("unexpected summary %+v", result)
	}
	stored := h.attempt(t, first)
	if stored.State != domain.AttemptStateSettled || stored.ActRetries != 1 {
		t.Fatalf("expected SETTLED after one retry, got %s retries=%d", stored.State, stored.ActRetries)
	}
	if pulls, _ := h.redeemer.counts(); pulls != 1 {
		t.Fatalf("expected reconciliation never to pull again, got %d pulls", pulls)
	}
	stack := h.reloadStack(t)
	requireAmount(t, "period spent", stack.PeriodSpent, 10_000_000)
	requireAmount(t, "period reserved", stack.PeriodReserved, 0)
}

func TestReconcileRetriedActTracksItsOwnOperation(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	h.redeemer.actResult = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		return revertedReceipt(sub.OpHash, "transfer amount exceeds balance")
	}

	first, _ := h.svc.ExecuteSubscriptionPayment(context.Background(), domain.ExecutionRequest{CardStackID: h.stack.ID, SubCardID: sub.ID})
	if first.State != domain.AttemptStateActFailed {
		t.Fatalf("expected ACT_FAILED, got %s", first.State)
	}
	revertedOp := h.attempt(t, first).ActOpHash
	if revertedOp == "" {
		t.Fatalf("expected the reverted act op hash to be stored")
	}

	retryOp := common.BigToHash(big.NewInt(999))
	h.redeemer.executeErr = &redeemer.SettlementUnknownError{OpHash: retryOp, Cause: errors.New("bundler connection reset")}
	h.clock.Advance(3 * time.Minute)
	if _, err := h.svc.ReconcileExecutions(context.Background(), 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	stored := h.attempt(t, first)
	if stored.State != domain.AttemptStateActUnknown {
		t.Fatalf("expected ACT_UNKNOWN after the retry, got %s", stored.State)
	}
	if stored.ActOpHash != retryOp.Hex() {
		t.Fatalf("expected act op hash %s, got %s", retryOp.Hex(), stored.ActOpHash)
	}
	if stored.ActTxHash != "" {
		t.Fatalf("expected the reverted act tx hash to be cleared, got %s", stored.ActTxHash)
	}

	h.redeemer.executeErr = nil
	h.redeemer.status = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		if sub.OpHash == retryOp {
			return settledReceipt(sub.OpHash), nil
		}
		return revertedReceipt(sub.OpHash, "transfer amount exceeds balance")
	}
	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Settled != 1 {
		t.Fatalf("expected one settled attempt, got %+v", result)
	}
	stored = h.attempt(t, first)
	if stored.State != domain.AttemptStateSettled || stored.ActRetries != 1 {
		t.Fatalf("expected SETTLED after one retry, got %s retries=%d", stored.State, stored.ActRetries)
	}
	if stored.ActTxHash != txHashFor(retryOp).Hex() {
		t.Fatalf("expected act tx %s, got %s", txHashFor(retryOp).Hex(), stored.ActTxHash)
	}
	if _, acts := h.redeemer.counts(); acts != 2 {
		t.Fatalf("expected the landed retry not to be resubmitted, got %d act submissions", acts)
	}
	requireAmount(t, "period spent", h.reloadStack(t).PeriodSpent, 5_000_000)
}

func TestReconcileLeavesExhaustedActForOperator(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindRecurringBuy, 10_000_000, nil)
	h.router.quoteErr = errors.New("router: 503")
	h.svc.SetMaxActRetries(0)

	first, _ := h.svc.ExecuteRecurringBuy(context.Background(), domain.ExecutionRequest{CardStackID: h.stack.ID, SubCardID: sub.ID})
	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Processed != 1 || result.Resumed != 0 || result.Failed != 0 {
		t.Fatalf("unexpected summary %+v", result)
	}
	stored := h.attempt(t, first)
	if stored.State != domain.AttemptStateActFailed {
		t.Fatalf("expected ACT_FAILED, got %s", stored.State)
	}
	if !stored.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected attempt to be requeued at %s, got %s", h.clock.Now(), stored.UpdatedAt)
	}
	requireAmount(t, "period reserved", h.reloadStack(t).PeriodReserved, 10_000_000)
}

func TestReconcileResolvesUnknownAct(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	h.redeemer.actResult = func(sub redeemer.Submission) (*redeemer.Receipt, error) {
		return nil, redeemer.ErrSettlementTimeout
	}

	first, _ := h.svc.ExecuteSubscriptionPayment(context.Background(), domain.ExecutionRequest{CardStackID: h.stack.ID, SubCardID: sub.ID})
	if first.State != domain.AttemptStateActUnknown {
		t.Fatalf("expected ACT_UNKNOWN, got %s", first.State)
	}

	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Settled != 1 {
		t.Fatalf("expected one settled attempt, got %+v", result)
	}
	if stored := h.attempt(t, first); stored.State != domain.AttemptStateSettled {
		t.Fatalf("expected SETTLED, got %s", stored.State)
	}
	if _, acts := h.redeemer.counts(); acts != 1 {
		t.Fatalf("expected the act not to be resubmitted, got %d", acts)
	}
}

func TestReconcileCommitsActedAttempt(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	attempt := h.strand(t, sub, domain.AttemptStateActed, true)

	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Settled != 1 {
		t.Fatalf("expected one settled attempt, got %+v", result)
	}
	if stored := h.reloadAttempt(t, attempt); stored.State != domain.AttemptStateSettled || stored.Reservation != domain.ReservationCommitted {
		t.Fatalf("expected SETTLED/COMMITTED, got %s/%s", stored.State, stored.Reservation)
	}
	requireAmount(t, "period spent", h.reloadStack(t).PeriodSpent, 5_000_000)
}

func TestReconcilePulledAttemptWithDeletedSubCard(t *testing.T) {
	h := newHarness(t)
	h.withStack(t, 100_000_000, 0)
	sub := h.withSubCard(t, domain.SubCardKindSubscription, 5_000_000, nil)
	attempt := h.strand(t, sub, domain.AttemptStatePulled, true)
	if err := h.repo.DeleteSubCard(context.Background(), sub.ID); err != nil {
		t.Fatalf("failed to delete sub-card: %v", err)
	}

	h.clock.Advance(3 * time.Minute)
	result, err := h.svc.ReconcileExecutions(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failed attempt, got %+v", result)
	}
	if stored := h.reloadAttempt(t, attempt); stored.State != domain.AttemptStateActFailed || stored.ErrorCode != CodeSubCardNotFound {
		t.Fatalf("expected ACT_FAILED/%s, got %s/%s", CodeSubCardNotFound, stored.State, stored.ErrorCode)
	}
}

func TestExpireCardStacks(t *testing.T) {
	h := newHarness(t)
	stack := h.withStack(t, 100_000_000, 0)

	expired, err := h.svc.ExpireCardStacks(context.Background())
	if err != nil || expired != 0 {
		t.Fatalf("expected nothing to expire, got %d, %v", expired, err)
	}

	h.clock.Advance(31 * 24 * time.Hour)
	expired, err = h.svc.ExpireCardStacks(context.Background())
	if err != nil || expired != 1 {
		t.Fatalf("expected one expired stack, got %d, %v", expired, err)
	}
	if reloaded := h.reloadStack(t); reloaded.Status != domain.CardStackStatusExpired {
		t.Fatalf("expected stack %s to be EXPIRED, got %s", stack.ID, reloaded.Status)
	}
}
