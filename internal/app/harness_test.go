package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/chains"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
	"github.com/transfa/cardstack-service/internal/redeemer"
	"github.com/transfa/cardstack-service/internal/store"
	"github.com/transfa/cardstack-service/pkg/routerclient"
)

const (
	testChainID       = int64(8453)
	testUSDC          = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testWETH          = "0x4200000000000000000000000000000000000006"
	testWallet        = "0x1111111111111111111111111111111111111111"
	testMerchant      = "0x2222222222222222222222222222222222222222"
	testSwapRouter    = "0x3333333333333333333333333333333333333333"
	testDelegationMgr = "0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3"
	testOwner         = "user_2abc"
)

var testAgent = common.HexToAddress("0x4444444444444444444444444444444444444444")

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

// fakeRedeemer hands out sequential op hashes and settles every operation unless a
// hook says otherwise.
type fakeRedeemer struct {
	mu          sync.Mutex
	seq         int64
	kinds       map[common.Hash]string
	redemptions []redeemer.RedemptionRequest
	executions  []redeemer.ExecutionRequest

	redeemErr    error
	executeErr   error
	beforeRedeem func()
	pullResult   func(sub redeemer.Submission) (*redeemer.Receipt, error)
	actResult    func(sub redeemer.Submission) (*redeemer.Receipt, error)
	status       func(sub redeemer.Submission) (*redeemer.Receipt, error)
}

func newFakeRedeemer() *fakeRedeemer {
	return &fakeRedeemer{kinds: make(map[common.Hash]string)}
}

func (f *fakeRedeemer) AgentAddress() common.Address {
	return testAgent
}

func (f *fakeRedeemer) nextSubmission(chainID int64, kind string) redeemer.Submission {
	f.seq++
	hash := common.BigToHash(big.NewInt(f.seq))
	f.kinds[hash] = kind
	return redeemer.Submission{ChainID: chainID, OpHash: hash}
}

func (f *fakeRedeemer) SubmitRedemption(ctx context.Context, req redeemer.RedemptionRequest) (redeemer.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redemptions = append(f.redemptions, req)
	if f.beforeRedeem != nil {
		f.beforeRedeem()
	}
	if err := ctx.Err(); err != nil {
		return redeemer.Submission{}, err
	}
	if f.redeemErr != nil {
		return redeemer.Submission{}, f.redeemErr
	}
	return f.nextSubmission(req.ChainID, "pull"), nil
}

func (f *fakeRedeemer) SubmitExecution(ctx context.Context, req redeemer.ExecutionRequest) (redeemer.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, req)
	if f.executeErr != nil {
		return redeemer.Submission{}, f.executeErr
	}
	return f.nextSubmission(req.ChainID, "act"), nil
}

func (f *fakeRedeemer) WaitForReceipt(ctx context.Context, sub redeemer.Submission) (*redeemer.Receipt, error) {
	f.mu.Lock()
	kind := f.kinds[sub.OpHash]
	pullResult, actResult := f.pullResult, f.actResult
	f.mu.Unlock()
	switch {
	case kind == "pull" && pullResult != nil:
		return pullResult(sub)
	case kind == "act" && actResult != nil:
		return actResult(sub)
	}
	return settledReceipt(sub.OpHash), nil
}

func (f *fakeRedeemer) Status(ctx context.Context, sub redeemer.Submission) (*redeemer.Receipt, error) {
	f.mu.Lock()
	status := f.status
	f.mu.Unlock()
	if status != nil {
		return status(sub)
	}
	return settledReceipt(sub.OpHash), nil
}

func (f *fakeRedeemer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.redemptions), len(f.executions)
}

// txHashFor derives a distinct bundle transaction hash from an op hash.
func txHashFor(opHash common.Hash) common.Hash {
	return common.BigToHash(new(big.Int).Add(opHash.Big(), big.NewInt(1_000_000)))
}

func settledReceipt(opHash common.Hash) *redeemer.Receipt {
	receipt := &redeemer.Receipt{UserOpHash: opHash, Success: true}
	receipt.Receipt.TransactionHash = txHashFor(opHash)
	return receipt
}

func revertedReceipt(opHash common.Hash, reason string) (*redeemer.Receipt, error) {
	receipt := &redeemer.Receipt{UserOpHash: opHash, Success: false, Reason: reason}
	receipt.Receipt.TransactionHash = txHashFor(opHash)
	return receipt, &redeemer.RevertError{Reason: reason}
}

type fakeRouter struct {
	mu        sync.Mutex
	amountOut *big.Int
	quoteErr  error
	buildErr  error
	quotes    []routerclient.QuoteRequest
	builds    []routerclient.BuildRequest
}

func (f *fakeRouter) GetQuote(ctx context.Context, req routerclient.QuoteRequest) (*routerclient.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = append(f.quotes, req)
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &routerclient.Quote{AmountOut: new(big.Int).Set(f.amountOut), RouteHops: 1, Route: []byte(`{"pool":"usdc-weth"}`)}, nil
}

func (f *fakeRouter) BuildCalldata(ctx context.Context, req routerclient.BuildRequest) (*routerclient.SwapInstruction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, req)
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &routerclient.SwapInstruction{To: testSwapRouter, Data: []byte{0xab, 0xcd}, Value: new(big.Int)}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
}

func (s *recordingSink) RecordExecution(ctx context.Context, event domain.ExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) last(t *testing.T) domain.ExecutionEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		t.Fatalf("expected an execution event to be recorded")
	}
	return s.events[len(s.events)-1]
}

type harness struct {
	svc      *Service
	repo     *store.MemoryRepository
	ledger   *ledger.Ledger
	clock    *testClock
	redeemer *fakeRedeemer
	router   *fakeRouter
	sink     *recordingSink
	stack    *domain.CardStack
}

func testRegistry(t *testing.T) *chains.Registry {
	t.Helper()
	registry, err := chains.NewRegistry(chains.Definitions{Chains: map[string]chains.Definition{
		"base": {
			ChainID:           testChainID,
			EntryPoint:        "0x0000000071727De22E5E9d8BAf0edAc6f37da032",
			DelegationManager: testDelegationMgr,
			Tokens: []chains.TokenDefinition{
				{Symbol: "USDC", Address: testUSDC, Decimals: 6},
				{Symbol: "WETH", Address: testWETH, Decimals: 18},
			},
		},
	}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

func newHarnessWithModel(t *testing.T, model ledger.AllocationModel) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	repo := store.NewMemoryRepository().WithClock(clock.Now)
	l := ledger.New(repo, model).WithClock(clock.Now)
	h := &harness{
		repo:     repo,
		ledger:   l,
		clock:    clock,
		redeemer: newFakeRedeemer(),
		router:   &fakeRouter{amountOut: big.NewInt(1_000_000_000_000_000)},
		sink:     &recordingSink{},
	}
	h.svc = NewService(repo, l, testRegistry(t), h.redeemer, h.router, h.sink).WithClock(clock.Now)
	return h
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithModel(t, ledger.AllocationShared)
}

// withStack stores an active USDC stack with a signed grant.
func (h *harness) withStack(t *testing.T, budget, spent int64) *domain.CardStack {
	t.Helper()
	permission, err := domain.EncodedPermission([]byte{0xde, 0xad, 0xbe, 0xef})
	if err != nil {
		t.Fatalf("failed to encode permission: %v", err)
	}
	stack := &domain.CardStack{
		OwnerID:           testOwner,
		WalletAddress:     testWallet,
		ChainID:           testChainID,
		Token:             domain.TokenRef{Address: common.HexToAddress(testUSDC).Hex(), Symbol: "USDC", Decimals: 6},
		Permission:        permission,
		DelegationManager: testDelegationMgr,
		TotalBudget:       big.NewInt(budget),
		PeriodDuration:    domain.PeriodDaily,
		Status:            domain.CardStackStatusActive,
		ExpiresAt:         h.clock.Now().Add(30 * 24 * time.Hour),
		PeriodStartedAt:   h.clock.Now(),
		PeriodSpent:       big.NewInt(spent),
		PeriodReserved:    new(big.Int),
	}
	if err := h.repo.CreateCardStack(context.Background(), stack); err != nil {
		t.Fatalf("failed to create stack: %v", err)
	}
	h.stack = stack
	return stack
}

func (h *harness) withSubCard(t *testing.T, kind domain.SubCardKind, amount int64, mutate func(*domain.SubCard)) *domain.SubCard {
	t.Helper()
	sub := &domain.SubCard{
		CardStackID:  h.stack.ID,
		Kind:         kind,
		Status:       domain.SubCardStatusActive,
		Config:       domain.SubCardConfig{AmountPerExecution: big.NewInt(amount)},
		CurrentSpent: new(big.Int),
		TotalSpent:   new(big.Int),
		Reserved:     new(big.Int),
		LastResetAt:  h.clock.Now(),
	}
	switch kind {
	case domain.SubCardKindRecurringBuy, domain.SubCardKindLimitOrder:
		sub.Config.TargetToken = &domain.TokenRef{Address: common.HexToAddress(testWETH).Hex(), Symbol: "WETH", Decimals: 18}
	case domain.SubCardKindSubscription:
		sub.Config.Recipient = testMerchant
		sub.Config.Label = "Streaming"
	}
	if mutate != nil {
		mutate(sub)
	}
	if err := h.repo.CreateSubCard(context.Background(), sub); err != nil {
		t.Fatalf("failed to create sub-card: %v", err)
	}
	return sub
}

func (h *harness) reloadStack(t *testing.T) *domain.CardStack {
	t.Helper()
	stack, err := h.repo.FindCardStackByID(context.Background(), h.stack.ID)
	if err != nil {
		t.Fatalf("failed to reload stack: %v", err)
	}
	return stack
}

func (h *harness) reloadSubCard(t *testing.T, id uuid.UUID) *domain.SubCard {
	t.Helper()
	reloaded, err := h.repo.FindSubCardByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to reload sub-card %s: %v", id, err)
	}
	return reloaded
}

func (h *harness) attempt(t *testing.T, result *domain.ExecutionResult) *domain.ExecutionAttempt {
	t.Helper()
	attempt, err := h.repo.FindAttemptByID(context.Background(), result.AttemptID)
	if err != nil {
		t.Fatalf("failed to load attempt: %v", err)
	}
	return attempt
}

func requireExecutionError(t *testing.T, err error, class ErrorClass, code string) {
	t.Helper()
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError %s/%s, got %v", class, code, err)
	}
	if execErr.Class != class || execErr.Code != code {
		t.Fatalf("expected %s/%s, got %s/%s (%v)", class, code, execErr.Class, execErr.Code, execErr.Err)
	}
}

func requireAmount(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if domain.CloneAmount(got).Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("expected %s %d, got %s", name, want, domain.AmountString(got))
	}
}
