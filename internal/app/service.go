/**
 * @description
 * This file contains the core business logic for the cardstack-service. The `Service`
 * struct orchestrates delegated spending: it validates strategy invocations, reserves
 * budget through the ledger, pulls funds with the owner's grant, performs the strategy
 * as the agent, and settles or records the partial outcome.
 *
 * Key features:
 * - One entry point per strategy kind (recurring buy, subscription payment, limit order).
 * - Every invocation is an ExecutionAttempt whose state survives partial failure.
 * - Card stack and sub-card management for owners.
 * - Publishes execution records through the activity sink.
 *
 * @dependencies
 * - context, math/big, time: Standard Go libraries.
 * - github.com/ethereum/go-ethereum/common: address handling.
 * - internal/domain, internal/store, internal/ledger, internal/chains, internal/redeemer.
 * - pkg/routerclient: swap route quotes and calldata.
 */

package app

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/transfa/cardstack-service/internal/chains"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
	"github.com/transfa/cardstack-service/internal/redeemer"
	"github.com/transfa/cardstack-service/internal/store"
	"github.com/transfa/cardstack-service/pkg/routerclient"
)

const (
	DefaultMaxActRetries    = 3
	DefaultExecutionTimeout = 6 * time.Minute
	executionRateScope      = "execution"
	swapDeadline            = 10 * time.Minute
)

// Redeemer submits the pull (a redemption of the owner's grant) and the act
// (calls from the agent account) as user operations.
type Redeemer interface {
	AgentAddress() common.Address
	SubmitRedemption(ctx context.Context, req redeemer.RedemptionRequest) (redeemer.Submission, error)
	SubmitExecution(ctx context.Context, req redeemer.ExecutionRequest) (redeemer.Submission, error)
	WaitForReceipt(ctx context.Context, sub redeemer.Submission) (*redeemer.Receipt, error)
	Status(ctx context.Context, sub redeemer.Submission) (*redeemer.Receipt, error)
}

// Router quotes swap routes and encodes them.
type Router interface {
	GetQuote(ctx context.Context, req routerclient.QuoteRequest) (*routerclient.Quote, error)
	BuildCalldata(ctx context.Context, req routerclient.BuildRequest) (*routerclient.SwapInstruction, error)
}

// ChainRegistry resolves configured chains and tokens.
type ChainRegistry interface {
	Chain(chainID int64) (chains.Chain, error)
	ResolveToken(chainID int64, address string) (domain.TokenRef, error)
}

// RateLimiter is a fixed-window counter keyed by scope and subject.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for delegated spending.
type Service struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	chains   ChainRegistry
	redeemer Redeemer
	router   Router
	sink     ActivitySink

	rateLimiter          RateLimiter
	executionRateLimit   int
	maxActRetries        int
	reconcileEligibility time.Duration
	executionTimeout     time.Duration
	now                  func() time.Time
}

// NewService creates a new cardstack service instance.
func NewService(repo store.Repository, l *ledger.Ledger, registry ChainRegistry, r Redeemer, router Router, sink ActivitySink) *Service {
	return &Service{
		repo:                 repo,
		ledger:               l,
		chains:               registry,
		redeemer:             r,
		router:               router,
		sink:                 sink,
		maxActRetries:        DefaultMaxActRetries,
		reconcileEligibility: defaultReconcileEligibility,
		executionTimeout:     DefaultExecutionTimeout,
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

// SetExecutionRateLimiter throttles executions per sub-card. A limit of zero disables it.
func (s *Service) SetExecutionRateLimiter(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.executionRateLimit = perMinute
}

// SetMaxActRetries bounds how often reconciliation re-runs a failed act phase.
func (s *Service) SetMaxActRetries(n int) {
	if n >= 0 {
		s.maxActRetries = n
	}
}

// SetReconcileEligibility sets how long an attempt must sit untouched before reconciliation picks it up.
func (s *Service) SetReconcileEligibility(age time.Duration) {
	if age > 0 {
		s.reconcileEligibility = age
	}
}

// SetExecutionTimeout bounds how long an attempt may run once it has been recorded.
func (s *Service) SetExecutionTimeout(d time.Duration) {
	if d > 0 {
		s.executionTimeout = d
	}
}

// detach returns a context that survives cancellation of ctx, bounded by the execution
// timeout. A recorded attempt runs to a resting state on it.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.executionTimeout)
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AllocationModel returns the ledger's allocation model.
func (s *Service) AllocationModel() ledger.AllocationModel {
	return s.ledger.Model()
}

// ExecuteRecurringBuy pulls amount from the stack and swaps it into the sub-card's target token.
func (s *Service) ExecuteRecurringBuy(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	return s.execute(ctx, domain.SubCardKindRecurringBuy, req)
}

// ExecuteSubscriptionPayment pulls amount from the stack and forwards it to the subscription's recipient.
func (s *Service) ExecuteSubscriptionPayment(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	return s.execute(ctx, domain.SubCardKindSubscription, req)
}

// ExecuteLimitOrder swaps amount once the quoted price meets the sub-card's trigger.
func (s *Service) ExecuteLimitOrder(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	return s.execute(ctx, domain.SubCardKindLimitOrder, req)
}

// nonceKey gives every attempt its own EntryPoint nonce lane. Attempts never block each
// other, while operations of one attempt are strictly sequenced.
func nonceKey(attempt *domain.ExecutionAttempt) *big.Int {
	return new(big.Int).SetBytes(attempt.ID[:])
}
