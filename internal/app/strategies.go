package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/transfa/cardstack-service/internal/chains"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/redeemer"
	"github.com/transfa/cardstack-service/pkg/routerclient"
)

// strategy is the kind-specific part of an execution.
type strategy interface {
	// validate runs before any reservation and fills the plan's recipient and target.
	validate(ctx context.Context, s *Service, plan *executionPlan, req domain.ExecutionRequest) error
	// calls builds the agent's act-phase calls for pulled funds.
	calls(ctx context.Context, s *Service, plan *executionPlan) ([]redeemer.Call, error)
}

func strategyFor(kind domain.SubCardKind) strategy {
	switch kind {
	case domain.SubCardKindLimitOrder:
		return limitOrderStrategy{}
	case domain.SubCardKindSubscription:
		return subscriptionStrategy{}
	default:
		return recurringBuyStrategy{}
	}
}

type recurringBuyStrategy struct{}

func (recurringBuyStrategy) validate(ctx context.Context, s *Service, plan *executionPlan, req domain.ExecutionRequest) error {
	if err := resolveSwapLeg(s, plan, req.Recipient); err != nil {
		return err
	}
	if !plan.sub.IsDue(s.now()) {
		return validationError(CodeNotDue, "sub-card %s is not due until %s", plan.sub.ID, plan.sub.Config.NextExecutionAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func (recurringBuyStrategy) calls(ctx context.Context, s *Service, plan *executionPlan) ([]redeemer.Call, error) {
	quote, err := s.quote(ctx, plan)
	if err != nil {
		return nil, err
	}
	return s.swapCalls(ctx, plan, quote)
}

type limitOrderStrategy struct{}

func (limitOrderStrategy) validate(ctx context.Context, s *Service, plan *executionPlan, req domain.ExecutionRequest) error {
	if err := resolveSwapLeg(s, plan, req.Recipient); err != nil {
		return err
	}
	if plan.sub.Config.MinAmountOut == nil || plan.sub.Config.MinAmountOut.Sign() <= 0 {
		return validationError(CodeInvalidRequest, "limit order %s has no trigger", plan.sub.ID)
	}
	quote, err := s.quote(ctx, plan)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return newExecutionError(ClassCollaborator, execErr.Code, execErr.Err)
		}
		return err
	}
	if !triggerMet(quote, plan) {
		return validationError(CodeTriggerNotMet, "quoted %s for %s is below the limit", quote.AmountOut, plan.amount)
	}
	return nil
}

// calls re-quotes after the pull and re-checks the trigger; a price that moved away
// leaves the attempt ACT_FAILED for a later retry.
func (limitOrderStrategy) calls(ctx context.Context, s *Service, plan *executionPlan) ([]redeemer.Call, error) {
	quote, err := s.quote(ctx, plan)
	if err != nil {
		return nil, err
	}
	if !triggerMet(quote, plan) {
		return nil, newExecutionError(ClassAct, CodeTriggerNotMet, fmt.Errorf("quoted %s for %s is below the limit", quote.AmountOut, plan.amount))
	}
	return s.swapCalls(ctx, plan, quote)
}

// triggerMet compares the quoted rate against the configured one without division:
// amountOut/amount >= minAmountOut/configuredAmount.
func triggerMet(quote *routerclient.Quote, plan *executionPlan) bool {
	configured := plan.sub.Config.AmountPerExecution
	if configured == nil || configured.Sign() <= 0 {
		configured = plan.amount
	}
	lhs := new(big.Int).Mul(quote.AmountOut, configured)
	rhs := new(big.Int).Mul(plan.sub.Config.MinAmountOut, plan.amount)
	return lhs.Cmp(rhs) >= 0
}

type subscriptionStrategy struct{}

func (subscriptionStrategy) validate(ctx context.Context, s *Service, plan *executionPlan, req domain.ExecutionRequest) error {
	configured := strings.TrimSpace(plan.sub.Config.Recipient)
	requested := strings.TrimSpace(req.Recipient)
	recipient := configured
	switch {
	case configured == "" && requested == "":
		return validationError(CodeInvalidAddress, "subscription %s has no recipient", plan.sub.ID)
	case configured == "":
		recipient = requested
	case requested != "" && !strings.EqualFold(requested, configured):
		return validationError(CodeInvalidAddress, "recipient %s does not match subscription %s", requested, plan.sub.ID)
	}
	if !common.IsHexAddress(recipient) {
		return validationError(CodeInvalidAddress, "recipient %q is not an address", recipient)
	}
	plan.recipient = common.HexToAddress(recipient)
	if !plan.sub.IsDue(s.now()) {
		return validationError(CodeNotDue, "subscription %s is not due until %s", plan.sub.ID, plan.sub.Config.NextExecutionAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func (subscriptionStrategy) calls(ctx context.Context, s *Service, plan *executionPlan) ([]redeemer.Call, error) {
	if chains.IsNative(plan.source) {
		return []redeemer.Call{{Target: plan.recipient, Value: plan.amount}}, nil
	}
	data, err := redeemer.EncodeERC20Transfer(plan.recipient, plan.amount)
	if err != nil {
		return nil, newExecutionError(ClassAct, CodeInvalidRequest, err)
	}
	return []redeemer.Call{{Target: common.HexToAddress(plan.source.Address), Data: data}}, nil
}

// resolveSwapLeg checks the target token and picks who receives the bought tokens:
// the requested recipient or, by default, the owner's wallet.
func resolveSwapLeg(s *Service, plan *executionPlan, requested string) error {
	target := plan.sub.Config.TargetToken
	if target == nil {
		return validationError(CodeUnknownToken, "sub-card %s has no target token", plan.sub.ID)
	}
	resolved, err := s.chains.ResolveToken(plan.stack.ChainID, target.Address)
	if err != nil {
		return validationError(CodeUnknownToken, "%v", err)
	}
	if strings.EqualFold(resolved.Address, plan.source.Address) {
		return validationError(CodeUnknownToken, "target token equals source token")
	}
	plan.target = &resolved

	recipient := strings.TrimSpace(requested)
	if recipient == "" {
		recipient = plan.stack.WalletAddress
	}
	if !common.IsHexAddress(recipient) {
		return validationError(CodeInvalidAddress, "recipient %q is not an address", recipient)
	}
	plan.recipient = common.HexToAddress(recipient)
	return nil
}

func (s *Service) quote(ctx context.Context, plan *executionPlan) (*routerclient.Quote, error) {
	if s.router == nil {
		return nil, newExecutionError(ClassAct, CodeRouterUnavailable, errors.New("router not configured"))
	}
	quote, err := s.router.GetQuote(ctx, routerclient.QuoteRequest{
		ChainID:  plan.stack.ChainID,
		TokenIn:  plan.source.Address,
		TokenOut: plan.target.Address,
		AmountIn: plan.amount.String(),
	})
	if err != nil {
		return nil, newExecutionError(ClassAct, CodeRouterUnavailable, fmt.Errorf("quote: %w", err))
	}
	return quote, nil
}

// swapCalls builds [approve router, swap] for ERC-20 sources and a single value-carrying
// swap for the native token.
func (s *Service) swapCalls(ctx context.Context, plan *executionPlan, quote *routerclient.Quote) ([]redeemer.Call, error) {
	instruction, err := s.router.BuildCalldata(ctx, routerclient.BuildRequest{
		ChainID:   plan.stack.ChainID,
		Route:     quote.Route,
		Recipient: plan.recipient.Hex(),
		Deadline:  s.now().Add(swapDeadline).Unix(),
	})
	if err != nil {
		return nil, newExecutionError(ClassAct, CodeRouterUnavailable, fmt.Errorf("build calldata: %w", err))
	}
	if !common.IsHexAddress(instruction.To) {
		return nil, newExecutionError(ClassAct, CodeRouterUnavailable, fmt.Errorf("router target %q is not an address", instruction.To))
	}
	routerAddress := common.HexToAddress(instruction.To)

	if chains.IsNative(plan.source) {
		return []redeemer.Call{{Target: routerAddress, Value: plan.amount, Data: instruction.Data}}, nil
	}
	approve, err := redeemer.EncodeERC20Approve(routerAddress, plan.amount)
	if err != nil {
		return nil, newExecutionError(ClassAct, CodeInvalidRequest, err)
	}
	return []redeemer.Call{
		{Target: common.HexToAddress(plan.source.Address), Data: approve},
		{Target: routerAddress, Value: instruction.Value, Data: instruction.Data},
	}, nil
}
