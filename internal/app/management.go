package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
	"github.com/transfa/cardstack-service/internal/store"
)

const (
	defaultAttemptListLimit = 50
	maxAttemptListLimit     = 200
	maxSlippageBps          = 5000
)

// resolvePeriod maps a preset name or an explicit length onto a budget period.
func resolvePeriod(preset string, seconds int64) (time.Duration, error) {
	if seconds < 0 {
		return 0, validationError(CodeInvalidRequest, "period_seconds must not be negative")
	}
	if seconds > 0 {
		return time.Duration(seconds) * time.Second, nil
	}
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "", "daily":
		return domain.PeriodDaily, nil
	case "weekly":
		return domain.PeriodWeekly, nil
	case "monthly":
		return domain.PeriodMonthly, nil
	}
	return 0, validationError(CodeInvalidRequest, "unknown period %q", preset)
}

func parsePositiveAmount(field, raw string) (*big.Int, error) {
	amount, err := domain.ParseAmount(raw)
	if err != nil {
		return nil, validationError(CodeInvalidAmount, "%s: %v", field, err)
	}
	if amount.Sign() <= 0 {
		return nil, validationError(CodeInvalidAmount, "%s must be greater than zero", field)
	}
	return amount, nil
}

// CreateCardStack registers a new stack for ownerID. Without a permission context the
// stack stays PENDING until AttachPermission.
func (s *Service) CreateCardStack(ctx context.Context, ownerID string, req domain.CreateCardStackRequest) (*domain.CardStack, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, validationError(CodeInvalidRequest, "owner is required")
	}
	if !common.IsHexAddress(req.WalletAddress) {
		return nil, validationError(CodeInvalidAddress, "wallet_address %q is not an address", req.WalletAddress)
	}
	chain, err := s.chains.Chain(req.ChainID)
	if err != nil {
		return nil, validationError(CodeUnknownChain, "%v", err)
	}
	token, err := s.chains.ResolveToken(req.ChainID, req.TokenAddress)
	if err != nil {
		return nil, validationError(CodeUnknownToken, "%v", err)
	}
	budget, err := parsePositiveAmount("total_budget", req.TotalBudget)
	if err != nil {
		return nil, err
	}
	period, err := resolvePeriod(req.Period, req.PeriodSeconds)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !req.ExpiresAt.After(now) {
		return nil, validationError(CodeInvalidRequest, "expires_at must be in the future")
	}

	delegationManager := chain.DelegationManager.Hex()
	if raw := strings.TrimSpace(req.DelegationManager); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, validationError(CodeInvalidAddress, "delegation_manager %q is not an address", raw)
		}
		delegationManager = common.HexToAddress(raw).Hex()
	}

	permission := domain.PendingPermission()
	status := domain.CardStackStatusPending
	if raw := strings.TrimSpace(req.PermissionContext); raw != "" {
		if permission, err = domain.ParsePermissionHex(raw); err != nil {
			return nil, validationError(CodePermissionInvalid, "%v", err)
		}
		status = domain.CardStackStatusActive
	}

	stack := &domain.CardStack{
		OwnerID:           ownerID,
		WalletAddress:     common.HexToAddress(req.WalletAddress).Hex(),
		ChainID:           req.ChainID,
		Token:             token,
		Permission:        permission,
		DelegationManager: delegationManager,
		TotalBudget:       budget,
		PeriodDuration:    period,
		Status:            status,
		ExpiresAt:         req.ExpiresAt.UTC(),
		PeriodStartedAt:   now,
		PeriodSpent:       new(big.Int),
		PeriodReserved:    new(big.Int),
	}
	if err := s.repo.CreateCardStack(ctx, stack); err != nil {
		return nil, fmt.Errorf("failed to create card stack: %w", err)
	}
	log.Printf("level=info component=service flow=card_stack_create msg=\"card stack created\" card_stack_id=%s owner_id=%s chain_id=%d token=%s status=%s", stack.ID, ownerID, stack.ChainID, token.Symbol, status)
	return stack, nil
}

// ownedStack loads a stack and hides stacks of other owners as not found.
func (s *Service) ownedStack(ctx context.Context, ownerID string, stackID uuid.UUID) (*domain.CardStack, error) {
	stack, err := s.repo.FindCardStackByID(ctx, stackID)
	if err != nil {
		return nil, err
	}
	if stack.OwnerID != ownerID {
		return nil, store.ErrCardStackNotFound
	}
	return stack, nil
}

func (s *Service) ownedSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.CardStack, *domain.SubCard, error) {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := s.repo.FindSubCardByID(ctx, subCardID)
	if err != nil {
		return nil, nil, err
	}
	if sub.CardStackID != stack.ID {
		return nil, nil, store.ErrSubCardNotFound
	}
	return stack, sub, nil
}

// GetCardStack returns one of the owner's stacks.
func (s *Service) GetCardStack(ctx context.Context, ownerID string, stackID uuid.UUID) (*domain.CardStack, error) {
	return s.ownedStack(ctx, ownerID, stackID)
}

// ListCardStacks returns the owner's stacks.
func (s *Service) ListCardStacks(ctx context.Context, ownerID string) ([]domain.CardStack, error) {
	return s.repo.ListCardStacksByOwner(ctx, ownerID)
}

// AttachPermission stores the owner's signed grant and activates the stack.
// A stack's grant is write-once.
func (s *Service) AttachPermission(ctx context.Context, ownerID string, stackID uuid.UUID, raw string) (*domain.CardStack, error) {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return nil, err
	}
	permission, err := domain.ParsePermissionHex(raw)
	if err != nil {
		return nil, validationError(CodePermissionInvalid, "%v", err)
	}
	if stack.IsExpired(s.now()) {
		return nil, validationError(CodeInvalidState, "card stack %s has expired", stack.ID)
	}
	if err := s.repo.AttachPermission(ctx, stack.ID, permission); err != nil {
		if errors.Is(err, store.ErrPermissionImmutable) {
			return nil, newExecutionError(ClassValidation, CodePermissionSet, err)
		}
		return nil, fmt.Errorf("failed to attach permission: %w", err)
	}
	log.Printf("level=info component=service flow=card_stack_permission msg=\"permission attached\" card_stack_id=%s", stack.ID)
	return s.repo.FindCardStackByID(ctx, stack.ID)
}

// UpdateBudget changes the stack's budget and period. Under the carve-out model the new
// budget must still cover every sub-card limit.
func (s *Service) UpdateBudget(ctx context.Context, ownerID string, stackID uuid.UUID, req domain.UpdateBudgetRequest) (*domain.CardStack, error) {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return nil, err
	}
	if stack.Status == domain.CardStackStatusRevoked || stack.Status == domain.CardStackStatusExpired {
		return nil, validationError(CodeInvalidState, "card stack %s is %s", stack.ID, stack.Status)
	}
	budget, err := parsePositiveAmount("total_budget", req.TotalBudget)
	if err != nil {
		return nil, err
	}
	period := stack.PeriodDuration
	if strings.TrimSpace(req.Period) != "" || req.PeriodSeconds != 0 {
		if period, err = resolvePeriod(req.Period, req.PeriodSeconds); err != nil {
			return nil, err
		}
	}
	subCards, err := s.repo.ListSubCardsByStack(ctx, stack.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-cards: %w", err)
	}
	if err := ledger.ValidateBudgetChange(s.ledger.Model(), budget, subCards); err != nil {
		return nil, validationError(CodeAllocation, "%v", err)
	}
	if err := s.repo.UpdateCardStackBudget(ctx, stack.ID, budget, period); err != nil {
		return nil, fmt.Errorf("failed to update budget: %w", err)
	}
	return s.repo.FindCardStackByID(ctx, stack.ID)
}

// RevokeCardStack stops all further spending from the stack.
func (s *Service) RevokeCardStack(ctx context.Context, ownerID string, stackID uuid.UUID) error {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return err
	}
	moved, err := s.repo.TransitionCardStackStatus(ctx, stack.ID,
		[]domain.CardStackStatus{domain.CardStackStatusPending, domain.CardStackStatusActive},
		domain.CardStackStatusRevoked)
	if err != nil {
		return fmt.Errorf("failed to revoke card stack: %w", err)
	}
	if !moved {
		return validationError(CodeInvalidState, "card stack %s is %s", stack.ID, stack.Status)
	}
	log.Printf("level=info component=service flow=card_stack_revoke msg=\"card stack revoked\" card_stack_id=%s", stack.ID)
	return nil
}

// DeleteCardStack removes the stack and its sub-cards. Attempts keep their history.
func (s *Service) DeleteCardStack(ctx context.Context, ownerID string, stackID uuid.UUID) error {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return err
	}
	return s.repo.DeleteCardStack(ctx, stack.ID)
}

// CreateSubCard adds a strategy to a stack.
func (s *Service) CreateSubCard(ctx context.Context, ownerID string, stackID uuid.UUID, req domain.CreateSubCardRequest) (*domain.SubCard, error) {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return nil, err
	}
	if stack.Status == domain.CardStackStatusRevoked || stack.IsExpired(s.now()) {
		return nil, validationError(CodeInvalidState, "card stack %s no longer accepts strategies", stack.ID)
	}
	if !req.Kind.Valid() {
		return nil, validationError(CodeInvalidRequest, "unknown strategy kind %q", req.Kind)
	}
	amount, err := parsePositiveAmount("amount_per_execution", req.AmountPerExecution)
	if err != nil {
		return nil, err
	}
	if req.IntervalSeconds < 0 {
		return nil, validationError(CodeInvalidRequest, "interval_seconds must not be negative")
	}
	if req.SlippageBps < 0 || req.SlippageBps > maxSlippageBps {
		return nil, validationError(CodeInvalidRequest, "slippage_bps must be between 0 and %d", maxSlippageBps)
	}

	cfg := domain.SubCardConfig{
		AmountPerExecution: amount,
		SlippageBps:        req.SlippageBps,
		Interval:           time.Duration(req.IntervalSeconds) * time.Second,
		Label:              strings.TrimSpace(req.Label),
	}
	if req.StartAt != nil {
		start := req.StartAt.UTC()
		cfg.NextExecutionAt = &start
	}

	switch req.Kind {
	case domain.SubCardKindRecurringBuy, domain.SubCardKindLimitOrder:
		target, err := s.chains.ResolveToken(stack.ChainID, req.TargetTokenAddress)
		if err != nil {
			return nil, validationError(CodeUnknownToken, "%v", err)
		}
		if strings.EqualFold(target.Address, stack.Token.Address) {
			return nil, validationError(CodeUnknownToken, "target token equals the stack token")
		}
		cfg.TargetToken = &target
		if req.Kind == domain.SubCardKindLimitOrder {
			if cfg.MinAmountOut, err = parsePositiveAmount("limit_min_amount_out", req.LimitMinAmountOut); err != nil {
				return nil, err
			}
		}
	case domain.SubCardKindSubscription:
		if !common.IsHexAddress(req.Recipient) {
			return nil, validationError(CodeInvalidAddress, "recipient %q is not an address", req.Recipient)
		}
		cfg.Recipient = common.HexToAddress(req.Recipient).Hex()
	}

	sub := &domain.SubCard{
		CardStackID:  stack.ID,
		Kind:         req.Kind,
		Status:       domain.SubCardStatusActive,
		Config:       cfg,
		CurrentSpent: new(big.Int),
		TotalSpent:   new(big.Int),
		Reserved:     new(big.Int),
		LastResetAt:  s.now(),
	}
	if strings.TrimSpace(req.DailyLimit) != "" {
		if sub.DailyLimit, err = parsePositiveAmount("daily_limit", req.DailyLimit); err != nil {
			return nil, err
		}
	}

	siblings, err := s.repo.ListSubCardsByStack(ctx, stack.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-cards: %w", err)
	}
	if err := ledger.ValidateAllocation(s.ledger.Model(), stack.TotalBudget, siblings, sub); err != nil {
		return nil, validationError(CodeAllocation, "%v", err)
	}
	if err := s.repo.CreateSubCard(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create sub-card: %w", err)
	}
	log.Printf("level=info component=service flow=sub_card_create msg=\"sub-card created\" card_stack_id=%s sub_card_id=%s kind=%s", stack.ID, sub.ID, sub.Kind)
	return sub, nil
}

// ListSubCards returns the strategies of one of the owner's stacks.
func (s *Service) ListSubCards(ctx context.Context, ownerID string, stackID uuid.UUID) ([]domain.SubCard, error) {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSubCardsByStack(ctx, stack.ID)
}

// PauseSubCard stops a strategy from spending until it is resumed.
func (s *Service) PauseSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error) {
	return s.setSubCardStatus(ctx, ownerID, stackID, subCardID, domain.SubCardStatusPaused)
}

// ResumeSubCard re-enables a paused strategy.
func (s *Service) ResumeSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error) {
	return s.setSubCardStatus(ctx, ownerID, stackID, subCardID, domain.SubCardStatusActive)
}

func (s *Service) setSubCardStatus(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID, status domain.SubCardStatus) (*domain.SubCard, error) {
	_, sub, err := s.ownedSubCard(ctx, ownerID, stackID, subCardID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSubCardStatus(ctx, sub.ID, status); err != nil {
		return nil, fmt.Errorf("failed to update sub-card status: %w", err)
	}
	sub.Status = status
	return sub, nil
}

// SkipNextExecution pushes a scheduled strategy's next run one interval further.
func (s *Service) SkipNextExecution(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error) {
	_, sub, err := s.ownedSubCard(ctx, ownerID, stackID, subCardID)
	if err != nil {
		return nil, err
	}
	if sub.Config.Interval <= 0 {
		return nil, validationError(CodeInvalidState, "sub-card %s has no schedule", sub.ID)
	}
	base := s.now()
	if next := sub.Config.NextExecutionAt; next != nil && next.After(base) {
		base = *next
	}
	next := base.Add(sub.Config.Interval)
	if err := s.repo.UpdateSubCardSchedule(ctx, sub.ID, &next); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	sub.Config.NextExecutionAt = &next
	return sub, nil
}

// DeleteSubCard removes a strategy. Its past spend stays on the stack's counters.
func (s *Service) DeleteSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) error {
	_, sub, err := s.ownedSubCard(ctx, ownerID, stackID, subCardID)
	if err != nil {
		return err
	}
	return s.repo.DeleteSubCard(ctx, sub.ID)
}

// ListAttempts returns the stack's execution history, newest first.
func (s *Service) ListAttempts(ctx context.Context, ownerID string, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error) {
	stack, err := s.ownedStack(ctx, ownerID, stackID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultAttemptListLimit
	}
	if limit > maxAttemptListLimit {
		limit = maxAttemptListLimit
	}
	return s.repo.ListAttemptsByStack(ctx, stack.ID, limit)
}

// GetExecutionResult reports a stored attempt in the execution result shape.
func (s *Service) GetExecutionResult(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionResult, error) {
	attempt, err := s.repo.FindAttemptByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return s.describeAttempt(ctx, attempt), nil
}
