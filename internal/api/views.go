package api

import (
	"math/big"
	"time"

	"github.com/transfa/cardstack-service/internal/domain"
)

// cardStackResponse is the owner-facing shape of a card stack. Amounts are smallest-unit
// decimal strings with a display rendering in the token's units.
type cardStackResponse struct {
	ID                 string                 `json:"id"`
	OwnerID            string                 `json:"owner_id"`
	WalletAddress      string                 `json:"wallet_address"`
	ChainID            int64                  `json:"chain_id"`
	Token              domain.TokenRef        `json:"token"`
	PermissionState    domain.PermissionState `json:"permission_state"`
	DelegationManager  string                 `json:"delegation_manager"`
	Status             domain.CardStackStatus `json:"status"`
	TotalBudget        string                 `json:"total_budget"`
	TotalBudgetDisplay string                 `json:"total_budget_display"`
	PeriodSeconds      int64                  `json:"period_seconds"`
	PeriodStartedAt    time.Time              `json:"period_started_at"`
	PeriodSpent        string                 `json:"period_spent"`
	PeriodReserved     string                 `json:"period_reserved"`
	Remaining          string                 `json:"remaining"`
	RemainingDisplay   string                 `json:"remaining_display"`
	ExpiresAt          time.Time              `json:"expires_at"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

func newCardStackResponse(stack *domain.CardStack) cardStackResponse {
	remaining := domain.CloneAmount(stack.TotalBudget)
	remaining.Sub(remaining, domain.CloneAmount(stack.PeriodSpent))
	remaining.Sub(remaining, domain.CloneAmount(stack.PeriodReserved))
	if remaining.Sign() < 0 {
		remaining = new(big.Int)
	}
	return cardStackResponse{
		ID:                 stack.ID.String(),
		OwnerID:            stack.OwnerID,
		WalletAddress:      stack.WalletAddress,
		ChainID:            stack.ChainID,
		Token:              stack.Token,
		PermissionState:    stack.Permission.State(),
		DelegationManager:  stack.DelegationManager,
		Status:             stack.Status,
		TotalBudget:        domain.AmountString(stack.TotalBudget),
		TotalBudgetDisplay: domain.FormatUnits(stack.TotalBudget, stack.Token.Decimals),
		PeriodSeconds:      int64(stack.PeriodDuration / time.Second),
		PeriodStartedAt:    stack.PeriodStartedAt,
		PeriodSpent:        domain.AmountString(stack.PeriodSpent),
		PeriodReserved:     domain.AmountString(stack.PeriodReserved),
		Remaining:          remaining.String(),
		RemainingDisplay:   domain.FormatUnits(remaining, stack.Token.Decimals),
		ExpiresAt:          stack.ExpiresAt,
		CreatedAt:          stack.CreatedAt,
		UpdatedAt:          stack.UpdatedAt,
	}
}

type subCardResponse struct {
	ID                 string               `json:"id"`
	CardStackID        string               `json:"card_stack_id"`
	Kind               domain.SubCardKind   `json:"kind"`
	Status             domain.SubCardStatus `json:"status"`
	AmountPerExecution string               `json:"amount_per_execution"`
	TargetToken        *domain.TokenRef     `json:"target_token,omitempty"`
	SlippageBps        int                  `json:"slippage_bps,omitempty"`
	LimitMinAmountOut  *string              `json:"limit_min_amount_out,omitempty"`
	Recipient          string               `json:"recipient,omitempty"`
	Label              string               `json:"label,omitempty"`
	IntervalSeconds    int64                `json:"interval_seconds,omitempty"`
	NextExecutionAt    *time.Time           `json:"next_execution_at,omitempty"`
	DailyLimit         *string              `json:"daily_limit,omitempty"`
	CurrentSpent       string               `json:"current_spent"`
	TotalSpent         string               `json:"total_spent"`
	Reserved           string               `json:"reserved"`
	LastSpentAt        *time.Time           `json:"last_spent_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func optionalAmount(amount *big.Int) *string {
	if amount == nil {
		return nil
	}
	s := amount.String()
	return &s
}

func newSubCardResponse(sub *domain.SubCard) subCardResponse {
	return subCardResponse{
		ID:                 sub.ID.String(),
		CardStackID:        sub.CardStackID.String(),
		Kind:               sub.Kind,
		Status:             sub.Status,
		AmountPerExecution: domain.AmountString(sub.Config.AmountPerExecution),
		TargetToken:        sub.Config.TargetToken,
		SlippageBps:        sub.Config.SlippageBps,
		LimitMinAmountOut:  optionalAmount(sub.Config.MinAmountOut),
		Recipient:          sub.Config.Recipient,
		Label:              sub.Config.Label,
		IntervalSeconds:    int64(sub.Config.Interval / time.Second),
		NextExecutionAt:    sub.Config.NextExecutionAt,
		DailyLimit:         optionalAmount(sub.DailyLimit),
		CurrentSpent:       domain.AmountString(sub.CurrentSpent),
		TotalSpent:         domain.AmountString(sub.TotalSpent),
		Reserved:           domain.AmountString(sub.Reserved),
		LastSpentAt:        sub.LastSpentAt,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}
}

type attemptResponse struct {
	ID             string                  `json:"id"`
	IdempotencyKey *string                 `json:"idempotency_key,omitempty"`
	CardStackID    string                  `json:"card_stack_id"`
	SubCardID      string                  `json:"sub_card_id"`
	ChainID        int64                   `json:"chain_id"`
	Kind           domain.SubCardKind      `json:"kind"`
	Amount         string                  `json:"amount"`
	Recipient      string                  `json:"recipient"`
	State          domain.AttemptState     `json:"state"`
	Reservation    domain.ReservationState `json:"reservation"`
	PullOpHash     string                  `json:"pull_op_hash,omitempty"`
	PullTxHash     string                  `json:"pull_tx_hash,omitempty"`
	ActOpHash      string                  `json:"act_op_hash,omitempty"`
	ActTxHash      string                  `json:"act_tx_hash,omitempty"`
	ErrorClass     string                  `json:"error_class,omitempty"`
	ErrorCode      string                  `json:"error_code,omitempty"`
	ErrorMessage   string                  `json:"error_message,omitempty"`
	ActRetries     int                     `json:"act_retries"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func newAttemptResponse(attempt *domain.ExecutionAttempt) attemptResponse {
	return attemptResponse{
		ID:             attempt.ID.String(),
		IdempotencyKey: attempt.IdempotencyKey,
		CardStackID:    attempt.CardStackID.String(),
		SubCardID:      attempt.SubCardID.String(),
		ChainID:        attempt.ChainID,
		Kind:           attempt.Kind,
		Amount:         domain.AmountString(attempt.Amount),
		Recipient:      attempt.Recipient,
		State:          attempt.State,
		Reservation:    attempt.Reservation,
		PullOpHash:     attempt.PullOpHash,
		PullTxHash:     attempt.PullTxHash,
		ActOpHash:      attempt.ActOpHash,
		ActTxHash:      attempt.ActTxHash,
		ErrorClass:     attempt.ErrorClass,
		ErrorCode:      attempt.ErrorCode,
		ErrorMessage:   attempt.ErrorMessage,
		ActRetries:     attempt.ActRetries,
		CreatedAt:      attempt.CreatedAt,
		UpdatedAt:      attempt.UpdatedAt,
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	ErrorClass string `json:"error_class,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}
