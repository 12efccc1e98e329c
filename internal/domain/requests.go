package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionRequest invokes one strategy of a card stack. Amount is in the source token's
// smallest unit; empty means the sub-card's configured amount per execution.
type ExecutionRequest struct {
	CardStackID    uuid.UUID `json:"card_stack_id"`
	SubCardID      uuid.UUID `json:"sub_card_id"`
	Amount         string    `json:"amount,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// StrategyTriggerEvent is the payload of strategy.trigger.* messages.
type StrategyTriggerEvent struct {
	CardStackID    uuid.UUID `json:"card_stack_id"`
	SubCardID      uuid.UUID `json:"sub_card_id"`
	Amount         string    `json:"amount,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// CreateCardStackRequest is the payload for creating a card stack.
// Period accepts "daily", "weekly" or "monthly"; PeriodSeconds overrides it when set.
type CreateCardStackRequest struct {
	WalletAddress     string    `json:"wallet_address"`
	ChainID           int64     `json:"chain_id"`
	TokenAddress      string    `json:"token_address"`
	TotalBudget       string    `json:"total_budget"`
	Period            string    `json:"period,omitempty"`
	PeriodSeconds     int64     `json:"period_seconds,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	PermissionContext string    `json:"permission_context,omitempty"`
	DelegationManager string    `json:"delegation_manager,omitempty"`
}

// AttachPermissionRequest carries the hex-encoded grant produced by the owner's wallet.
type AttachPermissionRequest struct {
	PermissionContext string `json:"permission_context"`
}

// UpdateBudgetRequest changes a stack's budget. Empty period fields keep the current period.
type UpdateBudgetRequest struct {
	TotalBudget   string `json:"total_budget"`
	Period        string `json:"period,omitempty"`
	PeriodSeconds int64  `json:"period_seconds,omitempty"`
}

// CreateSubCardRequest is the payload for adding a strategy to a stack.
type CreateSubCardRequest struct {
	Kind               SubCardKind `json:"kind"`
	AmountPerExecution string      `json:"amount_per_execution"`
	TargetTokenAddress string      `json:"target_token_address,omitempty"`
	SlippageBps        int         `json:"slippage_bps,omitempty"`
	LimitMinAmountOut  string      `json:"limit_min_amount_out,omitempty"`
	Recipient          string      `json:"recipient,omitempty"`
	Label              string      `json:"label,omitempty"`
	IntervalSeconds    int64       `json:"interval_seconds,omitempty"`
	StartAt            *time.Time  `json:"start_at,omitempty"`
	DailyLimit         string      `json:"daily_limit,omitempty"`
}

// ExecutionEvent is the record emitted to the activity and notification sinks.
type ExecutionEvent struct {
	AttemptID         uuid.UUID    `json:"attempt_id"`
	CardStackID       uuid.UUID    `json:"card_stack_id"`
	SubCardID         uuid.UUID    `json:"sub_card_id"`
	OwnerID           string       `json:"owner_id"`
	Kind              SubCardKind  `json:"kind"`
	State             AttemptState `json:"state"`
	Status            string       `json:"status"`
	Amount            string       `json:"amount"`
	AmountDisplay     string       `json:"amount_display"`
	SourceTokenSymbol string       `json:"source_token_symbol"`
	TargetTokenSymbol string       `json:"target_token_symbol,omitempty"`
	Recipient         string       `json:"recipient,omitempty"`
	Label             string       `json:"label,omitempty"`
	PullTxRef         *string      `json:"pull_tx_ref"`
	ActTxRef          *string      `json:"act_tx_ref"`
	ErrorClass        string       `json:"error_class,omitempty"`
	ErrorCode         string       `json:"error_code,omitempty"`
	OccurredAt        time.Time    `json:"occurred_at"`
}
