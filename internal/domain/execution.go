package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// AttemptState is the position of an execution attempt in the pull/act protocol.
type AttemptState string

const (
	AttemptStateInit        AttemptState = "INIT"
	AttemptStateDenied      AttemptState = "DENIED"
	AttemptStateReserved    AttemptState = "RESERVED"
	AttemptStatePullFailed  AttemptState = "PULL_FAILED"
	AttemptStatePullUnknown AttemptState = "PULL_UNKNOWN"
	AttemptStatePulled      AttemptState = "PULLED"
	AttemptStateActFailed   AttemptState = "ACT_FAILED"
	AttemptStateActUnknown  AttemptState = "ACT_UNKNOWN"
	AttemptStateActed       AttemptState = "ACTED"
	AttemptStateSettled     AttemptState = "SETTLED"
)

// Terminal reports whether no further transition is expected without operator action.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptStateDenied, AttemptStatePullFailed, AttemptStateSettled:
		return true
	}
	return false
}

// Pulled reports whether funds have left the owner's account in this state.
func (s AttemptState) Pulled() bool {
	switch s {
	case AttemptStatePulled, AttemptStateActFailed, AttemptStateActUnknown, AttemptStateActed, AttemptStateSettled:
		return true
	}
	return false
}

// ReservationState tracks the ledger hold taken by an attempt.
type ReservationState string

const (
	ReservationNone      ReservationState = "NONE"
	ReservationReserved  ReservationState = "RESERVED"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

// ExecutionAttempt records one invocation of a strategy.
// This struct maps directly to the `execution_attempts` table.
type ExecutionAttempt struct {
	ID             uuid.UUID
	IdempotencyKey *string
	CardStackID    uuid.UUID
	SubCardID      uuid.UUID
	ChainID        int64
	Kind           SubCardKind
	Amount         *big.Int
	Recipient      string
	State          AttemptState

	Reservation           ReservationState
	ReservedStackPeriod   time.Time
	ReservedSubCardPeriod time.Time

	PullOpHash string
	PullTxHash string
	ActOpHash  string
	ActTxHash  string

	ErrorClass   string
	ErrorCode    string
	ErrorMessage string
	ActRetries   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionResult is the normalized outcome returned to callers and side-effect sinks.
type ExecutionResult struct {
	AttemptID         uuid.UUID    `json:"attempt_id"`
	State             AttemptState `json:"state"`
	Success           bool         `json:"success"`
	PullTxRef         *string      `json:"pull_tx_ref"`
	ActTxRef          *string      `json:"act_tx_ref"`
	AmountIn          string       `json:"amount_in"`
	SourceTokenSymbol string       `json:"source_token_symbol"`
	TargetTokenSymbol string       `json:"target_token_symbol,omitempty"`
	Error             string       `json:"error,omitempty"`
	ErrorClass        string       `json:"error_class,omitempty"`
	ErrorCode         string       `json:"error_code,omitempty"`
}

// ExecutionReconcileResponse summarizes one reconciliation pass.
type ExecutionReconcileResponse struct {
	Processed    int `json:"processed"`
	Resumed      int `json:"resumed"`
	Settled      int `json:"settled"`
	PullFailed   int `json:"pull_failed"`
	Released     int `json:"released"`
	StillPending int `json:"still_pending"`
	Failed       int `json:"failed"`
}
