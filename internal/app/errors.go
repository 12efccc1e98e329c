package app

import (
	"errors"
	"fmt"
)

// ErrorClass groups execution failures by how callers must react to them.
type ErrorClass string

const (
	ClassValidation        ErrorClass = "VALIDATION_ERROR"
	ClassAuthorization     ErrorClass = "AUTHORIZATION_ERROR"
	ClassBudget            ErrorClass = "BUDGET_ERROR"
	ClassPull              ErrorClass = "PULL_ERROR"
	ClassAct               ErrorClass = "ACT_ERROR"
	ClassSettlementUnknown ErrorClass = "SETTLEMENT_UNKNOWN"
	ClassCollaborator      ErrorClass = "COLLABORATOR_ERROR"
)

// Error codes refine a class.
const (
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidAddress      = "INVALID_ADDRESS"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnknownToken        = "UNKNOWN_TOKEN"
	CodeUnknownChain        = "UNKNOWN_CHAIN"
	CodeStackNotFound       = "CARD_STACK_NOT_FOUND"
	CodeSubCardNotFound     = "SUB_CARD_NOT_FOUND"
	CodeKindMismatch        = "KIND_MISMATCH"
	CodeNotDue              = "NOT_DUE"
	CodeTriggerNotMet       = "TRIGGER_NOT_MET"
	CodeRateLimited         = "RATE_LIMITED"
	CodeIdempotencyConflict = "IDEMPOTENCY_KEY_CONFLICT"
	CodeInvalidState        = "INVALID_STATE"
	CodeAllocation          = "ALLOCATION_INVALID"
	CodePermissionSet       = "PERMISSION_ALREADY_SET"
	CodePermissionInvalid   = "PERMISSION_INVALID_OR_EXPIRED"
	CodeInsufficientGas     = "INSUFFICIENT_AGENT_GAS"
	CodeRelayRejected       = "RELAY_REJECTED"
	CodeReverted            = "REVERTED"
	CodeRouterUnavailable   = "ROUTER_UNAVAILABLE"
	CodeSettlementTimeout   = "SETTLEMENT_TIMEOUT"
	CodePullNotSubmitted    = "PULL_NOT_SUBMITTED"
	CodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
)

// ExecutionError is the typed failure returned by the execution and management operations.
type ExecutionError struct {
	Class ErrorClass
	Code  string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Code, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func newExecutionError(class ErrorClass, code string, err error) *ExecutionError {
	return &ExecutionError{Class: class, Code: code, Err: err}
}

func validationError(code string, format string, args ...interface{}) *ExecutionError {
	return newExecutionError(ClassValidation, code, fmt.Errorf(format, args...))
}

// ClassOf returns the class of err, or "" when err is not an *ExecutionError.
func ClassOf(err error) ErrorClass {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Class
	}
	return ""
}
