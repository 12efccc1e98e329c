package redeemer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrPermissionInvalidOrExpired = errors.New("permission context invalid or expired")
	ErrInsufficientAgentGas       = errors.New("agent account cannot cover the operation")
	ErrRelayRejected              = errors.New("relay rejected the operation")
	ErrSettlementTimeout          = errors.New("settlement outcome unknown")
	ErrReceiptPending             = errors.New("user operation receipt not available yet")
	ErrUnsupportedChain           = errors.New("no bundler configured for chain")
)

// RevertError is an on-chain execution failure of a settled or simulated operation.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "operation reverted"
	}
	return fmt.Sprintf("operation reverted: %s", e.Reason)
}

// SettlementUnknownError means the operation may or may not land on chain.
// Callers must reconcile by OpHash instead of resubmitting.
type SettlementUnknownError struct {
	OpHash common.Hash
	Cause  error
}

func (e *SettlementUnknownError) Error() string {
	return fmt.Sprintf("settlement of %s unknown: %v", e.OpHash.Hex(), e.Cause)
}

func (e *SettlementUnknownError) Unwrap() error {
	return e.Cause
}

func (e *SettlementUnknownError) Is(target error) bool {
	return target == ErrSettlementTimeout
}

// permissionMarkers are fragments of revert reasons raised by the delegation
// framework when a grant is disabled, expired or violates a caveat.
var permissionMarkers = []string{
	"delegation",
	"delegate",
	"enforcer",
	"caveat",
	"permission",
	"expired",
}

var gasMarkers = []string{
	"aa21",
	"aa31",
	"didn't pay prefund",
	"insufficient funds",
	"insufficient deposit",
}

func containsAny(message string, markers []string) bool {
	lower := strings.ToLower(message)
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// classifyRevert maps a revert reason onto the failure taxonomy.
func classifyRevert(reason string) error {
	if containsAny(reason, permissionMarkers) {
		return fmt.Errorf("%w: %s", ErrPermissionInvalidOrExpired, reason)
	}
	if containsAny(reason, gasMarkers) {
		return fmt.Errorf("%w: %s", ErrInsufficientAgentGas, reason)
	}
	return &RevertError{Reason: reason}
}

// classifyRPCError maps a bundler error onto the failure taxonomy. It returns
// nil when err is not a definite answer from the bundler (transport failure,
// 5xx), in which case the caller cannot know whether the request was accepted.
func classifyRPCError(err error) error {
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRelayRejected, httpErr.Error())
	}

	var rpcErr gethrpc.Error
	if !errors.As(err, &rpcErr) {
		return nil
	}
	message := rpcErr.Error()
	if dataErr, ok := rpcErr.(gethrpc.DataError); ok {
		if reason := decodeRevertData(dataErr.ErrorData()); reason != "" {
			message = message + ": " + reason
		}
	}

	switch {
	case containsAny(message, gasMarkers):
		return fmt.Errorf("%w: %s", ErrInsufficientAgentGas, message)
	case containsAny(message, permissionMarkers):
		return fmt.Errorf("%w: %s", ErrPermissionInvalidOrExpired, message)
	case rpcErr.ErrorCode() == -32521:
		return &RevertError{Reason: message}
	default:
		return fmt.Errorf("%w: %s", ErrRelayRejected, message)
	}
}

// decodeRevertData turns Error(string) revert data into its message. Other
// payloads are returned as hex.
func decodeRevertData(data any) string {
	var raw []byte
	switch v := data.(type) {
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return v
		}
		raw = decoded
	case []byte:
		raw = v
	default:
		return ""
	}
	if len(raw) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(raw); err == nil {
		return reason
	}
	return hexutil.Encode(raw)
}
