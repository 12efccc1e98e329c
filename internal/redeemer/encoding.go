package redeemer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	erc20ABIJSON = `[
		{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
	]`
	accountABIJSON = `[
		{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"mode","type":"bytes32"},{"name":"executionCalldata","type":"bytes"}],"outputs":[]}
	]`
	delegationManagerABIJSON = `[
		{"type":"function","name":"redeemDelegations","stateMutability":"nonpayable","inputs":[{"name":"_permissionContexts","type":"bytes[]"},{"name":"_modes","type":"bytes32[]"},{"name":"_executionCallDatas","type":"bytes[]"}],"outputs":[]}
	]`
	entryPointABIJSON = `[
		{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
	]`
)

var (
	erc20ABI             = mustParseABI(erc20ABIJSON)
	accountABI           = mustParseABI(accountABIJSON)
	delegationManagerABI = mustParseABI(delegationManagerABIJSON)
	entryPointABI        = mustParseABI(entryPointABIJSON)

	executionBatchArgs = mustExecutionBatchArgs()

	// ERC-7579 mode codes: call type in the first byte, default exec type, no selector.
	singleMode = [32]byte{}
	batchMode  = [32]byte{0x01}
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

func mustExecutionBatchArgs() abi.Arguments {
	executions, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "callData", Type: "bytes"},
	})
	if err != nil {
		panic(fmt.Sprintf("invalid execution tuple: %v", err))
	}
	return abi.Arguments{{Type: executions}}
}

// Call is one contract call made by an account.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

type execution struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

func (c Call) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// EncodeERC20Transfer returns calldata for token.transfer(to, amount).
func EncodeERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// EncodeERC20Approve returns calldata for token.approve(spender, amount).
func EncodeERC20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// encodeSingleExecution packs a call as target ++ value ++ data.
func encodeSingleExecution(call Call) []byte {
	out := make([]byte, 0, common.AddressLength+32+len(call.Data))
	out = append(out, call.Target.Bytes()...)
	out = append(out, common.LeftPadBytes(call.value().Bytes(), 32)...)
	return append(out, call.Data...)
}

// EncodeExecution returns the ERC-7579 mode and execution calldata for calls.
// A single call uses single mode, anything more uses batch mode.
func EncodeExecution(calls []Call) ([32]byte, []byte, error) {
	switch len(calls) {
	case 0:
		return [32]byte{}, nil, fmt.Errorf("no calls to encode")
	case 1:
		return singleMode, encodeSingleExecution(calls[0]), nil
	}
	batch := make([]execution, 0, len(calls))
	for _, call := range calls {
		batch = append(batch, execution{Target: call.Target, Value: call.value(), CallData: call.Data})
	}
	data, err := executionBatchArgs.Pack(batch)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("encode batch execution: %w", err)
	}
	return batchMode, data, nil
}

// EncodeAccountExecute returns calldata for account.execute(mode, executionCalldata).
func EncodeAccountExecute(calls []Call) ([]byte, error) {
	mode, data, err := EncodeExecution(calls)
	if err != nil {
		return nil, err
	}
	return accountABI.Pack("execute", mode, data)
}

// EncodeRedeemDelegations returns calldata that redeems permission once to perform call
// on behalf of the delegator.
func EncodeRedeemDelegations(permission []byte, call Call) ([]byte, error) {
	if len(permission) == 0 {
		return nil, fmt.Errorf("%w: empty permission context", ErrPermissionInvalidOrExpired)
	}
	return delegationManagerABI.Pack(
		"redeemDelegations",
		[][]byte{permission},
		[][32]byte{singleMode},
		[][]byte{encodeSingleExecution(call)},
	)
}
