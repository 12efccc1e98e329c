/**
 * @description
 * Package redeemer exercises previously granted permission contexts on chain.
 *
 * The relaying agent owns a smart account. Every operation is an EntryPoint v0.7
 * user operation sent by that account:
 *   - a redemption calls DelegationManager.redeemDelegations with the owner's grant,
 *     so the delegator's account performs the call (the pull),
 *   - an execution runs calls as the agent itself (the act).
 *
 * Operations are submitted to a bundler and their receipts polled until settlement
 * or the settlement timeout. A timeout is an unknown outcome, never a failure.
 * This package never touches spend counters.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: ABI encoding, hashing, signing and JSON-RPC.
 */

package redeemer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultSettlementTimeout = 60 * time.Second
	defaultPollInterval      = 2 * time.Second
)

// Backend binds one chain's bundler and node.
type Backend struct {
	ChainID    int64
	EntryPoint common.Address
	Bundler    Bundler
	Chain      ChainReader
}

// Option customizes a Redeemer.
type Option func(*Redeemer)

// WithSettlementTimeout bounds how long WaitForReceipt polls.
func WithSettlementTimeout(timeout time.Duration) Option {
	return func(r *Redeemer) {
		if timeout > 0 {
			r.settlementTimeout = timeout
		}
	}
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(r *Redeemer) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// Redeemer submits user operations from the agent account.
type Redeemer struct {
	account           common.Address
	signer            Signer
	backends          map[int64]Backend
	settlementTimeout time.Duration
	pollInterval      time.Duration
}

// New creates a Redeemer for the agent smart account.
func New(account common.Address, signer Signer, backends []Backend, opts ...Option) *Redeemer {
	r := &Redeemer{
		account:           account,
		signer:            signer,
		backends:          make(map[int64]Backend, len(backends)),
		settlementTimeout: DefaultSettlementTimeout,
		pollInterval:      defaultPollInterval,
	}
	for _, backend := range backends {
		r.backends[backend.ChainID] = backend
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AgentAddress is the smart account that receives pulled funds and performs acts.
func (r *Redeemer) AgentAddress() common.Address {
	return r.account
}

// Submission identifies a sent user operation.
type Submission struct {
	ChainID int64
	OpHash  common.Hash
}

// RedemptionRequest asks the delegator's account, via its grant, to perform Call.
type RedemptionRequest struct {
	ChainID           int64
	NonceKey          *big.Int
	Permission        []byte
	DelegationManager common.Address
	Call              Call
}

// ExecutionRequest asks the agent account to perform Calls itself.
type ExecutionRequest struct {
	ChainID  int64
	NonceKey *big.Int
	Calls    []Call
}

// SubmitRedemption sends a user operation redeeming the permission context.
//
// A returned *SettlementUnknownError carries the operation hash: the bundler may
// have accepted the operation. Any other error means nothing was submitted.
func (r *Redeemer) SubmitRedemption(ctx context.Context, req RedemptionRequest) (Submission, error) {
	redeem, err := EncodeRedeemDelegations(req.Permission, req.Call)
	if err != nil {
		return Submission{ChainID: req.ChainID}, err
	}
	callData, err := EncodeAccountExecute([]Call{{Target: req.DelegationManager, Data: redeem}})
	if err != nil {
		return Submission{ChainID: req.ChainID}, err
	}
	return r.submit(ctx, req.ChainID, req.NonceKey, callData)
}

// SubmitExecution sends a user operation performing calls as the agent account.
func (r *Redeemer) SubmitExecution(ctx context.Context, req ExecutionRequest) (Submission, error) {
	callData, err := EncodeAccountExecute(req.Calls)
	if err != nil {
		return Submission{ChainID: req.ChainID}, err
	}
	return r.submit(ctx, req.ChainID, req.NonceKey, callData)
}

func (r *Redeemer) submit(ctx context.Context, chainID int64, nonceKey *big.Int, callData []byte) (Submission, error) {
	sub := Submission{ChainID: chainID}
	backend, err := r.backend(chainID)
	if err != nil {
		return sub, err
	}

	nonce, err := r.nonce(ctx, backend, nonceKey)
	if err != nil {
		return sub, err
	}
	tip, maxFee, err := fees(ctx, backend.Chain)
	if err != nil {
		return sub, err
	}

	op := &UserOperation{
		Sender:               r.account,
		Nonce:                nonce,
		CallData:             callData,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		Signature:            dummySignature,
	}
	estimate, err := backend.Bundler.EstimateUserOperationGas(ctx, op)
	if err != nil {
		if classified := classifyRPCError(err); classified != nil {
			return sub, classified
		}
		return sub, fmt.Errorf("estimate user operation gas: %w", err)
	}
	op.PreVerificationGas = withBuffer(estimate.PreVerificationGas.ToInt())
	op.VerificationGasLimit = withBuffer(estimate.VerificationGasLimit.ToInt())
	op.CallGasLimit = withBuffer(estimate.CallGasLimit.ToInt())

	hash, err := op.Hash(backend.EntryPoint, big.NewInt(chainID))
	if err != nil {
		return sub, err
	}
	signature, err := r.signer.SignUserOperation(hash)
	if err != nil {
		return sub, fmt.Errorf("sign user operation: %w", err)
	}
	op.Signature = signature
	sub.OpHash = hash

	returned, err := backend.Bundler.SendUserOperation(ctx, op)
	if err != nil {
		if classified := classifyRPCError(err); classified != nil {
			return sub, classified
		}
		log.Printf("level=warn component=redeemer msg=\"user operation submission outcome unknown\" chain_id=%d op_hash=%s err=%v", chainID, hash.Hex(), err)
		return sub, &SettlementUnknownError{OpHash: hash, Cause: err}
	}
	if returned != (common.Hash{}) && returned != hash {
		log.Printf("level=warn component=redeemer msg=\"bundler returned unexpected op hash\" chain_id=%d local=%s remote=%s", chainID, hash.Hex(), returned.Hex())
		sub.OpHash = returned
	}
	log.Printf("level=info component=redeemer msg=\"user operation submitted\" chain_id=%d op_hash=%s nonce=%s", chainID, sub.OpHash.Hex(), nonce.String())
	return sub, nil
}

// WaitForReceipt polls until the operation settles or the settlement timeout passes.
// A reverted operation returns its receipt together with the classified error.
func (r *Redeemer) WaitForReceipt(ctx context.Context, sub Submission) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.settlementTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.Status(waitCtx, sub)
		switch {
		case err == nil:
			return receipt, nil
		case receipt != nil:
			return receipt, err
		case errors.Is(err, ErrUnsupportedChain):
			return nil, err
		case !errors.Is(err, ErrReceiptPending):
			log.Printf("level=warn component=redeemer msg=\"receipt poll failed\" chain_id=%d op_hash=%s err=%v", sub.ChainID, sub.OpHash.Hex(), err)
		}

		select {
		case <-waitCtx.Done():
			return nil, &SettlementUnknownError{OpHash: sub.OpHash, Cause: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

// Status reads the receipt once. It returns ErrReceiptPending while unsettled.
func (r *Redeemer) Status(ctx context.Context, sub Submission) (*Receipt, error) {
	backend, err := r.backend(sub.ChainID)
	if err != nil {
		return nil, err
	}
	receipt, err := backend.Bundler.GetUserOperationReceipt(ctx, sub.OpHash)
	if err != nil {
		return nil, fmt.Errorf("fetch user operation receipt: %w", err)
	}
	if receipt == nil {
		return nil, ErrReceiptPending
	}
	if !receipt.Success {
		return receipt, classifyRevert(decodeRevertData(receipt.Reason))
	}
	return receipt, nil
}

func (r *Redeemer) backend(chainID int64) (Backend, error) {
	backend, ok := r.backends[chainID]
	if !ok {
		return Backend{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return backend, nil
}

// nonce reads the next sequence for key from the EntryPoint. Distinct keys let
// operations for different attempts proceed in parallel.
func (r *Redeemer) nonce(ctx context.Context, backend Backend, key *big.Int) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", r.account, orZero(key))
	if err != nil {
		return nil, fmt.Errorf("encode getNonce: %w", err)
	}
	entryPoint := backend.EntryPoint
	out, err := backend.Chain.CallContract(ctx, gethcore.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("read entry point nonce: %w", err)
	}
	values, err := entryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("decode entry point nonce: %w", err)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode entry point nonce: unexpected type %T", values[0])
	}
	return nonce, nil
}

func fees(ctx context.Context, chain ChainReader) (*big.Int, *big.Int, error) {
	tip, err := chain.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("read latest header: %w", err)
	}
	maxFee := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		maxFee.Add(maxFee, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, maxFee, nil
}

// withBuffer pads a gas estimate by 20%.
func withBuffer(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(12))
	return out.Div(out, big.NewInt(10))
}
