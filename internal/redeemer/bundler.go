package redeemer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Bundler is the ERC-4337 relay surface the redeemer needs.
type Bundler interface {
	EstimateUserOperationGas(ctx context.Context, op *UserOperation) (*GasEstimate, error)
	SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, opHash common.Hash) (*Receipt, error)
}

// ChainReader is the subset of ethclient used to read nonces and fees.
type ChainReader interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// BundlerClient speaks the bundler JSON-RPC API for one EntryPoint.
type BundlerClient struct {
	rpc        *gethrpc.Client
	entryPoint common.Address
}

// DialBundler connects to a bundler endpoint.
func DialBundler(ctx context.Context, url string, entryPoint common.Address) (*BundlerClient, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("bundler url is empty")
	}
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial bundler: %w", err)
	}
	return &BundlerClient{rpc: client, entryPoint: entryPoint}, nil
}

// Close releases the connection.
func (c *BundlerClient) Close() {
	c.rpc.Close()
}

func (c *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation) (*GasEstimate, error) {
	var estimate GasEstimate
	if err := c.rpc.CallContext(ctx, &estimate, "eth_estimateUserOperationGas", op, c.entryPoint); err != nil {
		return nil, err
	}
	return &estimate, nil
}

func (c *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// GetUserOperationReceipt returns nil without error while the operation is unsettled.
func (c *BundlerClient) GetUserOperationReceipt(ctx context.Context, opHash common.Hash) (*Receipt, error) {
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, "eth_getUserOperationReceipt", opHash); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode user operation receipt: %w", err)
	}
	return &receipt, nil
}

// DialChain connects an ethclient to a node RPC endpoint.
func DialChain(ctx context.Context, url string) (*ethclient.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("chain rpc url is empty")
	}
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return ethclient.NewClient(rpcClient), nil
}
