// Package chains loads the chain and token list the service is allowed to operate on.
package chains

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/transfa/cardstack-service/internal/domain"
	"gopkg.in/yaml.v3"
)

// NativeTokenAddress is the placeholder address used for a chain's native currency.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

var (
	ErrUnknownChain = errors.New("chain is not configured")
	ErrUnknownToken = errors.New("token is not configured for chain")
)

// Definitions models the structure of the chain config file.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain.
type Definition struct {
	ChainID           int64             `yaml:"chain_id"`
	RPCURL            string            `yaml:"rpc_url"`
	BundlerURL        string            `yaml:"bundler_url"`
	EntryPoint        string            `yaml:"entry_point"`
	DelegationManager string            `yaml:"delegation_manager"`
	Tokens            []TokenDefinition `yaml:"tokens"`
}

// TokenDefinition is one entry of a chain's token list.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
// An empty path yields an empty set.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain config: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain config: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Chain is a validated chain entry.
type Chain struct {
	Name              string
	ChainID           int64
	RPCURL            string
	BundlerURL        string
	EntryPoint        common.Address
	DelegationManager common.Address
	tokens            map[common.Address]domain.TokenRef
}

// Registry resolves chains and tokens by chain id.
type Registry struct {
	chains map[int64]Chain
}

// NewRegistry validates definitions and indexes them by chain id.
func NewRegistry(defs Definitions) (*Registry, error) {
	chains := make(map[int64]Chain, len(defs.Chains))
	for name, def := range defs.Chains {
		if def.ChainID <= 0 {
			return nil, fmt.Errorf("chain %s: chain_id must be positive", name)
		}
		if _, dup := chains[def.ChainID]; dup {
			return nil, fmt.Errorf("chain %s: chain_id %d configured twice", name, def.ChainID)
		}
		for field, value := range map[string]string{"entry_point": def.EntryPoint, "delegation_manager": def.DelegationManager} {
			if !common.IsHexAddress(value) {
				return nil, fmt.Errorf("chain %s: %s %q is not an address", name, field, value)
			}
		}

		chain := Chain{
			Name:              name,
			ChainID:           def.ChainID,
			RPCURL:            strings.TrimSpace(def.RPCURL),
			BundlerURL:        strings.TrimSpace(def.BundlerURL),
			EntryPoint:        common.HexToAddress(def.EntryPoint),
			DelegationManager: common.HexToAddress(def.DelegationManager),
			tokens:            make(map[common.Address]domain.TokenRef, len(def.Tokens)),
		}
		for _, token := range def.Tokens {
			if !common.IsHexAddress(token.Address) {
				return nil, fmt.Errorf("chain %s: token %s address %q is not an address", name, token.Symbol, token.Address)
			}
			if token.Decimals < 0 || token.Decimals > 36 {
				return nil, fmt.Errorf("chain %s: token %s has invalid decimals %d", name, token.Symbol, token.Decimals)
			}
			address := common.HexToAddress(token.Address)
			chain.tokens[address] = domain.TokenRef{
				Address:  address.Hex(),
				Symbol:   strings.TrimSpace(token.Symbol),
				Decimals: token.Decimals,
			}
		}
		chains[def.ChainID] = chain
	}
	return &Registry{chains: chains}, nil
}

// Load reads path and builds a Registry from it.
func Load(path string) (*Registry, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(defs)
}

// Chain returns the chain with the given id.
func (r *Registry) Chain(chainID int64) (Chain, error) {
	chain, ok := r.chains[chainID]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return chain, nil
}

// Chains returns every configured chain ordered by id.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, 0, len(r.chains))
	for _, chain := range r.chains {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// ResolveToken looks a token address up in the chain's token list.
func (r *Registry) ResolveToken(chainID int64, address string) (domain.TokenRef, error) {
	chain, err := r.Chain(chainID)
	if err != nil {
		return domain.TokenRef{}, err
	}
	if !common.IsHexAddress(address) {
		return domain.TokenRef{}, fmt.Errorf("%w: %q", ErrUnknownToken, address)
	}
	token, ok := chain.tokens[common.HexToAddress(address)]
	if !ok {
		return domain.TokenRef{}, fmt.Errorf("%w: %s on chain %d", ErrUnknownToken, address, chainID)
	}
	return token, nil
}

// IsNative reports whether token stands for the chain's native currency.
func IsNative(token domain.TokenRef) bool {
	return strings.EqualFold(token.Address, NativeTokenAddress)
}
