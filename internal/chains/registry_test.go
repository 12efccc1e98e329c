package chains

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
chains:
  base:
    chain_id: 8453
    rpc_url: https://mainnet.base.org
    bundler_url: https://bundler.example/base
    entry_point: "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
    delegation_manager: "0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3"
    tokens:
      - symbol: USDC
        address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
        decimals: 6
      - symbol: ETH
        address: "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
        decimals: 18
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefinitions_EmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty chain map, got %#v", defs.Chains)
	}
}

func TestRegistry_ResolveToken(t *testing.T) {
	registry, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, err := registry.ResolveToken(8453, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	if err != nil {
		t.Fatalf("expected lowercase address to resolve, got %v", err)
	}
	if token.Symbol != "USDC" || token.Decimals != 6 {
		t.Fatalf("expected USDC/6, got %s/%d", token.Symbol, token.Decimals)
	}
	if token.Address != "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" {
		t.Fatalf("expected checksummed address, got %s", token.Address)
	}

	native, err := registry.ResolveToken(8453, NativeTokenAddress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsNative(native) {
		t.Fatalf("expected native token to be detected")
	}

	if _, err := registry.ResolveToken(8453, "0x0000000000000000000000000000000000000001"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := registry.ResolveToken(8453, "usdc"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken for malformed address, got %v", err)
	}
	if _, err := registry.ResolveToken(1, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestRegistry_Chain(t *testing.T) {
	registry, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chain, err := registry.Chain(8453)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chain.Name != "base" || chain.BundlerURL != "https://bundler.example/base" {
		t.Fatalf("unexpected chain: %#v", chain)
	}
	if chain.EntryPoint.Hex() != "0x0000000071727De22E5E9d8BAf0edAc6f37da032" {
		t.Fatalf("unexpected entry point %s", chain.EntryPoint.Hex())
	}
	if len(registry.Chains()) != 1 {
		t.Fatalf("expected 1 chain, got %d", len(registry.Chains()))
	}
}

func TestNewRegistry_RejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		defs Definitions
	}{
		{
			name: "missing chain id",
			defs: Definitions{Chains: map[string]Definition{"x": {EntryPoint: "0x0000000071727De22E5E9d8BAf0edAc6f37da032", DelegationManager: "0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3"}}},
		},
		{
			name: "bad entry point",
			defs: Definitions{Chains: map[string]Definition{"x": {ChainID: 1, EntryPoint: "nope", DelegationManager: "0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3"}}},
		},
		{
			name: "bad token address",
			defs: Definitions{Chains: map[string]Definition{"x": {
				ChainID:           1,
				EntryPoint:        "0x0000000071727De22E5E9d8BAf0edAc6f37da032",
				DelegationManager: "0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3",
				Tokens:            []TokenDefinition{{Symbol: "BAD", Address: "0x12", Decimals: 6}},
			}}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.defs); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
