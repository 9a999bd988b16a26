package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()
	if cfg.DataDir == "" {
		t.Error("expected a default data dir")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected default log format 'json', got %q", cfg.Log.Format)
	}
}

func validChain() ChainConfig {
	return ChainConfig{
		Name:         "local",
		BlockchainID: "local-1",
		ChainID:      1337,
		RPC: RPCConfig{
			RpcUrl: "http://localhost:8545",
		},
	}
}

func TestRPCConfig_DefaultsFilled(t *testing.T) {
	cfg := &Config{Chains: []ChainConfig{validChain()}}
	cfg.SetDefaults()

	rpc := cfg.Chains[0].RPC
	if rpc.RequestBatchSize <= 0 {
		t.Error("expected a positive default request batch size")
	}
	if rpc.MaxConcurrentRequests <= 0 {
		t.Error("expected a positive default max concurrent requests")
	}
	if rpc.Rps <= 0 {
		t.Error("expected a positive default rps")
	}
	if rpc.BlocksPerBatch <= 0 {
		t.Error("expected a positive default blocks per batch")
	}
	if rpc.MinBlocksPerBatch <= 0 {
		t.Error("expected a positive default min blocks per batch")
	}
}

func TestValidate_RequiresAtLeastOneChain(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a config with no chains")
	}
}

func TestValidate_RejectsDuplicateBlockchainID(t *testing.T) {
	cfg := NewConfig()
	cfg.Chains = []ChainConfig{validChain(), validChain()}
	cfg.SetDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for duplicate blockchain_id")
	}
}

func TestValidate_RejectsMissingRpcUrl(t *testing.T) {
	cfg := NewConfig()
	chain := validChain()
	chain.RPC.RpcUrl = ""
	cfg.Chains = []ChainConfig{chain}
	cfg.SetDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for missing rpc_url")
	}
}

func TestValidate_RejectsNonHTTPRpcUrl(t *testing.T) {
	cfg := NewConfig()
	chain := validChain()
	chain.RPC.RpcUrl = "ws://localhost:8545"
	cfg.Chains = []ChainConfig{chain}
	cfg.SetDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a non-http(s) rpc_url")
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := NewConfig()
	cfg.Chains = []ChainConfig{validChain()}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected a well-formed config to validate, got: %v", err)
	}
}

func TestLoadFromFile_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
data_dir: /tmp/frostbyte-data
chains:
  - name: local
    blockchain_id: local-1
    chain_id: 1337
    rpc:
      rpc_url: http://localhost:8545
      rpc_supports_debug: true
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.DataDir != "/tmp/frostbyte-data" {
		t.Errorf("expected data_dir to be parsed, got %q", cfg.DataDir)
	}
	if len(cfg.Chains) != 1 {
		t.Fatalf("expected 1 chain, got %d", len(cfg.Chains))
	}
	if cfg.Chains[0].RPC.RpcUrl != "http://localhost:8545" {
		t.Errorf("expected rpc_url to be parsed, got %q", cfg.Chains[0].RPC.RpcUrl)
	}
	if !cfg.Chains[0].RPC.RpcSupportsDebug {
		t.Error("expected rpc_supports_debug to be parsed as true")
	}
}

func TestLoadFromEnv_DataDirOverride(t *testing.T) {
	t.Setenv("DATA_DIR", "/override/data")
	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DataDir != "/override/data" {
		t.Errorf("expected DATA_DIR override, got %q", cfg.DataDir)
	}
}

func TestEnvRoles_DefaultsToAllRoles(t *testing.T) {
	roles := EnvRoles()
	if len(roles) != 3 {
		t.Errorf("expected 3 default roles, got %v", roles)
	}
}

func TestEnvRoles_ParsesCommaSeparatedList(t *testing.T) {
	t.Setenv("ROLES", "fetcher, indexer")
	roles := EnvRoles()
	if len(roles) != 2 || roles[0] != "fetcher" || roles[1] != "indexer" {
		t.Errorf("unexpected roles: %v", roles)
	}
}

func TestEnvPort_FallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	if got := EnvPort(8080); got != 8080 {
		t.Errorf("expected fallback port 8080, got %d", got)
	}
}

func TestEnvPort_ParsesValidValue(t *testing.T) {
	t.Setenv("PORT", "9090")
	if got := EnvPort(8080); got != 9090 {
		t.Errorf("expected parsed port 9090, got %d", got)
	}
}
