// Package config loads Frostbyte's startup configuration: an ordered
// list of chains to index, each with its own RPC endpoint and tuning
// knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/containerman17/frostbyte/internal/constants"
)

// Config is the top-level configuration document, loaded from a single
// YAML file named by the CONFIG_FILE environment variable (or
// "config.yaml" in the working directory by default).
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Chains  []ChainConfig `yaml:"chains"`
	Log     LogConfig     `yaml:"log"`
}

// ChainConfig describes one blockchain this process can fetch and index.
type ChainConfig struct {
	// Name is a human-readable label, used only in logs.
	Name string `yaml:"name"`
	// BlockchainID is the opaque identifier persisted as the per-chain
	// data directory name (DATA_DIR/<blockchainId>/...).
	BlockchainID string `yaml:"blockchain_id"`
	// ChainID is the EVM chain id.
	ChainID uint64    `yaml:"chain_id"`
	RPC     RPCConfig `yaml:"rpc"`
}

// RPCConfig configures RpcClient and BatchFetcher for one chain.
type RPCConfig struct {
	RpcUrl                string        `yaml:"rpc_url"`
	RequestBatchSize      int           `yaml:"request_batch_size"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	Rps                   int           `yaml:"rps"`
	RpcSupportsDebug      bool          `yaml:"rpc_supports_debug"`
	BlocksPerBatch        int           `yaml:"blocks_per_batch"`
	MinBlocksPerBatch     int           `yaml:"min_blocks_per_batch"`
	EnableBatchSizeGrowth bool          `yaml:"enable_batch_size_growth"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	Timeout               time.Duration `yaml:"timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewConfig returns a Config with every default filled in.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields with Frostbyte's defaults.
// Called after file and environment loading so an explicit zero in the
// file is indistinguishable from "unset" for these fields, matching the
// teacher's SetDefaults convention.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = constants.DefaultDataDir
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	for i := range c.Chains {
		c.Chains[i].RPC.setDefaults()
	}
}

func (r *RPCConfig) setDefaults() {
	if r.RequestBatchSize == 0 {
		r.RequestBatchSize = constants.DefaultRequestBatchSize
	}
	if r.MaxConcurrentRequests == 0 {
		r.MaxConcurrentRequests = constants.DefaultMaxConcurrentRequests
	}
	if r.Rps == 0 {
		r.Rps = constants.DefaultRps
	}
	if r.BlocksPerBatch == 0 {
		r.BlocksPerBatch = constants.DefaultBlocksPerBatch
	}
	if r.MinBlocksPerBatch == 0 {
		r.MinBlocksPerBatch = constants.DefaultMinBlocksPerBatch
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = constants.DefaultMaxRetries
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = constants.DefaultRetryDelay
	}
	if r.Timeout == 0 {
		r.Timeout = constants.DefaultRPCTimeout
	}
}

// LoadFromFile reads and merges a YAML configuration file into c.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("config: reading file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing file: %w", err)
	}
	return nil
}

// LoadFromEnv applies environment-variable overrides recognized by the
// process supervisor contract. DATA_DIR overrides the whole config's data
// directory; the rest (ROLES, CHAIN_ID, INDEXER_NAME, PORT) select which
// part of the config a given process instance acts on and are read
// directly by cmd/frostbyte rather than mutating Config.
func (c *Config) LoadFromEnv() error {
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.DataDir = dataDir
	}
	if level := os.Getenv("FROSTBYTE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("FROSTBYTE_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	return nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	seen := make(map[string]bool, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.BlockchainID == "" {
			return fmt.Errorf("chain %d: blockchain_id is required", i)
		}
		if seen[chain.BlockchainID] {
			return fmt.Errorf("chain %d: duplicate blockchain_id %q", i, chain.BlockchainID)
		}
		seen[chain.BlockchainID] = true

		if chain.ChainID == 0 {
			return fmt.Errorf("chain %q: chain_id must be positive", chain.BlockchainID)
		}
		if err := chain.RPC.validate(); err != nil {
			return fmt.Errorf("chain %q: %w", chain.BlockchainID, err)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	return nil
}

func (r *RPCConfig) validate() error {
	if r.RpcUrl == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if !strings.HasPrefix(r.RpcUrl, "https://") && !strings.HasPrefix(r.RpcUrl, "http://") {
		return fmt.Errorf("rpc_url must be an http(s) URL")
	}
	if r.RequestBatchSize <= 0 {
		return fmt.Errorf("request_batch_size must be positive")
	}
	if r.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	if r.Rps <= 0 {
		return fmt.Errorf("rps must be positive")
	}
	if r.BlocksPerBatch <= 0 {
		return fmt.Errorf("blocks_per_batch must be positive")
	}
	if r.MinBlocksPerBatch <= 0 || r.MinBlocksPerBatch > r.BlocksPerBatch {
		return fmt.Errorf("min_blocks_per_batch must be positive and at most blocks_per_batch")
	}
	return nil
}

// EnvRoles parses the ROLES environment variable into its component
// role names, defaulting to every role when unset.
func EnvRoles() []string {
	raw := os.Getenv("ROLES")
	if raw == "" {
		return []string{"fetcher", "indexer", "api"}
	}
	roles := make([]string, 0)
	for _, r := range strings.Split(raw, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// EnvPort returns the PORT environment variable as an int, or def if
// unset or invalid.
func EnvPort(def int) int {
	raw := os.Getenv("PORT")
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}

// Load loads configuration in order: defaults, then file, then
// environment overrides, then defaults again for anything still unset,
// then validation.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("config: loading file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}
