// Command frostbyte is the process entrypoint: depending on the ROLES
// environment variable it runs a fetcher, a set of indexer schedulers, or
// both, against every chain named in the configuration file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/config"
	"github.com/containerman17/frostbyte/internal/fetch"
	"github.com/containerman17/frostbyte/internal/index"
	"github.com/containerman17/frostbyte/internal/index/plugins/erc20transfers"
	"github.com/containerman17/frostbyte/internal/logger"
	"github.com/containerman17/frostbyte/internal/rpcclient"
	"github.com/containerman17/frostbyte/internal/store"
)

// indexBlocksStore adapts *store.Store to index.BlocksStore: the two
// packages each define their own TxBatch-shaped type to avoid an
// import-cycle between store and index, so this translates between them.
type indexBlocksStore struct {
	*store.Store
}

func (s indexBlocksStore) GetTxBatch(ctx context.Context, greaterThanTxNum int64, limit int, includeTraces bool, filterTopics [][]byte) (*index.Batch, error) {
	b, err := s.Store.GetTxBatch(ctx, greaterThanTxNum, limit, includeTraces, filterTopics)
	if err != nil {
		return nil, err
	}
	return &index.Batch{Txs: b.Txs, Traces: b.Traces, MaxTxNum: b.MaxTxNum}, nil
}

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	roles := config.EnvRoles()
	log.Info("starting frostbyte",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("roles", roles),
		zap.Int("chains", len(cfg.Chains)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	lookahead := index.NewLookaheadManager(log)

	var wg sync.WaitGroup
	errChan := make(chan error, len(cfg.Chains)*2+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		lookahead.Run(ctx)
	}()

	for _, chainCfg := range cfg.Chains {
		chainLog := log.With(zap.String("chain", chainCfg.BlockchainID))

		blocksStore, err := openChainStore(cfg.DataDir, chainCfg, roles, chainLog)
		if err != nil {
			chainLog.Error("failed to open chain store", zap.Error(err))
			cancel()
			break
		}
		defer blocksStore.Close()

		rpc, err := rpcclient.New(&rpcclient.Config{
			RpcUrl:                chainCfg.RPC.RpcUrl,
			RequestBatchSize:      chainCfg.RPC.RequestBatchSize,
			MaxConcurrentRequests: chainCfg.RPC.MaxConcurrentRequests,
			Rps:                   chainCfg.RPC.Rps,
			MaxRetries:            chainCfg.RPC.MaxRetries,
			RetryDelay:            chainCfg.RPC.RetryDelay,
			Timeout:               chainCfg.RPC.Timeout,
		}, chainLog)
		if err != nil {
			chainLog.Error("failed to create rpc client", zap.Error(err))
			cancel()
			break
		}

		if hasRole(roles, "fetcher") {
			fetcher, err := fetch.New(rpc, &fetch.Config{
				RPCSupportsDebug:      chainCfg.RPC.RpcSupportsDebug,
				BlocksPerBatch:        chainCfg.RPC.BlocksPerBatch,
				MinBlocksPerBatch:     chainCfg.RPC.MinBlocksPerBatch,
				EnableBatchSizeGrowth: chainCfg.RPC.EnableBatchSizeGrowth,
			}, chainLog)
			if err != nil {
				chainLog.Error("failed to create fetcher", zap.Error(err))
				cancel()
				break
			}

			loop := fetch.NewFetchLoop(fetcher, blocksStore, fetch.DefaultLoopConfig(), chainLog)
			wg.Add(1)
			go func(chainName string) {
				defer wg.Done()
				if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
					chainLog.Error("fetch loop stopped with error", zap.Error(err))
					errChan <- fmt.Errorf("chain %s: fetch loop: %w", chainName, err)
				}
			}(chainCfg.BlockchainID)
		}

		if hasRole(roles, "indexer") {
			indexDir := filepath.Join(cfg.DataDir, chainCfg.BlockchainID, "indexers")
			if err := os.MkdirAll(indexDir, 0o755); err != nil {
				chainLog.Error("failed to create indexer data dir", zap.Error(err))
				cancel()
				break
			}

			plugins := []index.Plugin{erc20transfers.New()}
			for _, plugin := range plugins {
				sched, err := index.NewScheduler(plugin, indexBlocksStore{blocksStore}, lookahead, indexDir, chainCfg.RPC.RpcSupportsDebug, index.DefaultSchedulerConfig(), chainLog)
				if err != nil {
					chainLog.Error("failed to create indexer scheduler", zap.String("indexer", plugin.Name()), zap.Error(err))
					cancel()
					break
				}
				defer sched.Close()

				wg.Add(1)
				go func(chainName, indexerName string) {
					defer wg.Done()
					if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
						chainLog.Error("indexer scheduler stopped with error", zap.String("indexer", indexerName), zap.Error(err))
						errChan <- fmt.Errorf("chain %s: indexer %s: %w", chainName, indexerName, err)
					}
				}(chainCfg.BlockchainID, plugin.Name())
			}
		}
	}

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		log.Error("a component stopped unexpectedly, shutting down", zap.Error(err))
		cancel()
	case <-ctx.Done():
	}

	wg.Wait()
	log.Info("frostbyte stopped")
}

// loadConfig reads CONFIG_FILE (defaulting to "config.yaml" in the
// working directory) and applies environment overrides.
func loadConfig() (*config.Config, error) {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err != nil {
		configFile = ""
	}
	return config.Load(configFile)
}

func initLogger(level, format string) (*zap.Logger, error) {
	if format == "console" {
		return logger.NewWithConfig(&logger.Config{
			Level:       level,
			Encoding:    "console",
			Development: true,
		})
	}
	return logger.NewWithConfig(&logger.Config{
		Level:    level,
		Encoding: "json",
	})
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// openChainStore opens the chain's BlocksStore read-only unless this
// process also runs the fetcher role, since only the fetcher writes.
func openChainStore(dataDir string, chainCfg config.ChainConfig, roles []string, log *zap.Logger) (*store.Store, error) {
	dir := filepath.Join(dataDir, chainCfg.BlockchainID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chain data dir: %w", err)
	}

	suffix := ""
	if !chainCfg.RPC.RpcSupportsDebug {
		suffix = "_nodebug"
	}
	storeCfg := store.DefaultConfig(filepath.Join(dir, fmt.Sprintf("blocks%s.db", suffix)))
	storeCfg.ReadOnly = !hasRole(roles, "fetcher")

	s, err := store.Open(storeCfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}
