package fetch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/chain"
)

// BlocksStore is the subset of store.Store the FetchLoop needs, kept as
// an interface so the loop is testable against a fake.
type BlocksStore interface {
	GetLastStoredBlockNumber(ctx context.Context) (int64, error)
	SetBlockchainLatestBlockNum(ctx context.Context, n uint64) error
	SetCaughtUp(ctx context.Context, caughtUp bool) error
	StoreBlocks(ctx context.Context, blocks []*chain.FetchedBlock) error
	PerformCompressionMaintenance(ctx context.Context) error
	PerformBlockCompressionMaintenance(ctx context.Context) error
}

// LoopConfig configures a FetchLoop's timing.
type LoopConfig struct {
	TipRefreshInterval time.Duration
	IdleSleep          time.Duration
	ErrorBackoff       time.Duration
	MaxErrorBackoff    time.Duration
}

func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		TipRefreshInterval: time.Second,
		IdleSleep:          500 * time.Millisecond,
		ErrorBackoff:       time.Second,
		MaxErrorBackoff:    30 * time.Second,
	}
}

// FetchLoop drives a Fetcher continuously against one BlocksStore,
// tracking the chain tip and opportunistically triggering compression
// maintenance on the catch-up transition.
type FetchLoop struct {
	fetcher *Fetcher
	store   BlocksStore
	cfg     *LoopConfig
	logger  *zap.Logger

	tip          uint64
	lastTipFetch time.Time
	wasCaughtUp  bool
}

func NewFetchLoop(fetcher *Fetcher, store BlocksStore, cfg *LoopConfig, logger *zap.Logger) *FetchLoop {
	if cfg == nil {
		cfg = DefaultLoopConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FetchLoop{fetcher: fetcher, store: store, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled. It honors cooperative cancellation
// between iterations; an in-flight fetch is allowed to complete (or fail
// cleanly) before exit.
func (l *FetchLoop) Run(ctx context.Context) error {
	errorBackoff := l.cfg.ErrorBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.tick(ctx); err != nil {
			l.logger.Error("fetch loop iteration failed", zap.Error(err), zap.Duration("backoff", errorBackoff))
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			errorBackoff *= 2
			if errorBackoff > l.cfg.MaxErrorBackoff {
				errorBackoff = l.cfg.MaxErrorBackoff
			}
			continue
		}
		errorBackoff = l.cfg.ErrorBackoff
	}
}

func (l *FetchLoop) tick(ctx context.Context) error {
	if time.Since(l.lastTipFetch) >= l.cfg.TipRefreshInterval {
		tip, err := l.fetcher.GetCurrentBlockNumber(ctx)
		if err != nil {
			return err
		}
		l.tip = tip
		l.lastTipFetch = time.Now()
		if err := l.store.SetBlockchainLatestBlockNum(ctx, tip); err != nil {
			return err
		}
	}

	lastStored, err := l.store.GetLastStoredBlockNumber(ctx)
	if err != nil {
		return err
	}

	h := uint64(0)
	hEmpty := lastStored < 0
	if !hEmpty {
		h = uint64(lastStored)
	}

	caughtUp := !hEmpty && h >= l.tip
	if hEmpty {
		caughtUp = false
	}

	if caughtUp {
		if !l.wasCaughtUp {
			if err := l.onCaughtUpTransition(ctx); err != nil {
				return err
			}
		}
		l.wasCaughtUp = true
		time.Sleep(l.cfg.IdleSleep)
		return nil
	}
	l.wasCaughtUp = false

	start := h + 1
	if hEmpty {
		start = 0
	}
	batchSize := uint64(l.fetcher.CurrentBatchSize())
	end := start + batchSize - 1
	if end > l.tip {
		end = l.tip
	}

	numbers := make([]uint64, 0, end-start+1)
	for n := start; n <= end; n++ {
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		time.Sleep(l.cfg.IdleSleep)
		return nil
	}

	blocks, err := l.fetcher.GetBlocksWithReceipts(ctx, numbers)
	if err != nil {
		return err
	}

	return l.store.StoreBlocks(ctx, blocks)
}

func (l *FetchLoop) onCaughtUpTransition(ctx context.Context) error {
	if err := l.store.SetCaughtUp(ctx, true); err != nil {
		return err
	}
	if err := l.store.PerformCompressionMaintenance(ctx); err != nil {
		return err
	}
	if err := l.store.PerformBlockCompressionMaintenance(ctx); err != nil {
		return err
	}
	l.logger.Info("fetch loop caught up with chain tip", zap.Uint64("tip", l.tip))
	return nil
}
