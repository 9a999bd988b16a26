package fetch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/chain"
)

type fakeBlocksStore struct {
	lastStored           atomic.Int64
	storeCalls           atomic.Int32
	compressionCalls     atomic.Int32
	blockCompressionCalls atomic.Int32
	caughtUp             atomic.Bool
	tip                  atomic.Uint64

	storeErr error
}

func newFakeBlocksStore() *fakeBlocksStore {
	s := &fakeBlocksStore{}
	s.lastStored.Store(-1)
	return s
}

func (s *fakeBlocksStore) GetLastStoredBlockNumber(ctx context.Context) (int64, error) {
	return s.lastStored.Load(), nil
}

func (s *fakeBlocksStore) SetBlockchainLatestBlockNum(ctx context.Context, n uint64) error {
	s.tip.Store(n)
	return nil
}

func (s *fakeBlocksStore) SetCaughtUp(ctx context.Context, caughtUp bool) error {
	s.caughtUp.Store(caughtUp)
	return nil
}

func (s *fakeBlocksStore) StoreBlocks(ctx context.Context, blocks []*chain.FetchedBlock) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	s.storeCalls.Add(1)
	s.lastStored.Store(int64(blocks[len(blocks)-1].Block.Number))
	return nil
}

func (s *fakeBlocksStore) PerformCompressionMaintenance(ctx context.Context) error {
	s.compressionCalls.Add(1)
	return nil
}

func (s *fakeBlocksStore) PerformBlockCompressionMaintenance(ctx context.Context) error {
	s.blockCompressionCalls.Add(1)
	return nil
}

func TestFetchLoop_CaughtUpTransitionTriggersMaintenance(t *testing.T) {
	store := newFakeBlocksStore()
	store.lastStored.Store(10)
	loop := &FetchLoop{store: store, cfg: DefaultLoopConfig(), logger: zap.NewNop()}
	loop.tip = 10

	require.NoError(t, loop.onCaughtUpTransition(context.Background()))

	assert.True(t, store.caughtUp.Load())
	assert.Equal(t, int32(1), store.compressionCalls.Load())
	assert.Equal(t, int32(1), store.blockCompressionCalls.Load())
}

func TestFetchLoop_TickSleepsWhenCaughtUp(t *testing.T) {
	store := newFakeBlocksStore()
	store.lastStored.Store(10)
	cfg := DefaultLoopConfig()
	cfg.IdleSleep = 0
	loop := &FetchLoop{store: store, cfg: cfg, logger: zap.NewNop()}
	loop.tip = 10
	loop.lastTipFetch = time.Now()

	err := loop.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, loop.wasCaughtUp)
	assert.Equal(t, int32(1), store.compressionCalls.Load())
}
