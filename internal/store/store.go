// Package store implements Frostbyte's BlocksStore: an append-only,
// content-addressed embedded datastore holding blocks, transactions,
// receipts, traces and a topic index, backed by PebbleDB the same way the
// teacher repo's storage package is.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/chain"
)

// Sentinel errors.
var (
	ErrNotFound         = errors.New("store: not found")
	ErrClosed           = errors.New("store: closed")
	ErrReadOnly         = errors.New("store: read-only")
	ErrEmptyBatch       = errors.New("store: empty batch")
	ErrNotContiguous    = errors.New("store: batch is not contiguous with the stored tip")
	ErrHasDebugMismatch = errors.New("store: hasDebug does not match the value bound at first write")
	ErrReceiptMismatch  = errors.New("store: block tx count and receipt count disagree")
	ErrTraceMismatch    = errors.New("store: trace count does not match tx count for a debug-enabled block")
	ErrParentMismatch   = errors.New("store: block parentHash does not match the stored hash of the preceding block")
)

// DefaultCompressionBatchSize is the suggested batch size for compression
// maintenance.
const DefaultCompressionBatchSize = 100_000

// DefaultDictCacheEvictInterval clears the in-memory dictionary cache on
// this cadence so long-running readers cannot pin arbitrary memory.
const DefaultDictCacheEvictInterval = 60 * time.Second

// Config configures a Store.
type Config struct {
	Path     string
	ReadOnly bool

	CacheMB          int
	MaxOpenFiles     int
	WriteBufferMB    int
	DisableWAL       bool
	CompactionLimit  int

	// CompressionBatchSize is the number of records processed by one
	// performCompressionMaintenance call.
	CompressionBatchSize uint64
	// SampleEveryNth controls dictionary-training sampling density;
	// 1 means every record in the batch is sampled.
	SampleEveryNth int
	// DictCacheEvictInterval clears the dictionary cache on this cadence;
	// zero disables the periodic clearing.
	DictCacheEvictInterval time.Duration
}

// DefaultConfig returns sane defaults for a store rooted at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:                   path,
		CacheMB:                128,
		MaxOpenFiles:           1000,
		WriteBufferMB:          64,
		CompactionLimit:        2,
		CompressionBatchSize:   DefaultCompressionBatchSize,
		SampleEveryNth:         1,
		DictCacheEvictInterval: DefaultDictCacheEvictInterval,
	}
}

func (c *Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if c.CompressionBatchSize == 0 {
		c.CompressionBatchSize = DefaultCompressionBatchSize
	}
	if c.SampleEveryNth <= 0 {
		c.SampleEveryNth = 1
	}
	if c.DictCacheEvictInterval < 0 {
		c.DictCacheEvictInterval = DefaultDictCacheEvictInterval
	}
	return nil
}

// ReadAPI is the narrow surface an external read-serving process compiles
// against, rather than depending on *Store directly — the same way the
// teacher's api package only ever talks to storage.Storage through an
// interface instead of the concrete *PebbleStorage.
type ReadAPI interface {
	GetLastStoredBlockNumber(ctx context.Context) (int64, error)
	GetBlockchainLatestBlockNum(ctx context.Context) (uint64, error)
	GetTxCount(ctx context.Context) (uint64, error)
	GetHasDebug(ctx context.Context) (int, error)
	GetBlockByNumber(ctx context.Context, number uint64) (*chain.Block, error)
	SlowGetBlockWithTransactions(ctx context.Context, numberOrHash interface{}) (*BlockWithTransactions, error)
	GetTxReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	SlowGetBlockTraces(ctx context.Context, number uint64) ([]*chain.Trace, error)
	GetTxBatch(ctx context.Context, greaterThanTxNum int64, limit int, includeTraces bool, filterTopics [][]byte) (*TxBatch, error)
}

var _ ReadAPI = (*Store)(nil)

// Store is the embedded BlocksStore: blocks keyed by number, txs keyed by
// an auto-incrementing txNum, a hash-prefix lookup index, a topic-prefix
// index, and a small catalog, all on top of one *pebble.DB.
type Store struct {
	db     *pebble.DB
	cfg    *Config
	logger *zap.Logger
	closed atomic.Bool

	// writeMu serializes StoreBlocks so a store instance is safe to call
	// concurrently even though callers are expected to serialize writes
	// per chain themselves.
	writeMu sync.Mutex

	lastStoredBlock atomic.Int64 // -1 when empty
	txCount         atomic.Uint64
	hasDebug        atomic.Int32 // -1 unset, 0 or 1 once bound

	// lastStoredHash is the hash of the block at lastStoredBlock, used to
	// refuse a fetched block whose parentHash disagrees with it (the
	// spec's conservative reorg policy: refuse and require external
	// reconciliation rather than unwind). Guarded by writeMu, the same
	// lock that serializes StoreBlocks.
	lastStoredHash common.Hash

	lastCompressedTxBatch    atomic.Int64 // -1 none compressed yet
	lastCompressedBlockBatch atomic.Int64 // -1 none compressed yet

	dicts *dictCache
}

// Open opens (or creates) a Store at cfg.Path.
func Open(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &pebble.Options{
		Cache:                    pebble.NewCache(int64(cfg.CacheMB) << 20),
		MaxOpenFiles:             cfg.MaxOpenFiles,
		MemTableSize:             uint64(cfg.WriteBufferMB) << 20,
		DisableWAL:               cfg.DisableWAL,
		MaxConcurrentCompactions: func() int { return max1(cfg.CompactionLimit) },
		ReadOnly:                 cfg.ReadOnly,
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger,
		dicts:  newDictCache(cfg.DictCacheEvictInterval),
	}
	s.lastStoredBlock.Store(-1)
	s.hasDebug.Store(-1)
	s.lastCompressedTxBatch.Store(-1)
	s.lastCompressedBlockBatch.Store(-1)

	if err := s.loadCatalog(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	return s, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (s *Store) loadCatalog() error {
	if v, ok, err := s.getCatInt(catLastStoredBlockNum); err != nil {
		return err
	} else if ok {
		s.lastStoredBlock.Store(int64(v))
	}

	if v, ok, err := s.getCatInt(catTxCount); err != nil {
		return err
	} else if ok {
		s.txCount.Store(v)
	}

	if v, ok, err := s.getCatInt(catHasDebug); err != nil {
		return err
	} else if ok {
		s.hasDebug.Store(int32(int64(v)))
	}

	if v, ok, err := s.getCatInt(catLastCompressedTx); err != nil {
		return err
	} else if ok {
		s.lastCompressedTxBatch.Store(int64(v))
	}

	if v, ok, err := s.getCatInt(catLastCompressedBlk); err != nil {
		return err
	} else if ok {
		s.lastCompressedBlockBatch.Store(int64(v))
	}

	if v, ok, err := s.getCatBlob(catBlobLastStoredHash); err != nil {
		return err
	} else if ok && len(v) == len(common.Hash{}) {
		s.lastStoredHash = common.BytesToHash(v)
	}

	return nil
}

func (s *Store) getCatBlob(name string) ([]byte, bool, error) {
	value, closer, err := s.db.Get(catBlobKey(name))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get catalog blob %s: %w", name, err)
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *Store) ensureOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) ensureWritable() error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.dicts.stop()
	return s.db.Close()
}

// GetLastStoredBlockNumber returns -1 if the store is empty.
func (s *Store) GetLastStoredBlockNumber(ctx context.Context) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	return s.lastStoredBlock.Load(), nil
}

// GetTxCount returns the total number of transactions ever stored.
func (s *Store) GetTxCount(ctx context.Context) (uint64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	return s.txCount.Load(), nil
}

// GetHasDebug returns -1 (unset), 0 or 1.
func (s *Store) GetHasDebug(ctx context.Context) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	return int(s.hasDebug.Load()), nil
}

// GetEvmChainID returns the bound chain id, or ok=false if unset.
func (s *Store) GetEvmChainID(ctx context.Context) (uint64, bool, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, false, err
	}
	return s.getCatInt(catEvmChainID)
}

// SetEvmChainID binds the chain id if not already bound.
func (s *Store) SetEvmChainID(ctx context.Context, id uint64) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if _, ok, err := s.getCatInt(catEvmChainID); err != nil {
		return err
	} else if ok {
		return nil
	}
	return s.setCatInt(catEvmChainID, id, pebble.Sync)
}

// GetBlockchainLatestBlockNum returns the cached chain tip written by the
// fetch loop.
func (s *Store) GetBlockchainLatestBlockNum(ctx context.Context) (uint64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	v, _, err := s.getCatInt(catBlockchainLatest)
	return v, err
}

// SetBlockchainLatestBlockNum updates the cached chain tip.
func (s *Store) SetBlockchainLatestBlockNum(ctx context.Context, n uint64) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}
	return s.setCatInt(catBlockchainLatest, n, pebble.NoSync)
}

// SetCaughtUp records whether the fetch loop considers itself caught up
// with the chain tip.
func (s *Store) SetCaughtUp(ctx context.Context, caughtUp bool) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}
	v := uint64(0)
	if caughtUp {
		v = 1
	}
	return s.setCatInt(catIsCaughtUp, v, pebble.NoSync)
}

func (s *Store) getCatInt(name string) (uint64, bool, error) {
	value, closer, err := s.db.Get(catIntKey(name))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get catalog %s: %w", name, err)
	}
	defer closer.Close()
	v, err := decodeUint64(value)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *Store) setCatInt(name string, v uint64, sync *pebble.WriteOptions) error {
	if err := s.db.Set(catIntKey(name), encodeUint64(v), sync); err != nil {
		return fmt.Errorf("set catalog %s: %w", name, err)
	}
	return nil
}
