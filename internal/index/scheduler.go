// Package index implements Frostbyte's IndexerScheduler: the driver that
// streams StoredTx batches out of a BlocksStore, through a pluggable
// extractor, into the plugin's own derived database.
package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/chain"
)

// Batch is the tx batch handed to a plugin's ExtractData, mirroring
// store.TxBatch without importing the store package's write-path types.
type Batch struct {
	Txs      []*chain.StoredTx
	Traces   map[uint64]*chain.Trace
	MaxTxNum uint64
}

// BlocksStore is the subset of store.Store an IndexerScheduler (and, by
// extension, a plugin's SaveExtractedData for enrichment reads) needs.
type BlocksStore interface {
	GetTxBatch(ctx context.Context, greaterThanTxNum int64, limit int, includeTraces bool, filterTopics [][]byte) (*Batch, error)
}

// Plugin is the contract every indexer implements. A Version bump changes
// the database file name, so the new version starts from a fresh, empty
// database; the previous version's file is left on disk and is not
// removed. DependencyVersions lets a plugin
// invalidate its schema when something it depends on (e.g. a shared ABI
// decoder) changes shape without bumping its own Version.
type Plugin interface {
	Name() string
	Version() int
	UsesTraces() bool
	FilterTopics() [][]byte
	DependencyVersions() []int

	// Initialize creates the plugin's own schema. Must be idempotent:
	// called every time the scheduler opens the database, fresh or not.
	Initialize(db *sql.DB) error

	// ExtractData is a pure transform from a tx batch to an arbitrary
	// derived record; it must not touch db or blocksStore.
	ExtractData(batch *Batch) (interface{}, error)

	// SaveExtractedData persists the value ExtractData returned. It runs
	// inside the same transaction as the cursor advance, so it receives
	// a *sql.Tx rather than the plugin's *sql.DB.
	SaveExtractedData(tx *sql.Tx, blocksStore BlocksStore, data interface{}) error
}

// ErrSchemaMismatch tags the log line emitted when a plugin's schema
// ordinal no longer matches the database on disk. It is never returned to
// a caller — the scheduler resolves the mismatch itself by wiping and
// reinitializing the plugin's database — but gives log consumers a
// stable, grep-able marker for the event.
var ErrSchemaMismatch = errors.New("index: schema ordinal mismatch")

const fetchLimit = 1000

// SchedulerConfig controls timing; defaults mirror the FetchLoop's idle
// and retry cadence since the two loops are siblings.
type SchedulerConfig struct {
	IdleSleep       time.Duration
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		IdleSleep:       500 * time.Millisecond,
		ErrorBackoff:    time.Second,
		MaxErrorBackoff: 30 * time.Second,
	}
}

// Scheduler drives one plugin against one BlocksStore. One Scheduler is
// created per (chain, indexer) pair by the process composition root.
type Scheduler struct {
	plugin      Plugin
	store       BlocksStore
	lookahead   *LookaheadManager
	cfg         *SchedulerConfig
	logger      *zap.Logger
	dbPath      string
	hasDebug    bool
	db          *sql.DB
	cursor      int64
}

// NewScheduler opens (creating or wiping as needed) the plugin's sqlite
// database at dbDir/indexing_<name>_v<version>[_nodebug].db, runs schema
// ordinal reconciliation, and loads the persisted cursor.
func NewScheduler(plugin Plugin, store BlocksStore, lookahead *LookaheadManager, dbDir string, hasDebug bool, cfg *SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	suffix := ""
	if !hasDebug {
		suffix = "_nodebug"
	}
	dbPath := filepath.Join(dbDir, fmt.Sprintf("indexing_%s_v%d%s.db", plugin.Name(), plugin.Version(), suffix))

	s := &Scheduler{
		plugin:    plugin,
		store:     store,
		lookahead: lookahead,
		cfg:       cfg,
		logger:    logger.With(zap.String("indexer", plugin.Name()), zap.Int("version", plugin.Version())),
		dbPath:    dbPath,
		hasDebug:  hasDebug,
	}

	if err := s.openAndReconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

func schemaOrdinal(plugin Plugin) string {
	h := sha256.New()
	h.Write([]byte(plugin.Name()))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(plugin.Version()))
	h.Write(buf[:])
	for _, v := range plugin.DependencyVersions() {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

const metaTableDDL = `CREATE TABLE IF NOT EXISTS frostbyte_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

func (s *Scheduler) openAndReconcile() error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("index: opening plugin db: %w", err)
	}
	if _, err := db.Exec(metaTableDDL); err != nil {
		db.Close()
		return fmt.Errorf("index: creating meta table: %w", err)
	}

	wantOrdinal := schemaOrdinal(s.plugin)
	gotOrdinal, ok, err := readMeta(db, "schema_ordinal")
	if err != nil {
		db.Close()
		return err
	}

	if ok && gotOrdinal != wantOrdinal {
		db.Close()
		s.logger.Info("plugin schema ordinal changed, wiping derived database",
			zap.NamedError("reason", ErrSchemaMismatch),
			zap.String("old", gotOrdinal), zap.String("new", wantOrdinal))
		if err := os.Remove(s.dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("index: removing stale plugin db: %w", err)
		}
		db, err = sql.Open("sqlite", s.dbPath)
		if err != nil {
			return fmt.Errorf("index: reopening plugin db: %w", err)
		}
		if _, err := db.Exec(metaTableDDL); err != nil {
			db.Close()
			return fmt.Errorf("index: creating meta table: %w", err)
		}
		ok = false
	}

	if err := s.plugin.Initialize(db); err != nil {
		db.Close()
		return fmt.Errorf("index: plugin initialize: %w", err)
	}

	if !ok {
		if err := writeMeta(db, "schema_ordinal", wantOrdinal); err != nil {
			db.Close()
			return err
		}
		if err := writeMeta(db, "cursor", "-1"); err != nil {
			db.Close()
			return err
		}
	}

	cursorStr, _, err := readMeta(db, "cursor")
	if err != nil {
		db.Close()
		return err
	}
	var cursor int64 = -1
	if cursorStr != "" {
		fmt.Sscanf(cursorStr, "%d", &cursor)
	}

	s.db = db
	s.cursor = cursor
	return nil
}

func readMeta(db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM frostbyte_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index: reading meta %q: %w", key, err)
	}
	return value, true, nil
}

func writeMeta(db *sql.DB, key, value string) error {
	_, err := db.Exec(`INSERT INTO frostbyte_meta(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("index: writing meta %q: %w", key, err)
	}
	return nil
}

func writeMetaTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO frostbyte_meta(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("index: writing meta %q: %w", key, err)
	}
	return nil
}

// Close releases the plugin's database handle.
func (s *Scheduler) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Cursor returns the highest txNum fully consumed so far.
func (s *Scheduler) Cursor() int64 {
	return s.cursor
}

// Run drives the per-indexer loop until ctx is cancelled: fetch a batch,
// extract, save atomically with the cursor advance, repeat. A failed step
// is logged and retried after a backoff that doubles up to
// MaxErrorBackoff; step errors are never returned, however many occur in
// a row, and Run returns only ctx.Err() once ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	backoff := s.cfg.ErrorBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		progressed, err := s.step(ctx)
		if err != nil {
			s.logger.Error("indexer step failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > s.cfg.MaxErrorBackoff {
				backoff = s.cfg.MaxErrorBackoff
			}
			continue
		}
		backoff = s.cfg.ErrorBackoff

		if !progressed {
			select {
			case <-time.After(s.cfg.IdleSleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// step performs one iteration of the run loop and reports whether it
// made forward progress (false means the caller should idle-sleep).
func (s *Scheduler) step(ctx context.Context) (bool, error) {
	limit := fetchLimit
	if s.lookahead != nil {
		budget := s.lookahead.Budget()
		if budget <= 0 {
			return false, nil
		}
		if budget < 10 {
			limit = limit * budget / 10
			if limit <= 0 {
				limit = 1
			}
		}
	}

	batch, err := s.store.GetTxBatch(ctx, s.cursor, limit, s.plugin.UsesTraces(), s.plugin.FilterTopics())
	if err != nil {
		return false, fmt.Errorf("index: fetching tx batch: %w", err)
	}

	if len(batch.Txs) == 0 {
		if int64(batch.MaxTxNum) <= s.cursor {
			return false, nil
		}
		// Filtered out every candidate tx in [cursor, MaxTxNum]: still
		// advance past them so the scheduler doesn't spin retrying the
		// same empty window forever.
		if err := s.commitCursor(ctx, batch.MaxTxNum); err != nil {
			return false, err
		}
		return true, nil
	}

	extracted, err := s.plugin.ExtractData(batch)
	if err != nil {
		return false, fmt.Errorf("index: extractData: %w", err)
	}

	newCursor := batch.Txs[len(batch.Txs)-1].TxNum

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("index: beginning tx: %w", err)
	}

	if err := s.plugin.SaveExtractedData(tx, s.store, extracted); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("index: saveExtractedData: %w", err)
	}
	if err := writeMetaTx(tx, "cursor", fmt.Sprintf("%d", newCursor)); err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("index: committing: %w", err)
	}

	s.cursor = int64(newCursor)
	return true, nil
}

// commitCursor advances the cursor in its own transaction, with no
// extracted data to save alongside it.
func (s *Scheduler) commitCursor(ctx context.Context, newCursor uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: beginning tx: %w", err)
	}
	if err := writeMetaTx(tx, "cursor", fmt.Sprintf("%d", newCursor)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: committing: %w", err)
	}
	s.cursor = int64(newCursor)
	return nil
}
