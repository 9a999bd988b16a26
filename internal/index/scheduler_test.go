package index

import (
	"context"
	"database/sql"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/chain"
)

// fakeStore serves GetTxBatch out of an in-memory slice, ignoring topic
// filtering (none of the tests below need it).
type fakeStore struct {
	txs []*chain.StoredTx
}

func (f *fakeStore) GetTxBatch(ctx context.Context, greaterThanTxNum int64, limit int, includeTraces bool, filterTopics [][]byte) (*Batch, error) {
	var out []*chain.StoredTx
	for _, tx := range f.txs {
		if int64(tx.TxNum) > greaterThanTxNum {
			out = append(out, tx)
			if len(out) >= limit {
				break
			}
		}
	}
	max := uint64(0)
	if len(f.txs) > 0 {
		max = f.txs[len(f.txs)-1].TxNum
	}
	return &Batch{Txs: out, MaxTxNum: max}, nil
}

func fixtureTx(txNum uint64) *chain.StoredTx {
	return &chain.StoredTx{
		TxNum:          txNum,
		Hash:           common.BytesToHash([]byte{byte(txNum)}),
		BlockNum:       txNum,
		BlockTimestamp: 1000 + txNum,
	}
}

// countingPlugin sums up how many txs it has ever seen into a single
// sqlite row, to exercise the full Initialize/Extract/Save/cursor cycle
// without dragging in the erc20transfers ABI machinery.
type countingPlugin struct {
	name    string
	version int
	deps    []int
}

func (p *countingPlugin) Name() string              { return p.name }
func (p *countingPlugin) Version() int              { return p.version }
func (p *countingPlugin) UsesTraces() bool          { return false }
func (p *countingPlugin) FilterTopics() [][]byte    { return nil }
func (p *countingPlugin) DependencyVersions() []int { return p.deps }

func (p *countingPlugin) Initialize(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS counts (id INTEGER PRIMARY KEY, total INTEGER NOT NULL)`)
	return err
}

func (p *countingPlugin) ExtractData(batch *Batch) (interface{}, error) {
	return len(batch.Txs), nil
}

func (p *countingPlugin) SaveExtractedData(tx *sql.Tx, _ BlocksStore, data interface{}) error {
	n := data.(int)
	_, err := tx.Exec(`INSERT INTO counts(id, total) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET total = total + excluded.total`, n)
	return err
}

func newTestScheduler(t *testing.T, plugin Plugin, store BlocksStore) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	s, err := NewScheduler(plugin, store, nil, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScheduler_StepAdvancesCursorAndPersists(t *testing.T) {
	store := &fakeStore{txs: []*chain.StoredTx{fixtureTx(1), fixtureTx(2), fixtureTx(3)}}
	plugin := &countingPlugin{name: "counter", version: 1}
	s := newTestScheduler(t, plugin, store)

	assert.Equal(t, int64(-1), s.Cursor())

	progressed, err := s.step(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, int64(3), s.Cursor())

	var total int
	require.NoError(t, s.db.QueryRow(`SELECT total FROM counts WHERE id = 1`).Scan(&total))
	assert.Equal(t, 3, total)

	// No more txs: step reports no progress and leaves the cursor alone.
	progressed, err = s.step(context.Background())
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Equal(t, int64(3), s.Cursor())
}

func TestScheduler_ResumesCursorAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{txs: []*chain.StoredTx{fixtureTx(1), fixtureTx(2)}}
	plugin := &countingPlugin{name: "counter", version: 1}

	s1, err := NewScheduler(plugin, store, nil, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	_, err = s1.step(context.Background())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewScheduler(plugin, store, nil, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, int64(2), s2.Cursor())
}

func TestScheduler_VersionBumpWipesDatabase(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{txs: []*chain.StoredTx{fixtureTx(1)}}
	pluginV1 := &countingPlugin{name: "counter", version: 1}

	s1, err := NewScheduler(pluginV1, store, nil, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	_, err = s1.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), s1.Cursor())
	require.NoError(t, s1.Close())

	pluginV2 := &countingPlugin{name: "counter", version: 2}
	s2, err := NewScheduler(pluginV2, store, nil, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	// Version bump uses a distinct file path (v1 vs v2), so this is
	// effectively a fresh database: cursor restarts at -1.
	assert.Equal(t, int64(-1), s2.Cursor())
}

func TestScheduler_DependencyVersionBumpWipesSameFile(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{txs: []*chain.StoredTx{fixtureTx(1)}}
	pluginDepsV1 := &countingPlugin{name: "counter", version: 1, deps: []int{1}}

	s1, err := NewScheduler(pluginDepsV1, store, nil, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	_, err = s1.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), s1.Cursor())
	require.NoError(t, s1.Close())

	// Same name, same Version(), but a dependency bumped: the schema
	// ordinal changes, so the same-named file is wiped and reinitialized.
	pluginDepsV2 := &countingPlugin{name: "counter", version: 1, deps: []int{2}}
	s2, err := NewScheduler(pluginDepsV2, store, nil, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, int64(-1), s2.Cursor())
}

// filteringStore simulates a topic-filtered getTxBatch that finds no
// matching txs but still reports a higher MaxTxNum, the case a plugin's
// FilterTopics skips an entire window of irrelevant transactions.
type filteringStore struct {
	maxTxNum uint64
}

func (f *filteringStore) GetTxBatch(ctx context.Context, greaterThanTxNum int64, limit int, includeTraces bool, filterTopics [][]byte) (*Batch, error) {
	return &Batch{MaxTxNum: f.maxTxNum}, nil
}

func TestScheduler_EmptyFilteredBatchAdvancesCursorPastWindow(t *testing.T) {
	store := &filteringStore{maxTxNum: 50}
	plugin := &countingPlugin{name: "counter", version: 1}
	s := newTestScheduler(t, plugin, store)

	progressed, err := s.step(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, int64(50), s.Cursor())

	progressed, err = s.step(context.Background())
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Equal(t, int64(50), s.Cursor())
}

func TestScheduler_LookaheadZeroBudgetIdles(t *testing.T) {
	store := &fakeStore{txs: []*chain.StoredTx{fixtureTx(1)}}
	plugin := &countingPlugin{name: "counter", version: 1}
	dir := t.TempDir()
	lookahead := NewLookaheadManager(zap.NewNop())
	lookahead.budget.Store(0)

	s, err := NewScheduler(plugin, store, lookahead, dir, true, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	progressed, err := s.step(context.Background())
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Equal(t, int64(-1), s.Cursor())
}
