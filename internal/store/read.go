package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/containerman17/frostbyte/internal/chain"
)

// TxBatch is the result of getTxBatch: the txs in ascending txNum order,
// their traces (only populated when requested and hasDebug), and
// maxTxNum = the store's current tx_count so callers can cheaply detect
// "no more data available" without a second round-trip.
type TxBatch struct {
	Txs      []*chain.StoredTx
	Traces   map[uint64]*chain.Trace // keyed by txNum, only when includeTraces
	MaxTxNum uint64
}

const maxTopicFilterLimit = 10_000

// GetTxBatch streams transactions with txNum > greaterThanTxNum, in
// ascending order, limited to min(limit, 10000) when filtering by topic.
// filterTopics, when non-empty, restricts to txs carrying a topic[0] whose
// first 5 bytes equal the first 5 bytes of one of the given values (or the
// contract-creation marker, passed as ContractCreationMarker); the full
// topic is not re-checked, so prefix collisions are returned too.
func (s *Store) GetTxBatch(ctx context.Context, greaterThanTxNum int64, limit int, includeTraces bool, filterTopics [][]byte) (*TxBatch, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxTopicFilterLimit
	}

	maxTxNum := s.txCount.Load()

	var txNums []uint64
	var err error
	if len(filterTopics) > 0 {
		if limit > maxTopicFilterLimit {
			limit = maxTopicFilterLimit
		}
		txNums, err = s.txNumsByTopics(filterTopics, greaterThanTxNum, limit)
	} else {
		txNums, err = s.txNumsInRange(greaterThanTxNum, limit)
	}
	if err != nil {
		return nil, err
	}

	txs := make([]*chain.StoredTx, 0, len(txNums))
	var traces map[uint64]*chain.Trace
	if includeTraces {
		traces = make(map[uint64]*chain.Trace, len(txNums))
	}

	for _, txNum := range txNums {
		tx, err := s.getTxByNum(txNum)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)

		if includeTraces {
			tr, err := s.getTraceByNum(txNum, tx.Hash)
			if err != nil {
				return nil, err
			}
			if tr != nil {
				traces[txNum] = tr
			}
		}
	}

	return &TxBatch{Txs: txs, Traces: traces, MaxTxNum: maxTxNum}, nil
}

// txNumsByTopics hash-prefixes each requested topic, queries tx_topics for
// matching rows with txNum > greaterThanTxNum, and returns the merged,
// deduplicated, ascending set of txNums. ContractCreationMarker is
// recognized by value and routed to its own key namespace rather than
// treated as a 5-byte topic prefix, so it can never collide with a real
// topic whose keccak prefix happens to share its leading bytes.
func (s *Store) txNumsByTopics(filterTopics [][]byte, greaterThanTxNum int64, limit int) ([]uint64, error) {
	seen := make(map[uint64]struct{})
	var out []uint64

	for _, topic := range filterTopics {
		var lower, upper []byte
		if bytes.Equal(topic, ContractCreationMarker) {
			lower = txCreationKey(uint64(greaterThanTxNum + 1))
			upper = append(txCreationPrefix(), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		} else {
			prefix := topic
			if len(topic) >= 5 {
				prefix = topic[:5]
			}
			lower = txTopicKey(prefix, uint64(greaterThanTxNum+1))
			upper = append(txTopicPrefix(prefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		}

		txNums, err := s.scanTxNumKeyRange(lower, upper, greaterThanTxNum)
		if err != nil {
			return nil, err
		}
		for _, txNum := range txNums {
			if _, dup := seen[txNum]; !dup {
				seen[txNum] = struct{}{}
				out = append(out, txNum)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// scanTxNumKeyRange iterates [lower, upper) over a key space that embeds
// a txNum as its trailing 8 bytes, returning every txNum > greaterThanTxNum.
func (s *Store) scanTxNumKeyRange(lower, upper []byte, greaterThanTxNum int64) ([]uint64, error) {
	var out []uint64

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate index range: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < 8 {
			continue
		}
		txNumBytes := key[len(key)-8:]
		txNum, err := decodeUint64(txNumBytes)
		if err != nil {
			iter.Close()
			return nil, err
		}
		if int64(txNum) <= greaterThanTxNum {
			continue
		}
		out = append(out, txNum)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("close index iterator: %w", err)
	}
	return out, nil
}

func (s *Store) txNumsInRange(greaterThanTxNum int64, limit int) ([]uint64, error) {
	lower := txKey(uint64(greaterThanTxNum + 1))
	upper := []byte(prefixTxs + "\xff\xff\xff\xff\xff\xff\xff\xff\xff")

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate txs: %w", err)
	}
	defer iter.Close()

	var out []uint64
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		key := iter.Key()
		if len(key) < 8 {
			continue
		}
		txNum, err := decodeUint64(key[len(key)-8:])
		if err != nil {
			return nil, err
		}
		out = append(out, txNum)
	}
	return out, iter.Error()
}

func (s *Store) getTxByNum(txNum uint64) (*chain.StoredTx, error) {
	raw, closer, err := s.db.Get(txKey(txNum))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, fmt.Errorf("%w: txNum %d", ErrNotFound, txNum)
		}
		return nil, fmt.Errorf("get tx %d: %w", txNum, err)
	}
	defer closer.Close()

	decompressed, err := s.decompressTxRecord(txNum, raw)
	if err != nil {
		return nil, err
	}
	return decodeStoredTx(txNum, decompressed)
}

func (s *Store) getTraceByNum(txNum uint64, txHash common.Hash) (*chain.Trace, error) {
	raw, closer, err := s.db.Get(traceKey(txNum))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get trace %d: %w", txNum, err)
	}
	defer closer.Close()

	decompressed, err := s.decompressTraceRecord(txNum, raw)
	if err != nil {
		return nil, err
	}
	return decodeTrace(txHash, decompressed)
}

// batchOrdinal returns which compression batch a 1-based txNum/blockNum
// falls into: floor((n-1)/batchSize).
func batchOrdinal(n, batchSize uint64) uint64 {
	return (n - 1) / batchSize
}

func (s *Store) decompressTxRecord(txNum uint64, raw []byte) ([]byte, error) {
	batch := batchOrdinal(txNum, s.cfg.CompressionBatchSize)
	if int64(batch) > s.lastCompressedTxBatch.Load() {
		return decompressPlain(raw)
	}
	dict, err := s.loadTxDictionary(batch, dictKindTxData)
	if err != nil {
		return nil, err
	}
	return decompressWithDict(raw, dict)
}

func (s *Store) decompressTraceRecord(txNum uint64, raw []byte) ([]byte, error) {
	batch := batchOrdinal(txNum, s.cfg.CompressionBatchSize)
	if int64(batch) > s.lastCompressedTxBatch.Load() {
		return decompressPlain(raw)
	}
	dict, err := s.loadTxDictionary(batch, dictKindTxTraces)
	if err != nil {
		return nil, err
	}
	return decompressWithDict(raw, dict)
}

func (s *Store) decompressBlockRecord(blockNum uint64, raw []byte) ([]byte, error) {
	batch := batchOrdinal(blockNum+1, s.cfg.CompressionBatchSize) // blocks start at 0
	if int64(batch) > s.lastCompressedBlockBatch.Load() {
		return decompressPlain(raw)
	}
	dict, err := s.loadBlockDictionary(batch)
	if err != nil {
		return nil, err
	}
	return decompressWithDict(raw, dict)
}

func (s *Store) loadTxDictionary(batch uint64, kind string) ([]byte, error) {
	if dict, ok := s.dicts.get("tx:"+kind, batch); ok {
		return dict, nil
	}
	raw, closer, err := s.db.Get(dictTxKey(batch, kind))
	if err != nil {
		return nil, fmt.Errorf("load tx dictionary batch %d kind %s: %w", batch, kind, err)
	}
	defer closer.Close()
	dict := append([]byte(nil), raw...)
	s.dicts.put("tx:"+kind, batch, dict)
	return dict, nil
}

func (s *Store) loadBlockDictionary(batch uint64) ([]byte, error) {
	if dict, ok := s.dicts.get("block", batch); ok {
		return dict, nil
	}
	raw, closer, err := s.db.Get(dictBlockKey(batch))
	if err != nil {
		return nil, fmt.Errorf("load block dictionary batch %d: %w", batch, err)
	}
	defer closer.Close()
	dict := append([]byte(nil), raw...)
	s.dicts.put("block", batch, dict)
	return dict, nil
}

// GetBlockByNumber reassembles a block (without its transaction bodies;
// callers that also need bodies should call GetTxBatch over the block's
// tx range, or use SlowGetBlockWithTransactions).
func (s *Store) GetBlockByNumber(ctx context.Context, number uint64) (*chain.Block, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	raw, closer, err := s.db.Get(blockKey(number))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, fmt.Errorf("%w: block %d", ErrNotFound, number)
		}
		return nil, fmt.Errorf("get block %d: %w", number, err)
	}
	defer closer.Close()

	decompressed, err := s.decompressBlockRecord(number, raw)
	if err != nil {
		return nil, err
	}
	return decodeBlock(decompressed)
}

// resolveBlockNumberByHash scans the bloom-style hash index and returns
// the first candidate whose full hash matches; the prefix index is never
// treated as a unique key.
func (s *Store) resolveBlockNumberByHash(hash common.Hash) (uint64, error) {
	prefix := hashPrefix5(hash)
	raw, closer, err := s.db.Get(blockHashIndexKey(prefix))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, fmt.Errorf("%w: block hash %s", ErrNotFound, hash.Hex())
		}
		return 0, fmt.Errorf("get block hash index: %w", err)
	}
	defer closer.Close()
	number, err := decodeUint64(raw)
	if err != nil {
		return 0, err
	}

	block, err := s.GetBlockByNumber(context.Background(), number)
	if err != nil {
		return 0, err
	}
	if block.Hash != hash {
		return 0, fmt.Errorf("%w: block hash %s (prefix collision)", ErrNotFound, hash.Hex())
	}
	return number, nil
}

// BlockWithTransactions is the API-facing reassembly of a block plus its
// ordered transactions, used by slow_getBlockWithTransactions.
type BlockWithTransactions struct {
	Block *chain.Block
	Txs   []*chain.StoredTx
}

// SlowGetBlockWithTransactions reassembles a block and its ordered
// transactions by number or by hash. It is "slow" because, unlike
// GetTxBatch, it must scan the tx collection for all txs belonging to one
// block rather than following a dense cursor range — acceptable for API
// point-lookups, not for streaming.
func (s *Store) SlowGetBlockWithTransactions(ctx context.Context, numberOrHash interface{}) (*BlockWithTransactions, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var number uint64
	switch v := numberOrHash.(type) {
	case uint64:
		number = v
	case common.Hash:
		n, err := s.resolveBlockNumberByHash(v)
		if err != nil {
			return nil, err
		}
		number = n
	default:
		return nil, fmt.Errorf("numberOrHash must be uint64 or common.Hash")
	}

	block, err := s.GetBlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	txs, err := s.scanTxsForBlock(number)
	if err != nil {
		return nil, err
	}

	return &BlockWithTransactions{Block: block, Txs: txs}, nil
}

// scanTxsForBlock performs a full forward scan of the txs collection
// filtering by BlockNum. Bounded by tx_count, acceptable for a
// point-lookup use case.
func (s *Store) scanTxsForBlock(blockNum uint64) ([]*chain.StoredTx, error) {
	total := s.txCount.Load()
	var out []*chain.StoredTx
	for txNum := uint64(1); txNum <= total; txNum++ {
		tx, err := s.getTxByNum(txNum)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if tx.BlockNum == blockNum {
			out = append(out, tx)
		} else if tx.BlockNum > blockNum {
			break
		}
	}
	return out, nil
}

// GetTxReceipt looks up a transaction receipt by hash, scanning the
// bloom-style hash index and verifying the full hash after decoding.
func (s *Store) GetTxReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	prefix := hashPrefix5(hash)
	lower := txHashIndexPrefix(prefix)
	upper := append(append([]byte{}, lower...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate tx hash index: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < 8 {
			continue
		}
		txNum, err := decodeUint64(key[len(key)-8:])
		if err != nil {
			return nil, err
		}
		tx, err := s.getTxByNum(txNum)
		if err != nil {
			continue
		}
		if tx.Hash == hash {
			r := tx.Receipt
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: tx hash %s", ErrNotFound, hash.Hex())
}

// SlowGetBlockTraces returns every transaction's trace for a block, in
// block order.
func (s *Store) SlowGetBlockTraces(ctx context.Context, number uint64) ([]*chain.Trace, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if hd, _ := s.GetHasDebug(ctx); hd != 1 {
		return nil, nil
	}

	txs, err := s.scanTxsForBlock(number)
	if err != nil {
		return nil, err
	}
	out := make([]*chain.Trace, 0, len(txs))
	for _, tx := range txs {
		tr, err := s.getTraceByNum(tx.TxNum, tx.Hash)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			out = append(out, tr)
		}
	}
	return out, nil
}
