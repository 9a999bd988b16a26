package store

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/containerman17/frostbyte/internal/chain"
)

// StoreBlocks appends a contiguous, sorted run of fetched blocks,
// atomically. Either the whole range commits or nothing does; partial
// persistence is forbidden.
//
// Insert protocol:
//  1. batch must be non-empty, sorted, contiguous with the stored tip+1.
//  2. the hasDebug invariant is enforced/bound.
//  3. each block is stripped of logsBloom/inline tx list, compressed and
//     inserted with its hash prefix as a secondary index.
//  4. each tx is compressed as {tx, receipt, blockTs} (+trace, if debug),
//     assigned a new txNum, and indexed by topic[0] / contract-creation.
//  5. tx_count and last_stored_block_number advance atomically with the
//     inserts.
func (s *Store) StoreBlocks(ctx context.Context, blocks []*chain.FetchedBlock) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return ErrEmptyBatch
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.validateContiguity(blocks); err != nil {
		return err
	}

	batchHasDebug := blocks[0].HasDebug
	for _, b := range blocks {
		if b.HasDebug != batchHasDebug {
			return fmt.Errorf("%w: mixed hasDebug within one batch", ErrHasDebugMismatch)
		}
	}
	if err := s.checkHasDebug(batchHasDebug); err != nil {
		return err
	}
	if err := s.validateParentHash(blocks[0]); err != nil {
		return err
	}

	pb := s.db.NewBatch()
	defer pb.Close()

	if err := s.stageHasDebugBind(pb, batchHasDebug); err != nil {
		return err
	}

	nextTxNum := s.txCount.Load() + 1
	totalNewTxs := uint64(0)

	for _, fb := range blocks {
		if err := validateFetchedBlock(fb); err != nil {
			return err
		}

		encodedBlock, err := encodeBlock(fb.Block)
		if err != nil {
			return err
		}
		compressedBlock, err := compressPlain(encodedBlock)
		if err != nil {
			return err
		}
		if err := pb.Set(blockKey(fb.Block.Number), compressedBlock, nil); err != nil {
			return fmt.Errorf("set block: %w", err)
		}
		if err := pb.Set(blockHashIndexKey(hashPrefix5(fb.Block.Hash)), encodeUint64(fb.Block.Number), nil); err != nil {
			return fmt.Errorf("set block hash index: %w", err)
		}

		for i, txHash := range fb.TxHashes {
			body := fb.Txs[i]
			receipt := fb.Receipts[txHash]

			txNum := nextTxNum
			nextTxNum++
			totalNewTxs++

			storedTx := &chain.StoredTx{
				TxNum:          txNum,
				Hash:           txHash,
				BlockNum:       fb.Block.Number,
				BlockTimestamp: fb.Block.Timestamp,
				Body:           body,
				Receipt:        receipt,
			}
			encodedTx, err := encodeStoredTx(storedTx)
			if err != nil {
				return err
			}
			compressedTx, err := compressPlain(encodedTx)
			if err != nil {
				return err
			}
			if err := pb.Set(txKey(txNum), compressedTx, nil); err != nil {
				return fmt.Errorf("set tx: %w", err)
			}
			if err := pb.Set(txHashIndexKey(hashPrefix5(txHash), txNum), nil, nil); err != nil {
				return fmt.Errorf("set tx hash index: %w", err)
			}

			var trace *chain.Trace
			if batchHasDebug {
				trace = fb.Traces[txHash]
				if trace == nil || trace.Root == nil {
					return fmt.Errorf("%w: tx %x", ErrTraceMismatch, txHash)
				}
				encodedTrace, err := encodeTrace(trace)
				if err != nil {
					return err
				}
				compressedTrace, err := compressPlain(encodedTrace)
				if err != nil {
					return err
				}
				if err := pb.Set(traceKey(txNum), compressedTrace, nil); err != nil {
					return fmt.Errorf("set trace: %w", err)
				}
			}

			if err := s.indexTopics(pb, txNum, body, receipt, trace, batchHasDebug); err != nil {
				return err
			}
		}
	}

	newTxCount := s.txCount.Load() + totalNewTxs
	lastBlock := blocks[len(blocks)-1].Block

	if err := pb.Set(catIntKey(catTxCount), encodeUint64(newTxCount), nil); err != nil {
		return fmt.Errorf("set tx count: %w", err)
	}
	if err := pb.Set(catIntKey(catLastStoredBlockNum), encodeUint64(lastBlock.Number), nil); err != nil {
		return fmt.Errorf("set last stored block: %w", err)
	}
	if err := pb.Set(catBlobKey(catBlobLastStoredHash), lastBlock.Hash[:], nil); err != nil {
		return fmt.Errorf("set last stored block hash: %w", err)
	}

	if err := pb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	if s.hasDebug.Load() == -1 {
		want := int32(0)
		if batchHasDebug {
			want = 1
		}
		s.hasDebug.Store(want)
	}
	s.txCount.Store(newTxCount)
	s.lastStoredBlock.Store(int64(lastBlock.Number))
	s.lastStoredHash = lastBlock.Hash
	return nil
}

func validateFetchedBlock(fb *chain.FetchedBlock) error {
	if fb == nil || fb.Block == nil {
		return fmt.Errorf("nil block in batch")
	}
	if len(fb.TxHashes) != len(fb.Txs) {
		return fmt.Errorf("%w: block %d", ErrReceiptMismatch, fb.Block.Number)
	}
	for _, h := range fb.TxHashes {
		if _, ok := fb.Receipts[h]; !ok {
			return fmt.Errorf("%w: block %d missing receipt for tx %x", ErrReceiptMismatch, fb.Block.Number, h)
		}
	}
	if fb.HasDebug {
		for _, h := range fb.TxHashes {
			if fb.Traces[h] == nil {
				return fmt.Errorf("%w: block %d", ErrTraceMismatch, fb.Block.Number)
			}
		}
	}
	return nil
}

// validateContiguity enforces that blocks are sorted, internally
// contiguous, and pick up exactly where the store left off.
func (s *Store) validateContiguity(blocks []*chain.FetchedBlock) error {
	expected := uint64(s.lastStoredBlock.Load() + 1)
	for i, b := range blocks {
		if b == nil || b.Block == nil {
			return fmt.Errorf("%w: nil block at index %d", ErrNotContiguous, i)
		}
		if b.Block.Number != expected {
			return fmt.Errorf("%w: expected block %d, got %d", ErrNotContiguous, expected, b.Block.Number)
		}
		expected++
	}
	return nil
}

// validateParentHash enforces the spec's conservative reorg policy: a
// fetched block whose parentHash disagrees with the stored hash of
// number-1 is refused outright rather than unwound. The store has no
// notion of chain reorganization, so reconciliation is left external.
func (s *Store) validateParentHash(first *chain.FetchedBlock) error {
	if s.lastStoredBlock.Load() < 0 {
		return nil
	}
	if first.Block.ParentHash != s.lastStoredHash {
		return fmt.Errorf("%w: expected parent %x, got %x", ErrParentMismatch, s.lastStoredHash, first.Block.ParentHash)
	}
	return nil
}

// checkHasDebug validates batchHasDebug against the bound value, if any,
// without writing anything: binding (when unset) is staged into the
// caller's batch by stageHasDebugBind instead, so the bind commits
// atomically with the rest of the insert rather than before it.
func (s *Store) checkHasDebug(batchHasDebug bool) error {
	current := s.hasDebug.Load()
	if current == -1 {
		return nil
	}
	want := int32(0)
	if batchHasDebug {
		want = 1
	}
	if current != want {
		return ErrHasDebugMismatch
	}
	return nil
}

// stageHasDebugBind stages the first-write hasDebug binding into pb when
// unset; a no-op once already bound. The in-memory atomic is only updated
// after pb commits, alongside the rest of this insert's in-memory state.
func (s *Store) stageHasDebugBind(pb *pebble.Batch, batchHasDebug bool) error {
	if s.hasDebug.Load() != -1 {
		return nil
	}
	want := uint64(0)
	if batchHasDebug {
		want = 1
	}
	if err := pb.Set(catIntKey(catHasDebug), encodeUint64(want), nil); err != nil {
		return fmt.Errorf("stage hasDebug bind: %w", err)
	}
	return nil
}

// indexTopics adds one tx_topics row per distinct topic[0] across all logs
// in the receipt (deduplicated within the tx), plus a contract-creation
// marker row when tx.to is null or any trace node is a CREATE*-family
// call.
func (s *Store) indexTopics(pb *pebble.Batch, txNum uint64, body chain.TxBody, receipt chain.Receipt, trace *chain.Trace, hasDebug bool) error {
	seen := make(map[[32]byte]struct{})
	for _, log := range receipt.Logs {
		if len(log.Topics) == 0 {
			continue
		}
		topic0 := log.Topics[0]
		if _, dup := seen[topic0]; dup {
			continue
		}
		seen[topic0] = struct{}{}
		if err := pb.Set(txTopicKey(hashPrefix5(topic0), txNum), nil, nil); err != nil {
			return fmt.Errorf("set topic index: %w", err)
		}
	}

	isCreation := body.To == nil
	if !isCreation && hasDebug && trace != nil {
		isCreation = chain.ContainsCreateFamily(trace.Root)
	}
	if isCreation {
		if err := pb.Set(txCreationKey(txNum), nil, nil); err != nil {
			return fmt.Errorf("set contract-creation index: %w", err)
		}
	}
	return nil
}
