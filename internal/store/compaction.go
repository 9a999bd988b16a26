package store

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PerformCompressionMaintenance trains and installs a dictionary for the
// next eligible, fully-written tx batch (and its trace batch, when
// present), then re-compresses every record in that batch under the new
// dictionary. It is safe to call repeatedly; it is a no-op once every
// complete batch has been processed. Callers (the fetch loop, typically
// on the catch-up transition) decide the cadence.
func (s *Store) PerformCompressionMaintenance(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}

	batchSize := s.cfg.CompressionBatchSize
	txCount := s.txCount.Load()
	nextBatch := uint64(s.lastCompressedTxBatch.Load() + 1)

	completeTxCount := (nextBatch + 1) * batchSize
	if txCount < completeTxCount {
		return nil // batch not fully written yet
	}

	if err := s.compressTxBatch(ctx, nextBatch); err != nil {
		return fmt.Errorf("compress tx batch %d: %w", nextBatch, err)
	}

	s.logger.Info("compression maintenance: tx batch installed",
		zap.Uint64("batch", nextBatch), zap.Uint64("batchSize", batchSize))
	return nil
}

// PerformBlockCompressionMaintenance is the block-collection counterpart
// of PerformCompressionMaintenance, operating on the same batch size over
// block numbers instead of txNums.
func (s *Store) PerformBlockCompressionMaintenance(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}

	batchSize := s.cfg.CompressionBatchSize
	lastBlock := s.lastStoredBlock.Load()
	if lastBlock < 0 {
		return nil
	}
	nextBatch := uint64(s.lastCompressedBlockBatch.Load() + 1)

	// blocks are numbered from 0; batch b covers block numbers
	// [b*batchSize, (b+1)*batchSize).
	completeThroughBlock := (nextBatch+1)*batchSize - 1
	if uint64(lastBlock) < completeThroughBlock {
		return nil
	}

	if err := s.compressBlockBatch(ctx, nextBatch); err != nil {
		return fmt.Errorf("compress block batch %d: %w", nextBatch, err)
	}

	s.logger.Info("compression maintenance: block batch installed",
		zap.Uint64("batch", nextBatch), zap.Uint64("batchSize", batchSize))
	return nil
}

// compressTxBatch trains one dictionary from the batch's tx-data payloads
// (and, if present, a second from its trace payloads), then re-writes
// every record in the batch compressed under the freshly trained
// dictionary, all inside one atomic pebble batch alongside the catalog's
// last_compressed_batch_num advance.
func (s *Store) compressTxBatch(ctx context.Context, batch uint64) error {
	firstTxNum := batch*s.cfg.CompressionBatchSize + 1
	lastTxNum := (batch + 1) * s.cfg.CompressionBatchSize

	hasDebug := s.hasDebug.Load() == 1

	dataSamples := make([][]byte, 0, s.cfg.CompressionBatchSize)
	var traceSamples [][]byte
	if hasDebug {
		traceSamples = make([][]byte, 0, s.cfg.CompressionBatchSize)
	}

	for txNum := firstTxNum; txNum <= lastTxNum; txNum += uint64(s.cfg.SampleEveryNth) {
		raw, closer, err := s.db.Get(txKey(txNum))
		if err != nil {
			return fmt.Errorf("read tx %d for sampling: %w", txNum, err)
		}
		plain, err := decompressPlain(raw)
		closer.Close()
		if err != nil {
			return fmt.Errorf("decompress tx %d for sampling: %w", txNum, err)
		}
		dataSamples = append(dataSamples, plain)

		if hasDebug {
			rawTrace, closerTrace, err := s.db.Get(traceKey(txNum))
			if err == nil {
				plainTrace, err := decompressPlain(rawTrace)
				closerTrace.Close()
				if err != nil {
					return fmt.Errorf("decompress trace %d for sampling: %w", txNum, err)
				}
				traceSamples = append(traceSamples, plainTrace)
			} else if err != pebble.ErrNotFound {
				return fmt.Errorf("read trace %d for sampling: %w", txNum, err)
			}
		}
	}

	dataDict, err := trainDictionary(dataSamples)
	if err != nil {
		return fmt.Errorf("train data dictionary: %w", err)
	}
	var traceDict []byte
	if hasDebug && len(traceSamples) > 0 {
		traceDict, err = trainDictionary(traceSamples)
		if err != nil {
			return fmt.Errorf("train trace dictionary: %w", err)
		}
	}

	pb := s.db.NewBatch()
	defer pb.Close()

	if err := pb.Set(dictTxKey(batch, dictKindTxData), dataDict, nil); err != nil {
		return fmt.Errorf("write data dictionary: %w", err)
	}
	if traceDict != nil {
		if err := pb.Set(dictTxKey(batch, dictKindTxTraces), traceDict, nil); err != nil {
			return fmt.Errorf("write trace dictionary: %w", err)
		}
	}

	for txNum := firstTxNum; txNum <= lastTxNum; txNum++ {
		if err := recompressRecord(pb, s.db, txKey(txNum), dataDict); err != nil {
			return fmt.Errorf("recompress tx %d: %w", txNum, err)
		}
		if hasDebug {
			if err := recompressRecordIfExists(pb, s.db, traceKey(txNum), traceDict); err != nil {
				return fmt.Errorf("recompress trace %d: %w", txNum, err)
			}
		}
	}

	if err := pb.Set(catIntKey(catLastCompressedTx), encodeUint64(batch), nil); err != nil {
		return fmt.Errorf("advance last_compressed_batch_num: %w", err)
	}

	if err := pb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit compression batch: %w", err)
	}

	s.dicts.put("tx:"+dictKindTxData, batch, dataDict)
	if traceDict != nil {
		s.dicts.put("tx:"+dictKindTxTraces, batch, traceDict)
	}
	s.lastCompressedTxBatch.Store(int64(batch))
	return nil
}

func (s *Store) compressBlockBatch(ctx context.Context, batch uint64) error {
	batchSize := s.cfg.CompressionBatchSize
	firstBlock := batch * batchSize
	lastBlock := (batch+1)*batchSize - 1

	samples := make([][]byte, 0, batchSize)
	for n := firstBlock; n <= lastBlock; n += uint64(s.cfg.SampleEveryNth) {
		raw, closer, err := s.db.Get(blockKey(n))
		if err != nil {
			return fmt.Errorf("read block %d for sampling: %w", n, err)
		}
		plain, err := decompressPlain(raw)
		closer.Close()
		if err != nil {
			return fmt.Errorf("decompress block %d for sampling: %w", n, err)
		}
		samples = append(samples, plain)
	}

	dict, err := trainDictionary(samples)
	if err != nil {
		return fmt.Errorf("train block dictionary: %w", err)
	}

	pb := s.db.NewBatch()
	defer pb.Close()

	if err := pb.Set(dictBlockKey(batch), dict, nil); err != nil {
		return fmt.Errorf("write block dictionary: %w", err)
	}

	for n := firstBlock; n <= lastBlock; n++ {
		if err := recompressRecord(pb, s.db, blockKey(n), dict); err != nil {
			return fmt.Errorf("recompress block %d: %w", n, err)
		}
	}

	if err := pb.Set(catIntKey(catLastCompressedBlk), encodeUint64(batch), nil); err != nil {
		return fmt.Errorf("advance last_compressed_block_batch_num: %w", err)
	}

	if err := pb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit block compression batch: %w", err)
	}

	s.dicts.put("block", batch, dict)
	s.lastCompressedBlockBatch.Store(int64(batch))
	return nil
}

// recompressRecord reads, decompresses (plain), re-compresses under dict,
// and stages an overwrite for key. The record must exist.
func recompressRecord(pb *pebble.Batch, db *pebble.DB, key, dict []byte) error {
	raw, closer, err := db.Get(key)
	if err != nil {
		return err
	}
	plain, err := decompressPlain(raw)
	closer.Close()
	if err != nil {
		return err
	}
	compressed, err := compressWithDict(plain, dict)
	if err != nil {
		return err
	}
	return pb.Set(key, compressed, nil)
}

// recompressRecordIfExists is recompressRecord tolerant of the key being
// absent (used for traces, which only exist on debug-enabled chains).
func recompressRecordIfExists(pb *pebble.Batch, db *pebble.DB, key, dict []byte) error {
	_, closer, err := db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil
		}
		return err
	}
	closer.Close()
	return recompressRecord(pb, db, key, dict)
}
