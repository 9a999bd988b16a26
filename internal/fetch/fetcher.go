// Package fetch implements Frostbyte's BatchFetcher: it composes
// RpcClient calls into contiguous block-range fetches, reassembling raw
// JSON-RPC responses into chain.FetchedBlock units, and adaptively tunes
// its own batch size via BatchSizer.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/chain"
	"github.com/containerman17/frostbyte/internal/rpcclient"
)

// wellKnownPrecompileAddress is queried with eth_call to cross-check
// chain identity in fetchBlockchainIdFromPrecompile; it is the
// zero-argument "identity" precompile present on every EVM chain.
const wellKnownPrecompileAddress = "0x0000000000000000000000000000000000000004"

// Config configures a Fetcher.
type Config struct {
	RPCSupportsDebug         bool
	RPCSupportsBlockReceipts bool
	BlocksPerBatch           int
	MinBlocksPerBatch        int
	EnableBatchSizeGrowth    bool
}

func (c *Config) validate() error {
	if c.BlocksPerBatch <= 0 {
		return fmt.Errorf("blocksPerBatch must be positive")
	}
	if c.MinBlocksPerBatch <= 0 {
		c.MinBlocksPerBatch = 1
	}
	if c.MinBlocksPerBatch > c.BlocksPerBatch {
		c.MinBlocksPerBatch = c.BlocksPerBatch
	}
	return nil
}

// Fetcher is Frostbyte's BatchFetcher.
type Fetcher struct {
	rpc    *rpcclient.Client
	cfg    *Config
	sizer  *BatchSizer
	logger *zap.Logger
}

func New(rpc *rpcclient.Client, cfg *Config, logger *zap.Logger) (*Fetcher, error) {
	if rpc == nil {
		return nil, fmt.Errorf("rpc client cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sizerCfg := DefaultBatchSizerConfig(cfg.BlocksPerBatch, cfg.MinBlocksPerBatch, cfg.EnableBatchSizeGrowth)
	return &Fetcher{
		rpc:    rpc,
		cfg:    cfg,
		sizer:  NewBatchSizer(sizerCfg, logger),
		logger: logger,
	}, nil
}

// GetBatchSizeStats implements getBatchSizeStats.
func (f *Fetcher) GetBatchSizeStats() Stats {
	return f.sizer.Stats()
}

// CurrentBatchSize returns the adaptive controller's current blocksPerBatch value.
func (f *Fetcher) CurrentBatchSize() int {
	return f.sizer.Current()
}

// GetCurrentBlockNumber reads the chain tip via a single RPC call.
func (f *Fetcher) GetCurrentBlockNumber(ctx context.Context) (uint64, error) {
	raw, err := f.rpc.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode eth_blockNumber: %w", err)
	}
	return uint64(n), nil
}

// FetchBlockchainIdFromPrecompile is a one-shot eth_call to a well-known
// precompile, used to cross-check chain identity.
func (f *Fetcher) FetchBlockchainIdFromPrecompile(ctx context.Context) ([]byte, error) {
	callArg := map[string]interface{}{
		"to": wellKnownPrecompileAddress,
	}
	raw, err := f.rpc.Call(ctx, "eth_call", callArg, "latest")
	if err != nil {
		return nil, fmt.Errorf("eth_call identity precompile: %w", err)
	}
	var data hexutil.Bytes
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode eth_call result: %w", err)
	}
	return []byte(data), nil
}

// GetBlocksWithReceipts returns, for each requested block number in
// order, a fully assembled FetchedBlock: the block header, its
// transactions, one receipt per transaction, and (when debug is
// enabled) one call-tree trace per transaction.
//
// Oversize-response and transport errors attributable to batch size
// shrink the adaptive controller and are returned to the caller (the
// FetchLoop) to retry at the new, smaller size; they are never silently
// swallowed here since the caller decides the retry policy.
func (f *Fetcher) GetBlocksWithReceipts(ctx context.Context, numbers []uint64) ([]*chain.FetchedBlock, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	blockReqs := make([]rpcclient.Request, len(numbers))
	for i, n := range numbers {
		blockReqs[i] = rpcclient.Request{Method: "eth_getBlockByNumber", Params: []interface{}{hexutil.EncodeUint64(n), true}}
	}
	blockResults, err := f.rpc.Batch(ctx, blockReqs)
	if err != nil {
		f.sizer.OnOversizeFailure()
		return nil, fmt.Errorf("fetch blocks: %w", err)
	}

	blocks := make([]*rpcBlock, len(numbers))
	var totalBytes int
	for i, res := range blockResults {
		if res.Err != nil {
			return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", numbers[i], res.Err)
		}
		var b rpcBlock
		if err := json.Unmarshal(res.Value, &b); err != nil {
			return nil, fmt.Errorf("decode block %d: %w", numbers[i], err)
		}
		blocks[i] = &b
		totalBytes += len(res.Value)
	}

	receiptsByBlock, err := f.fetchReceipts(ctx, numbers, blocks)
	if err != nil {
		return nil, err
	}

	var traces map[int]map[common.Hash]*chain.Trace
	if f.cfg.RPCSupportsDebug {
		traces, err = f.fetchTraces(ctx, numbers)
		if err != nil {
			return nil, err
		}
	}

	out := make([]*chain.FetchedBlock, len(numbers))
	for i, b := range blocks {
		fb := &chain.FetchedBlock{
			Block:    b.toChainBlock(),
			Receipts: receiptsByBlock[i],
			HasDebug: f.cfg.RPCSupportsDebug,
		}
		for _, t := range b.Transactions {
			fb.TxHashes = append(fb.TxHashes, t.tx.Hash())
			fb.Txs = append(fb.Txs, t.toTxBody())
		}
		if traces != nil {
			fb.Traces = traces[i]
		}
		if err := validateAssembledBlock(fb); err != nil {
			return nil, err
		}
		out[i] = fb
	}

	utilization := estimateUtilization(totalBytes, len(numbers))
	f.sizer.OnSuccess(utilization)
	return out, nil
}

// bytesCapEstimatePerBlock is the rough response-size budget one block
// is assumed to consume; utilizationRatio is diagnostic only.
const bytesCapEstimatePerBlock = 256 * 1024

func estimateUtilization(totalBytes, numBlocks int) float64 {
	if numBlocks == 0 {
		return 0
	}
	capEstimate := bytesCapEstimatePerBlock * numBlocks
	return float64(totalBytes) / float64(capEstimate)
}

func validateAssembledBlock(fb *chain.FetchedBlock) error {
	if len(fb.TxHashes) != len(fb.Receipts) {
		return fmt.Errorf("block %d: tx count %d does not match receipt count %d", fb.Block.Number, len(fb.TxHashes), len(fb.Receipts))
	}
	if fb.HasDebug && len(fb.Traces) != len(fb.TxHashes) {
		return fmt.Errorf("block %d: trace count %d does not match tx count %d", fb.Block.Number, len(fb.Traces), len(fb.TxHashes))
	}
	return nil
}

// fetchReceipts returns, per block index, a map of txHash -> Receipt.
// When RPCSupportsBlockReceipts is set it issues one
// eth_getBlockReceipts call per block, halving round-trips; otherwise it
// falls back to one eth_getTransactionReceipt per transaction.
func (f *Fetcher) fetchReceipts(ctx context.Context, numbers []uint64, blocks []*rpcBlock) (map[int]map[common.Hash]chain.Receipt, error) {
	result := make(map[int]map[common.Hash]chain.Receipt, len(blocks))

	if f.cfg.RPCSupportsBlockReceipts {
		reqs := make([]rpcclient.Request, len(numbers))
		for i, n := range numbers {
			reqs[i] = rpcclient.Request{Method: "eth_getBlockReceipts", Params: []interface{}{hexutil.EncodeUint64(n)}}
		}
		results, err := f.rpc.Batch(ctx, reqs)
		if err != nil {
			f.sizer.OnOversizeFailure()
			return nil, fmt.Errorf("fetch block receipts: %w", err)
		}

		ok := true
		for i, res := range results {
			if res.Err != nil {
				ok = false
				break
			}
			var receipts []rpcReceipt
			if err := json.Unmarshal(res.Value, &receipts); err != nil {
				ok = false
				break
			}
			m := make(map[common.Hash]chain.Receipt, len(receipts))
			for _, r := range receipts {
				m[r.TransactionHash] = r.toReceipt()
			}
			result[i] = m
		}
		if ok {
			return result, nil
		}
		// server does not actually support it; fall through to per-tx.
		for k := range result {
			delete(result, k)
		}
	}

	type txLocation struct {
		blockIdx int
		txHash   common.Hash
	}
	var reqs []rpcclient.Request
	var locations []txLocation
	for i, b := range blocks {
		for _, t := range b.Transactions {
			reqs = append(reqs, rpcclient.Request{Method: "eth_getTransactionReceipt", Params: []interface{}{t.tx.Hash()}})
			locations = append(locations, txLocation{i, t.tx.Hash()})
		}
	}
	if len(reqs) == 0 {
		for i := range blocks {
			result[i] = map[common.Hash]chain.Receipt{}
		}
		return result, nil
	}

	results, err := f.rpc.Batch(ctx, reqs)
	if err != nil {
		f.sizer.OnOversizeFailure()
		return nil, fmt.Errorf("fetch tx receipts: %w", err)
	}

	for i := range blocks {
		result[i] = map[common.Hash]chain.Receipt{}
	}
	for i, res := range results {
		if res.Err != nil {
			return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", locations[i].txHash.Hex(), res.Err)
		}
		var r rpcReceipt
		if err := json.Unmarshal(res.Value, &r); err != nil {
			return nil, fmt.Errorf("decode receipt %s: %w", locations[i].txHash.Hex(), err)
		}
		result[locations[i].blockIdx][locations[i].txHash] = r.toReceipt()
	}
	return result, nil
}

// fetchTraces issues one debug_traceBlockByNumber(n, {tracer: callTracer})
// per block, returning per-block-index maps of txHash -> Trace.
func (f *Fetcher) fetchTraces(ctx context.Context, numbers []uint64) (map[int]map[common.Hash]*chain.Trace, error) {
	reqs := make([]rpcclient.Request, len(numbers))
	tracerCfg := map[string]interface{}{"tracer": "callTracer"}
	for i, n := range numbers {
		reqs[i] = rpcclient.Request{Method: "debug_traceBlockByNumber", Params: []interface{}{hexutil.EncodeUint64(n), tracerCfg}}
	}

	results, err := f.rpc.Batch(ctx, reqs)
	if err != nil {
		f.sizer.OnOversizeFailure()
		return nil, fmt.Errorf("fetch traces: %w", err)
	}

	out := make(map[int]map[common.Hash]*chain.Trace, len(numbers))
	for i, res := range results {
		if res.Err != nil {
			return nil, fmt.Errorf("debug_traceBlockByNumber(%d): %w", numbers[i], res.Err)
		}
		var frames []rpcTraceResult
		if err := json.Unmarshal(res.Value, &frames); err != nil {
			return nil, fmt.Errorf("decode traces for block %d: %w", numbers[i], err)
		}
		m := make(map[common.Hash]*chain.Trace, len(frames))
		for _, fr := range frames {
			m[fr.TxHash] = &chain.Trace{TxHash: fr.TxHash, Root: fr.Result.toCallNode()}
		}
		out[i] = m
	}
	return out, nil
}
