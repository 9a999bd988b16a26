package constants

import "time"

// RPC client and fetcher defaults, used by config.RPCConfig.setDefaults
// when a chain's YAML entry omits a field.
const (
	// DefaultRequestBatchSize is the default max sub-requests per POST.
	DefaultRequestBatchSize = 100

	// DefaultMaxConcurrentRequests is the default number of in-flight
	// POSTs allowed against one RPC endpoint.
	DefaultMaxConcurrentRequests = 10

	// DefaultRps is the default sub-requests-per-second rate limit.
	DefaultRps = 50

	// DefaultBlocksPerBatch is the initial number of blocks fetched per
	// GetBlocksWithReceipts call.
	DefaultBlocksPerBatch = 10

	// DefaultMinBlocksPerBatch is the floor the adaptive batch sizer
	// will not shrink below.
	DefaultMinBlocksPerBatch = 1

	// DefaultMaxRetries is the default maximum whole-POST retry count.
	DefaultMaxRetries = 5

	// DefaultRetryDelay is the base delay before the first retry;
	// subsequent retries double it, capped at 10s.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultRPCTimeout is the default HTTP client timeout for a single
	// batch POST.
	DefaultRPCTimeout = 30 * time.Second
)

// DefaultDataDir is the fallback filesystem root for per-chain stores
// when DATA_DIR is unset.
const DefaultDataDir = "./data"
