// Package rpcclient implements Frostbyte's batched JSON-RPC transport: a
// single HTTP endpoint, bounded in-flight POSTs, a steady-state
// requests-per-second cap, and per-sub-request results matched back by a
// client-assigned id regardless of server ordering.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures a Client for one RPC endpoint, matching
// config.RPCConfig's fields.
type Config struct {
	RpcUrl                string
	RequestBatchSize      int
	MaxConcurrentRequests int
	Rps                   int

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// DefaultConfig fills in sensible non-endpoint-specific defaults for the
// fields config.RPCConfig.setDefaults doesn't override.
func DefaultConfig(rpcUrl string) *Config {
	return &Config{
		RpcUrl:                rpcUrl,
		RequestBatchSize:      100,
		MaxConcurrentRequests: 10,
		Rps:                   50,
		MaxRetries:            5,
		RetryDelay:            200 * time.Millisecond,
		Timeout:               30 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.RpcUrl == "" {
		return fmt.Errorf("rpcUrl cannot be empty")
	}
	if c.RequestBatchSize <= 0 {
		return fmt.Errorf("requestBatchSize must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("maxConcurrentRequests must be positive")
	}
	if c.Rps <= 0 {
		return fmt.Errorf("rps must be positive")
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Request is one logical sub-request. It carries no id: the client assigns
// the JSON-RPC id when it builds each POST and matches responses by it.
type Request struct {
	Method string
	Params []interface{}
}

// Result is the outcome of one sub-request: exactly one of Value or Err
// is set.
type Result struct {
	Value json.RawMessage
	Err   *RpcError
}

// RpcError mirrors the JSON-RPC {error:{code,message}} envelope.
type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type wireRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RpcError       `json:"error"`
}

// Client executes JSON-RPC requests against one endpoint with bounded
// concurrency and a steady-state rps cap, following the shape of the
// teacher's pkg/rpcproxy worker pool and the l1-data-tools hand-rolled
// batchRpcCall: sub-requests carry client-assigned ids and are
// reconciled back to caller order after the POST returns.
type Client struct {
	cfg        *Config
	httpClient *http.Client
	limiter    *rate.Limiter
	inFlight   chan struct{}
	logger     *zap.Logger

	nextID atomic.Int64
}

// New constructs a Client. logger may be nil.
func New(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConcurrentRequests * 2,
		MaxIdleConnsPerHost: cfg.MaxConcurrentRequests * 2,
		MaxConnsPerHost:     cfg.MaxConcurrentRequests,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		// Burst must be at least RequestBatchSize: WaitN rejects any call
		// whose n exceeds the bucket's burst outright, and a single POST's
		// chunk of sub-requests is consumed in one WaitN call below.
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rps), maxInt(cfg.Rps, cfg.RequestBatchSize)),
		inFlight: make(chan struct{}, cfg.MaxConcurrentRequests),
		logger:   logger,
	}, nil
}

// Call executes a single logical request.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	results, err := c.Batch(ctx, []Request{{Method: method, Params: params}})
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Value, nil
}

// Batch executes requests, chunked into POSTs of at most
// cfg.RequestBatchSize sub-requests, respecting the concurrency and rps
// caps, and returns per-request results aligned with the input order.
func (c *Client) Batch(ctx context.Context, requests []Request) ([]Result, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	results := make([]Result, len(requests))
	chunks := chunkIndices(len(requests), c.cfg.RequestBatchSize)

	var wg sync.WaitGroup
	errCh := make(chan error, len(chunks))

	for _, chunk := range chunks {
		chunk := chunk
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case c.inFlight <- struct{}{}:
				defer func() { <-c.inFlight }()
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}

			if err := c.limiter.WaitN(ctx, len(chunk)); err != nil {
				errCh <- fmt.Errorf("rate limiter: %w", err)
				return
			}

			sub := make([]Request, len(chunk))
			for i, idx := range chunk {
				sub[i] = requests[idx]
			}

			chunkResults, err := c.postBatchWithRetry(ctx, sub)
			if err != nil {
				errCh <- err
				return
			}
			for i, idx := range chunk {
				results[idx] = chunkResults[i]
			}
		}()
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return results, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func chunkIndices(n, size int) [][]int {
	var chunks [][]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		chunks = append(chunks, idx)
	}
	return chunks
}

// postBatchWithRetry POSTs one JSON-RPC batch, retrying the whole POST
// with exponential backoff (capped at 10s) on transport failure,
// malformed response, response-count mismatch, or missing ids. A
// per-sub-request {error:{...}} payload is NOT retried: it is surfaced
// verbatim to the caller as a Result.Err.
func (c *Client) postBatchWithRetry(ctx context.Context, sub []Request) ([]Result, error) {
	ids := make([]int64, len(sub))
	wireReqs := make([]wireRequest, len(sub))
	for i, r := range sub {
		id := c.nextID.Add(1)
		ids[i] = id
		wireReqs[i] = wireRequest{JSONRPC: "2.0", ID: id, Method: r.Method, Params: r.Params}
	}

	body, err := json.Marshal(wireReqs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * time.Duration(int64(1)<<uint(attempt-1))
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
			c.logger.Warn("rpc batch retrying",
				zap.Error(lastErr), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		results, err := c.postBatchOnce(ctx, body, ids)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("rpc batch failed after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) postBatchOnce(ctx context.Context, body []byte, ids []int64) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RpcUrl, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drained, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("non-2xx response %d: %s", resp.StatusCode, drained)
	}

	var wireResps []wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResps); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if len(wireResps) != len(ids) {
		return nil, fmt.Errorf("batch response count mismatch: sent %d, got %d", len(ids), len(wireResps))
	}

	sort.Slice(wireResps, func(i, j int) bool { return wireResps[i].ID < wireResps[j].ID })

	byID := make(map[int64]wireResponse, len(wireResps))
	for _, wr := range wireResps {
		byID[wr.ID] = wr
	}

	results := make([]Result, len(ids))
	for i, id := range ids {
		wr, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("missing response id %d", id)
		}
		results[i] = Result{Value: wr.Result, Err: wr.Error}
	}
	return results, nil
}
