package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.RequestBatchSize = 2
	cfg.MaxConcurrentRequests = 4
	cfg.Rps = 1000
	cfg.RetryDelay = time.Millisecond

	c, err := New(cfg, nil)
	require.NoError(t, err)
	return srv, c
}

func TestCall_Success(t *testing.T) {
	_, c := newEchoServer(t, func(w http.ResponseWriter, r *http.Request) {
		var reqs []wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		resps := make([]wireResponse, len(reqs))
		for i, req := range reqs {
			resps[i] = wireResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"0x1"`)}
		}
		require.NoError(t, json.NewEncoder(w).Encode(resps))
	})

	result, err := c.Call(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, string(result))
}

func TestBatch_PreservesOrderAcrossChunks(t *testing.T) {
	_, c := newEchoServer(t, func(w http.ResponseWriter, r *http.Request) {
		var reqs []wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		resps := make([]wireResponse, len(reqs))
		// reverse order in the response to exercise id reconciliation
		for i, req := range reqs {
			resps[len(reqs)-1-i] = wireResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(fmt.Sprintf("%v", req.Params[0]))}
		}
		require.NoError(t, json.NewEncoder(w).Encode(resps))
	})

	requests := make([]Request, 5) // batch size 2 -> 3 chunks
	for i := range requests {
		requests[i] = Request{Method: "eth_getBlockByNumber", Params: []interface{}{i, true}}
	}

	results, err := c.Batch(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Nil(t, r.Err)
		assert.Equal(t, fmt.Sprintf("%d", i), string(r.Value))
	}
}

func TestCall_PerRequestErrorSurfacedWithoutRetry(t *testing.T) {
	calls := 0
	_, c := newEchoServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var reqs []wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		resps := []wireResponse{{JSONRPC: "2.0", ID: reqs[0].ID, Error: &RpcError{Code: -32000, Message: "execution reverted"}}}
		require.NoError(t, json.NewEncoder(w).Encode(resps))
	})

	_, err := c.Call(context.Background(), "eth_call")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
	assert.Equal(t, 1, calls)
}

func TestBatch_RetriesTransportFailure(t *testing.T) {
	attempts := 0
	_, c := newEchoServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var reqs []wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		resps := []wireResponse{{JSONRPC: "2.0", ID: reqs[0].ID, Result: json.RawMessage(`"0x2"`)}}
		require.NoError(t, json.NewEncoder(w).Encode(resps))
	})

	result, err := c.Call(context.Background(), "eth_chainId")
	require.NoError(t, err)
	assert.Equal(t, `"0x2"`, string(result))
	assert.Equal(t, 3, attempts)
}

func TestBatch_ChunkLargerThanRpsStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		resps := make([]wireResponse, len(reqs))
		for i, req := range reqs {
			resps[i] = wireResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"0x1"`)}
		}
		require.NoError(t, json.NewEncoder(w).Encode(resps))
	}))
	t.Cleanup(srv.Close)

	// A single POST's chunk (RequestBatchSize sub-requests) must not
	// exceed the limiter's burst, or WaitN rejects it outright even
	// though the rolling-window rps cap was never actually exceeded.
	cfg := DefaultConfig(srv.URL)
	cfg.RequestBatchSize = 100
	cfg.MaxConcurrentRequests = 4
	cfg.Rps = 50
	cfg.RetryDelay = time.Millisecond

	c, err := New(cfg, nil)
	require.NoError(t, err)

	requests := make([]Request, 100)
	for i := range requests {
		requests[i] = Request{Method: "eth_getTransactionReceipt", Params: []interface{}{i}}
	}

	results, err := c.Batch(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, results, 100)
	for _, r := range results {
		assert.Nil(t, r.Err)
	}
}

func TestBatch_EmptyRequestsNoOp(t *testing.T) {
	_, c := newEchoServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for an empty batch")
	})

	results, err := c.Batch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}
