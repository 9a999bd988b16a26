package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/rpcclient"
)

type jsonrpcIn struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type jsonrpcOut struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Result  interface{} `json:"result,omitempty"`
}

func newFetcher(t *testing.T, cfg *Config, handler http.HandlerFunc) (*Fetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rpcCfg := rpcclient.DefaultConfig(srv.URL)
	rpcCfg.RequestBatchSize = 50
	client, err := rpcclient.New(rpcCfg, nil)
	require.NoError(t, err)

	if cfg == nil {
		cfg = &Config{BlocksPerBatch: 10, MinBlocksPerBatch: 1, RPCSupportsBlockReceipts: true}
	}
	f, err := New(client, cfg, zap.NewNop())
	require.NoError(t, err)
	return f, srv
}

func decodeRequests(t *testing.T, r *http.Request) []jsonrpcIn {
	t.Helper()
	var reqs []jsonrpcIn
	require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
	return reqs
}

func TestGetCurrentBlockNumber(t *testing.T) {
	f, _ := newFetcher(t, nil, func(w http.ResponseWriter, r *http.Request) {
		reqs := decodeRequests(t, r)
		require.Len(t, reqs, 1)
		assert.Equal(t, "eth_blockNumber", reqs[0].Method)
		resp := []jsonrpcOut{{JSONRPC: "2.0", ID: reqs[0].ID, Result: "0x2a"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	n, err := f.GetCurrentBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}

func TestFetchBlockchainIdFromPrecompile(t *testing.T) {
	f, _ := newFetcher(t, nil, func(w http.ResponseWriter, r *http.Request) {
		reqs := decodeRequests(t, r)
		require.Len(t, reqs, 1)
		assert.Equal(t, "eth_call", reqs[0].Method)
		resp := []jsonrpcOut{{JSONRPC: "2.0", ID: reqs[0].ID, Result: "0xdeadbeef"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	data, err := f.FetchBlockchainIdFromPrecompile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)
}

func TestGetBlocksWithReceipts_EmptyBlocksWithBlockReceipts(t *testing.T) {
	f, _ := newFetcher(t, &Config{BlocksPerBatch: 10, MinBlocksPerBatch: 1, RPCSupportsBlockReceipts: true}, func(w http.ResponseWriter, r *http.Request) {
		reqs := decodeRequests(t, r)
		resp := make([]jsonrpcOut, len(reqs))
		for i, req := range reqs {
			switch req.Method {
			case "eth_getBlockByNumber":
				resp[i] = jsonrpcOut{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
					"number":           "0x1",
					"hash":             "0x0000000000000000000000000000000000000000000000000000000000000001",
					"parentHash":       "0x0000000000000000000000000000000000000000000000000000000000000000",
					"timestamp":        "0x64000000",
					"gasUsed":          "0x0",
					"gasLimit":         "0x1c9c380",
					"stateRoot":        "0x0000000000000000000000000000000000000000000000000000000000000002",
					"transactionsRoot": "0x0000000000000000000000000000000000000000000000000000000000000003",
					"transactions":     []interface{}{},
				}}
			case "eth_getBlockReceipts":
				resp[i] = jsonrpcOut{JSONRPC: "2.0", ID: req.ID, Result: []interface{}{}}
			default:
				t.Fatalf("unexpected method %s", req.Method)
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	blocks, err := f.GetBlocksWithReceipts(context.Background(), []uint64{1})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint64(1), blocks[0].Block.Number)
	assert.Empty(t, blocks[0].TxHashes)
	assert.False(t, blocks[0].HasDebug)
}

func TestGetBlocksWithReceipts_EmptyInputNoOp(t *testing.T) {
	f, _ := newFetcher(t, nil, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for an empty request")
	})

	blocks, err := f.GetBlocksWithReceipts(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, blocks)
}

func TestGetBlocksWithReceipts_SubRequestErrorSurfaced(t *testing.T) {
	f, _ := newFetcher(t, &Config{BlocksPerBatch: 10, MinBlocksPerBatch: 1}, func(w http.ResponseWriter, r *http.Request) {
		reqs := decodeRequests(t, r)
		resp := []map[string]interface{}{{
			"jsonrpc": "2.0",
			"id":      reqs[0].ID,
			"error":   map[string]interface{}{"code": -32000, "message": "header not found"},
		}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	_, err := f.GetBlocksWithReceipts(context.Background(), []uint64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header not found")
}
