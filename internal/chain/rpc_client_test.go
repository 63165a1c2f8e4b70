package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer answers JSON-RPC calls with the result returned by fn.
func rpcServer(t *testing.T, fn func(req rpcRequest) (interface{}, *RPCError)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := fn(req)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func sampleBlock(height string) map[string]interface{} {
	return map[string]interface{}{
		"header": map[string]interface{}{
			"chain_id": "zig-test-2",
			"height":   height,
			"time":     "2025-03-01T10:00:00.123456789Z",
		},
		"data": map[string]interface{}{
			"txs": []string{"dHgx", "dHgy"},
		},
	}
}

func TestHTTPClient_LatestHeight(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		assert.Equal(t, "status", req.Method)
		return map[string]interface{}{
			"sync_info": map[string]interface{}{"latest_block_height": "4242"},
		}, nil
	})

	client := NewHTTPClient(server.URL)
	h, err := client.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4242), h)
}

func TestHTTPClient_Block(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		assert.Equal(t, "block", req.Method)
		assert.Equal(t, "100", req.Params["height"])
		return map[string]interface{}{"block": sampleBlock("100")}, nil
	})

	client := NewHTTPClient(server.URL)
	b, err := client.Block(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, int64(100), b.Header.Height)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC), b.Header.Time)
	assert.Equal(t, []string{"dHgx", "dHgy"}, b.Txs)
	assert.Contains(t, string(b.RawHeader), "zig-test-2")
}

func TestHTTPClient_BlockResults(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		assert.Equal(t, "block_results", req.Method)
		return map[string]interface{}{
			"height": "100",
			"txs_results": []interface{}{
				map[string]interface{}{
					"code": 0,
					"events": []interface{}{
						map[string]interface{}{
							"type": "wasm",
							"attributes": []interface{}{
								map[string]interface{}{"key": "action", "value": "swap", "index": true},
							},
						},
					},
				},
				map[string]interface{}{"code": 5, "events": []interface{}{}},
			},
		}, nil
	})

	client := NewHTTPClient(server.URL)
	r, err := client.BlockResults(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, r.TxsResults, 2)
	assert.Equal(t, "swap", r.TxsResults[0].Events[0].Attr("action"))
	assert.Equal(t, uint32(5), r.TxsResults[1].Code)
}

func TestHTTPClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]interface{}{"sync_info": map[string]interface{}{"latest_block_height": "7"}},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
	h, err := client.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), h)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithMaxRetries(2), WithRetryDelay(time.Millisecond))
	_, err := client.LatestHeight(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		calls.Add(1)
		return nil, &RPCError{Code: -32603, Message: "Internal error", Data: "height 999 must be less than or equal to the current blockchain height 10"}
	})

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.Block(context.Background(), 999)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32603, rpcErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchRawBlock(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		switch req.Method {
		case "block":
			return map[string]interface{}{"block": sampleBlock("55")}, nil
		case "block_results":
			return map[string]interface{}{
				"height":      "55",
				"txs_results": []interface{}{map[string]interface{}{"code": 0, "events": []interface{}{}}},
			}, nil
		}
		return nil, &RPCError{Code: -32601, Message: "Method not found"}
	})

	raw, err := FetchRawBlock(context.Background(), NewHTTPClient(server.URL), 55)
	require.NoError(t, err)
	assert.Equal(t, int64(55), raw.Height)
	assert.Len(t, raw.Txs, 2)
	assert.Len(t, raw.Results, 1)

	fields, err := raw.Encode()
	require.NoError(t, err)
	decoded, err := DecodeRawBlock(fields)
	require.NoError(t, err)
	assert.Equal(t, raw.Height, decoded.Height)
	assert.True(t, raw.Time.Equal(decoded.Time))
}

func TestDecodeRawBlock_HeightFromHeader(t *testing.T) {
	fields := map[string]string{
		FieldRaw: `{"header":{"height":"77","time":"2025-03-01T10:00:00Z"},"txs":[],"results":[]}`,
	}
	b, err := DecodeRawBlock(fields)
	require.NoError(t, err)
	assert.Equal(t, int64(77), b.Height)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), b.Time)

	_, err = DecodeRawBlock(map[string]string{})
	assert.Error(t, err)
	_, err = DecodeRawBlock(map[string]string{FieldRaw: "{"})
	assert.Error(t, err)
}
