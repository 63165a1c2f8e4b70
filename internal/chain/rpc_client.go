package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"dex-indexer/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultBackoffMult = 2.0
)

// HTTPClient implements RPCClient using HTTP JSON-RPC 2.0.
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
	metrics     *observability.Metrics
}

var _ RPCClient = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithMetrics records request latency per method.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *HTTPClient) {
		c.metrics = m
	}
}

// NewHTTPClient creates a new CometBFT RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request. CometBFT takes named params.
type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error returned by the node. It is never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("RPC error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call with retries and exponential backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params map[string]string, result interface{}) error {
	if params == nil {
		params = map[string]string{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	defer func() { c.metrics.RecordRPCLatency(method, time.Since(start)) }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryDelay
	bo.MaxInterval = c.maxDelay
	bo.Multiplier = c.backoffMult
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("rate limited (429)")
		}

		var rpcResp rpcResponse
		if jsonErr := json.Unmarshal(respBody, &rpcResp); jsonErr == nil && rpcResp.Error != nil {
			return backoff.Permanent(rpcResp.Error)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return backoff.Permanent(fmt.Errorf("unmarshal %s result: %w", method, err))
			}
		}
		return nil
	}

	err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%s: max retries exceeded: %w", method, err)
	}
	return nil
}

// LatestHeight returns the height of the latest committed block.
func (c *HTTPClient) LatestHeight(ctx context.Context) (int64, error) {
	var result struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	}
	if err := c.call(ctx, "status", nil, &result); err != nil {
		return 0, err
	}
	h, err := strconv.ParseInt(result.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("status: latest_block_height %q: %w", result.SyncInfo.LatestBlockHeight, err)
	}
	return h, nil
}

// Block retrieves a block by height.
func (c *HTTPClient) Block(ctx context.Context, height int64) (*Block, error) {
	var result struct {
		Block *rpcBlock `json:"block"`
	}
	if err := c.call(ctx, "block", heightParam(height), &result); err != nil {
		return nil, err
	}
	if result.Block == nil {
		return nil, fmt.Errorf("block %d: missing block", height)
	}
	return result.Block.toBlock()
}

// BlockResults retrieves the transaction results of a block.
func (c *HTTPClient) BlockResults(ctx context.Context, height int64) (*BlockResults, error) {
	var result struct {
		Height     string     `json:"height"`
		TxsResults []TxResult `json:"txs_results"`
	}
	if err := c.call(ctx, "block_results", heightParam(height), &result); err != nil {
		return nil, err
	}
	return &BlockResults{Height: height, TxsResults: result.TxsResults}, nil
}

// FetchRawBlock fetches a block and its results concurrently.
func FetchRawBlock(ctx context.Context, rpc RPCClient, height int64) (*RawBlock, error) {
	var (
		block   *Block
		results *BlockResults
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		block, err = rpc.Block(gctx, height)
		return err
	})
	g.Go(func() error {
		var err error
		results, err = rpc.BlockResults(gctx, height)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", height, err)
	}
	return NewRawBlock(block, results), nil
}

func heightParam(height int64) map[string]string {
	return map[string]string{"height": strconv.FormatInt(height, 10)}
}

// rpcBlock is the JSON shape of a block.
type rpcBlock struct {
	Header json.RawMessage `json:"header"`
	Data   struct {
		Txs []string `json:"txs"`
	} `json:"data"`
}

func (b *rpcBlock) toBlock() (*Block, error) {
	var h rpcHeader
	if err := json.Unmarshal(b.Header, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	hdr, err := h.parse()
	if err != nil {
		return nil, err
	}
	return &Block{Header: hdr, RawHeader: b.Header, Txs: b.Data.Txs}, nil
}
