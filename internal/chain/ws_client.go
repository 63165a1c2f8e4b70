package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// NewBlockQuery is the event query of the new block subscription.
const NewBlockQuery = "tm.event='NewBlock'"

// ErrClientClosed is returned when using a closed WSClient.
var ErrClientClosed = errors.New("client closed")

// WSConfig configures WebSocket client behavior.
type WSConfig struct {
	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds the wait for the subscription confirmation.
	SubscribeTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Buffer is the capacity of the notification channel.
	Buffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		Buffer:           256,
	}
}

// NewBlock is a new block notification.
type NewBlock struct {
	Block *Block
}

// WSClient holds one WebSocket connection to a node carrying a single
// new block subscription. It does not reconnect: when the connection fails
// the notification channel is closed and Err reports the cause. Callers dial
// a fresh client to resume.
type WSClient struct {
	endpoint string
	config   WSConfig

	conn       *websocket.Conn
	writeMu    sync.Mutex
	closed     atomic.Bool
	subscribed atomic.Bool
	requestID  atomic.Uint64

	errMu sync.Mutex
	err   error

	done chan struct{}
	wg   sync.WaitGroup
}

// DialWS connects to the node's /websocket endpoint.
func DialWS(ctx context.Context, endpoint string, config *WSConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		conn:     conn,
		done:     make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})
	return c, nil
}

// SubscribeNewBlocks subscribes to new blocks. The returned channel is closed
// when the connection ends or the client is closed. It may be called once.
func (c *WSClient) SubscribeNewBlocks(ctx context.Context) (<-chan NewBlock, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if c.subscribed.Swap(true) {
		return nil, errors.New("already subscribed")
	}

	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "subscribe",
		Params:  map[string]string{"query": NewBlockQuery},
	}
	if err := c.writeJSON(req); err != nil {
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	if err := c.awaitConfirmation(ctx, reqID); err != nil {
		return nil, err
	}

	ch := make(chan NewBlock, c.config.Buffer)

	c.wg.Add(1)
	go c.readLoop(ch)

	c.wg.Add(1)
	go c.pingLoop()

	return ch, nil
}

// awaitConfirmation reads until the response to reqID arrives.
func (c *WSClient) awaitConfirmation(ctx context.Context, reqID uint64) error {
	deadline := time.Now().Add(c.config.SubscribeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)

	// Unblocks the read below when ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await subscription: %w", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.requestID() != reqID {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("subscribe: %w", msg.Error)
		}
		return nil
	}
}

// Err returns why the notification channel was closed, nil while open or
// after Close.
func (c *WSClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()

	c.wg.Wait()
	return err
}

// readLoop reads notifications and dispatches new blocks to ch.
func (c *WSClient) readLoop(ch chan<- NewBlock) {
	defer c.wg.Done()
	defer close(ch)

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.setErr(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		nb, ok, err := decodeNewBlock(message)
		if err != nil {
			c.setErr(err)
			_ = c.conn.Close()
			return
		}
		if !ok {
			continue
		}

		// Block until the consumer takes it; never drop blocks.
		select {
		case ch <- nb:
		case <-c.done:
			return
		}
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// The read loop notices the dead connection.
				return
			}
		}
	}
}

func (c *WSClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *WSClient) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// decodeNewBlock extracts a block from a subscription message. ok is false
// for messages that carry no block. A node error ends the subscription.
func decodeNewBlock(message []byte) (NewBlock, bool, error) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return NewBlock{}, false, nil
	}
	if msg.Error != nil {
		return NewBlock{}, false, fmt.Errorf("subscription error: %w", msg.Error)
	}
	if msg.Result == nil || msg.Result.Data == nil || len(msg.Result.Data.Value) == 0 {
		return NewBlock{}, false, nil
	}
	var value struct {
		Block *rpcBlock `json:"block"`
	}
	if err := json.Unmarshal(msg.Result.Data.Value, &value); err != nil || value.Block == nil {
		return NewBlock{}, false, nil
	}
	block, err := value.Block.toBlock()
	if err != nil {
		return NewBlock{}, false, nil
	}
	return NewBlock{Block: block}, true, nil
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params"`
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *wsResult       `json:"result"`
	Error   *RPCError       `json:"error"`
}

type wsResult struct {
	Query string        `json:"query"`
	Data  *wsResultData `json:"data"`
}

type wsResultData struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// requestID parses the echoed id, which nodes send as number or string.
func (m *wsMessage) requestID() uint64 {
	if len(m.ID) == 0 {
		return 0
	}
	var n uint64
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		fmt.Sscan(s, &n)
	}
	return n
}
