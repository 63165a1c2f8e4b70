// Package ingestion publishes raw blocks of the chain to the raw block
// stream: live from a new block subscription with HTTP polling as fallback,
// or over a fixed height range.
package ingestion

import (
	"context"
	"fmt"

	"dex-indexer/internal/chain"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/storage"
	"dex-indexer/internal/stream"
)

// DefaultCursor is the name of the ingestion cursor in index_state.
const DefaultCursor = "core"

// Websocket status values stored under the status key.
const (
	StatusUp   = "up"
	StatusDown = "down"
)

// NewBlockSource is a live subscription to new blocks.
type NewBlockSource interface {
	SubscribeNewBlocks(ctx context.Context) (<-chan chain.NewBlock, error)
	// Err reports why the subscription channel closed.
	Err() error
	Close() error
}

// Dialer opens a NewBlockSource.
type Dialer func(ctx context.Context) (NewBlockSource, error)

// WSDialer dials the node websocket endpoint.
func WSDialer(endpoint string, cfg *chain.WSConfig) Dialer {
	return func(ctx context.Context) (NewBlockSource, error) {
		return chain.DialWS(ctx, endpoint, cfg)
	}
}

// StatusSetter stores the websocket status for other processes.
type StatusSetter interface {
	SetStatus(ctx context.Context, key, value string) error
}

// TailReader returns the newest record of a stream.
type TailReader interface {
	Last(ctx context.Context, stream string) (*stream.Record, error)
}

// emitter publishes raw blocks and moves the cursor behind them.
type emitter struct {
	rpc       chain.RPCClient
	publisher *stream.Publisher
	stream    string
	cursors   storage.CursorStore
	cursor    string
	source    string
	metrics   *observability.Metrics
}

// fetch loads a block with its results and emits it.
func (e *emitter) fetch(ctx context.Context, height int64) error {
	raw, err := chain.FetchRawBlock(ctx, e.rpc, height)
	if err != nil {
		return err
	}
	return e.emit(ctx, raw)
}

// emit publishes one block, then bumps the cursor. A crash in between
// publishes the block again on restart; consumers are idempotent.
func (e *emitter) emit(ctx context.Context, raw *chain.RawBlock) error {
	fields, err := raw.Encode()
	if err != nil {
		return err
	}
	if _, err := e.publisher.Publish(ctx, e.stream, fields); err != nil {
		return fmt.Errorf("publish block %d: %w", raw.Height, err)
	}
	if err := e.cursors.BumpCursor(ctx, e.cursor, raw.Height); err != nil {
		return fmt.Errorf("bump cursor to %d: %w", raw.Height, err)
	}
	e.metrics.RecordBlock(e.source, raw.Height)
	return nil
}
