package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dex-indexer/internal/chain"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/storage"
	"dex-indexer/internal/stream"
)

// Backfiller publishes a fixed range of historical blocks.
type Backfiller struct {
	rpc     chain.RPCClient
	emitter *emitter
	cursors storage.CursorStore
	cursor  string
	sleep   time.Duration
	logger  *slog.Logger
}

// BackfillOptions contains configuration for creating a Backfiller.
type BackfillOptions struct {
	RPC        chain.RPCClient
	Publisher  *stream.Publisher
	Stream     string
	Cursors    storage.CursorStore
	CursorName string
	// Sleep is a pause between blocks to spare the node.
	Sleep   time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewBackfiller creates a new historical data backfiller.
func NewBackfiller(opts BackfillOptions) (*Backfiller, error) {
	if opts.RPC == nil || opts.Publisher == nil || opts.Cursors == nil {
		return nil, errors.New("backfill: rpc, publisher and cursors are required")
	}
	if opts.Stream == "" {
		return nil, errors.New("backfill: stream is required")
	}
	if opts.CursorName == "" {
		opts.CursorName = DefaultCursor
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Backfiller{
		rpc: opts.RPC,
		emitter: &emitter{
			rpc:       opts.RPC,
			publisher: opts.Publisher,
			stream:    opts.Stream,
			cursors:   opts.Cursors,
			cursor:    opts.CursorName,
			source:    "backfill",
			metrics:   opts.Metrics,
		},
		cursors: opts.Cursors,
		cursor:  opts.CursorName,
		sleep:   opts.Sleep,
		logger:  logger.With("component", "backfill", "stream", opts.Stream),
	}, nil
}

// BackfillResult contains statistics from a backfill operation.
type BackfillResult struct {
	From      int64
	To        int64
	Published int
	Failed    []int64
	Duration  time.Duration
}

// BackfillRange publishes blocks from..to inclusive. from = 0 resumes after
// the cursor; to = 0 runs to the current tip. A block that fails is logged
// and skipped; the heights are reported in the result.
func (b *Backfiller) BackfillRange(ctx context.Context, from, to int64) (*BackfillResult, error) {
	start := time.Now()

	if from <= 0 {
		cur, err := b.cursors.GetCursor(ctx, b.cursor)
		if err != nil {
			return nil, fmt.Errorf("read cursor: %w", err)
		}
		from = cur + 1
	}
	if to <= 0 {
		tip, err := b.rpc.LatestHeight(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest height: %w", err)
		}
		to = tip
	}
	if to < from {
		return nil, fmt.Errorf("backfill: empty range %d..%d", from, to)
	}

	result := &BackfillResult{From: from, To: to}
	b.logger.Info("starting backfill", "from", from, "to", to)

	for h := from; h <= to; h++ {
		if err := b.emitter.fetch(ctx, h); err != nil {
			if ctx.Err() != nil {
				result.Duration = time.Since(start)
				return result, ctx.Err()
			}
			b.logger.Warn("block failed", "height", h, "error", err)
			result.Failed = append(result.Failed, h)
			continue
		}
		result.Published++

		if b.sleep > 0 && h < to {
			select {
			case <-ctx.Done():
				result.Duration = time.Since(start)
				return result, ctx.Err()
			case <-time.After(b.sleep):
			}
		}
	}

	result.Duration = time.Since(start)
	b.logger.Info("backfill complete",
		"published", result.Published,
		"failed", len(result.Failed),
		"duration", result.Duration.Round(time.Millisecond))
	return result, nil
}
