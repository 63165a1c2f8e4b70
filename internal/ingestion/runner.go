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

// Runner defaults.
const (
	DefaultPollInterval   = 1200 * time.Millisecond
	DefaultPollWindow     = 5
	DefaultReconnectDelay = 3 * time.Second
)

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	RPC chain.RPCClient
	// Dial opens the live subscription. Nil runs on HTTP polling only.
	Dial Dialer

	Publisher *stream.Publisher
	Stream    string
	Cursors   storage.CursorStore
	// CursorName defaults to DefaultCursor.
	CursorName string
	// StartHeight is the first height indexed when no cursor exists yet.
	// Zero starts at the chain tip.
	StartHeight int64

	// Status receives StatusUp while the subscription is live.
	Status    StatusSetter
	StatusKey string
	// Tail lets polling resume from the newest published block.
	Tail TailReader

	PollInterval time.Duration
	// PollWindow bounds how far behind the tip polling starts.
	PollWindow     int64
	ReconnectDelay time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Runner publishes blocks as they are produced. It prefers the websocket
// subscription, fills height gaps over HTTP and polls while the subscription
// is down.
type Runner struct {
	opts    RunnerOptions
	emitter *emitter
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.RPC == nil || opts.Publisher == nil || opts.Cursors == nil {
		return nil, errors.New("ingestion: rpc, publisher and cursors are required")
	}
	if opts.Stream == "" {
		return nil, errors.New("ingestion: stream is required")
	}
	if opts.CursorName == "" {
		opts.CursorName = DefaultCursor
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollWindow == 0 {
		opts.PollWindow = DefaultPollWindow
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		opts: opts,
		emitter: &emitter{
			rpc:       opts.RPC,
			publisher: opts.Publisher,
			stream:    opts.Stream,
			cursors:   opts.Cursors,
			cursor:    opts.CursorName,
			source:    "realtime",
			metrics:   opts.Metrics,
		},
		logger:  logger.With("component", "ingest", "stream", opts.Stream),
		metrics: opts.Metrics,
	}, nil
}

// Run ingests until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.setStatus(ctx, StatusDown)

	if r.opts.Dial == nil {
		r.logger.Warn("no websocket endpoint; using HTTP polling")
		return r.poll(ctx)
	}

	for {
		err := r.runWS(ctx)
		r.setStatus(context.WithoutCancel(ctx), StatusDown)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.metrics.RecordReconnect()
		r.logger.Warn("websocket session ended", "error", err, "retry_in", r.opts.ReconnectDelay)

		// Keep up over HTTP while the subscription is down.
		last, err := r.resumeHeight(ctx)
		if err == nil {
			_, err = r.pollOnce(ctx, last)
		}
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("fallback poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.ReconnectDelay):
		}
	}
}

// runWS runs one subscription session until it fails.
func (r *Runner) runWS(ctx context.Context) error {
	src, err := r.opts.Dial(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	blocks, err := src.SubscribeNewBlocks(ctx)
	if err != nil {
		return err
	}
	r.setStatus(ctx, StatusUp)
	r.logger.Info("subscribed to new blocks")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case nb, ok := <-blocks:
			if !ok {
				if err := src.Err(); err != nil {
					return err
				}
				return errors.New("subscription closed")
			}
			if err := r.onNewBlock(ctx, nb.Block); err != nil {
				return err
			}
		}
	}
}

// onNewBlock fills any gap behind the block, then emits it with its results.
func (r *Runner) onNewBlock(ctx context.Context, b *chain.Block) error {
	h := b.Header.Height
	last, err := r.lastHeight(ctx)
	if err != nil {
		return err
	}
	if last > 0 && h <= last {
		r.logger.Debug("block already indexed", "height", h, "cursor", last)
		return nil
	}
	if last > 0 && h > last+1 {
		r.logger.Info("catching up", "from", last+1, "to", h-1)
		for gap := last + 1; gap < h; gap++ {
			if err := r.emitter.fetch(ctx, gap); err != nil {
				return fmt.Errorf("catch up %d: %w", gap, err)
			}
		}
	}

	results, err := r.opts.RPC.BlockResults(ctx, h)
	if err != nil {
		return fmt.Errorf("block results %d: %w", h, err)
	}
	if err := r.emitter.emit(ctx, chain.NewRawBlock(b, results)); err != nil {
		return err
	}
	r.logger.Debug("block published", "height", h)
	return nil
}

// poll publishes new blocks over HTTP until ctx is cancelled.
func (r *Runner) poll(ctx context.Context) error {
	last, err := r.resumeHeight(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("polling", "resume", last, "interval", r.opts.PollInterval)

	for {
		next, err := r.pollOnce(ctx, last)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("poll failed", "error", err)
		}
		last = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// pollOnce publishes blocks after last up to the tip, starting no further
// back than PollWindow. Returns the last height published.
func (r *Runner) pollOnce(ctx context.Context, last int64) (int64, error) {
	tip, err := r.opts.RPC.LatestHeight(ctx)
	if err != nil {
		return last, err
	}
	start := last
	if r.opts.PollWindow > 0 && tip-r.opts.PollWindow > start {
		start = tip - r.opts.PollWindow
		r.logger.Warn("behind tip beyond poll window; skipping ahead", "last", last, "tip", tip, "resume", start+1)
	}
	for h := start + 1; h <= tip; h++ {
		if err := r.emitter.fetch(ctx, h); err != nil {
			return last, err
		}
		last = h
	}
	return last, nil
}

// lastHeight returns the cursor, or StartHeight-1 before the first block.
func (r *Runner) lastHeight(ctx context.Context) (int64, error) {
	last, err := r.opts.Cursors.GetCursor(ctx, r.opts.CursorName)
	if err != nil {
		return 0, err
	}
	if last == 0 && r.opts.StartHeight > 0 {
		last = r.opts.StartHeight - 1
	}
	return last, nil
}

// resumeHeight is the cursor, raised to the newest block already on the
// stream. With neither, polling starts at the tip.
func (r *Runner) resumeHeight(ctx context.Context) (int64, error) {
	last, err := r.lastHeight(ctx)
	if err != nil {
		return 0, err
	}
	if r.opts.Tail != nil {
		rec, err := r.opts.Tail.Last(ctx, r.opts.Stream)
		if err != nil {
			r.logger.Warn("resume scan failed", "error", err)
		} else if rec != nil {
			if raw, err := chain.DecodeRawBlock(rec.Values); err == nil && raw.Height > last {
				last = raw.Height
			}
		}
	}
	if last == 0 {
		tip, err := r.opts.RPC.LatestHeight(ctx)
		if err != nil {
			return 0, err
		}
		last = tip - 1
	}
	return last, nil
}

func (r *Runner) setStatus(ctx context.Context, value string) {
	if r.opts.Status == nil || r.opts.StatusKey == "" {
		return
	}
	if err := r.opts.Status.SetStatus(ctx, r.opts.StatusKey, value); err != nil {
		r.logger.Warn("set websocket status failed", "error", err)
	}
}
