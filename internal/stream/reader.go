package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dex-indexer/internal/observability"
)

// Default configuration values.
const (
	DefaultBatchSize  = 512
	DefaultBlock      = 1500 * time.Millisecond
	DefaultBurst      = 120 * time.Millisecond
	DefaultClaimIdle  = 60 * time.Second
	DefaultClaimCount = 200
	DefaultClaimEvery = 25
	DefaultErrBackoff = 200 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
)

// Acker acknowledges records of the batch handed to a Handler. Acks are
// collected and sent in one call after the handler returns.
type Acker interface {
	Ack(id string)
	AckMany(ids []string)
}

// Handler processes a delivered batch. Records it does not acknowledge stay
// pending and are reclaimed after ClaimIdle. A returned error is logged and
// never stops the reader.
type Handler func(ctx context.Context, records []Record, ack Acker) error

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	Broker   Broker
	Stream   string
	Group    string
	Consumer string

	// BatchSize is the target number of records per handler call.
	BatchSize int64
	// Block is the longest wait of the first read of a cycle.
	Block time.Duration
	// Burst is the window of non-blocking top-up reads after the first read.
	Burst time.Duration

	// ClaimIdle is the idle time after which another consumer's pending
	// record may be claimed.
	ClaimIdle time.Duration
	// ClaimCount caps records claimed per attempt.
	ClaimCount int64
	// ClaimEvery runs a claim attempt every N read cycles.
	ClaimEvery int

	// AutoAck acknowledges every delivered record after the handler returns,
	// whatever it did. Only for handlers whose failures are terminal.
	AutoAck bool

	// ErrBackoff is the first sleep after a transport error; it grows up to MaxBackoff.
	ErrBackoff time.Duration
	MaxBackoff time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Reader consumes a stream through a consumer group with at-least-once
// delivery.
type Reader struct {
	opts    ReaderOptions
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewReader creates a Reader, filling defaults for unset options.
func NewReader(opts ReaderOptions) *Reader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Block == 0 {
		opts.Block = DefaultBlock
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = DefaultClaimIdle
	}
	if opts.ClaimCount <= 0 {
		opts.ClaimCount = DefaultClaimCount
	}
	if opts.ClaimEvery <= 0 {
		opts.ClaimEvery = DefaultClaimEvery
	}
	if opts.ErrBackoff <= 0 {
		opts.ErrBackoff = DefaultErrBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", opts.Stream, "group", opts.Group, "consumer", opts.Consumer)
	return &Reader{opts: opts, logger: logger, metrics: opts.Metrics}
}

// Stream returns the stream name.
func (r *Reader) Stream() string { return r.opts.Stream }

// EnsureGroup creates the consumer group at the stream tail if absent.
func (r *Reader) EnsureGroup(ctx context.Context) error {
	return EnsureGroup(ctx, r.opts.Broker, r.opts.Stream, r.opts.Group)
}

// EnsureGroup creates group on stream if absent. An existing group is not an error.
func EnsureGroup(ctx context.Context, b Broker, stream, group string) error {
	err := b.CreateGroup(ctx, stream, group)
	if err != nil && !errors.Is(err, ErrGroupExists) {
		return err
	}
	return nil
}

// Read returns up to batchSize new records. The first read waits up to block;
// when it returns fewer than batchSize records, non-blocking top-up reads
// follow for at most the burst window, stopping on an empty read.
func (r *Reader) Read(ctx context.Context, batchSize int64, block time.Duration) ([]Record, error) {
	recs, err := r.opts.Broker.ReadGroup(ctx, ReadArgs{
		Stream:   r.opts.Stream,
		Group:    r.opts.Group,
		Consumer: r.opts.Consumer,
		Count:    batchSize,
		Block:    block,
	})
	if err != nil || len(recs) == 0 {
		return nil, err
	}

	deadline := time.Now().Add(r.opts.Burst)
	for int64(len(recs)) < batchSize && time.Now().Before(deadline) {
		more, err := r.opts.Broker.ReadGroup(ctx, ReadArgs{
			Stream:   r.opts.Stream,
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			Count:    batchSize - int64(len(recs)),
			Block:    NoBlock,
		})
		if err != nil {
			// records already read are delivered; the error resurfaces next cycle
			r.logger.Warn("top-up read failed", "error", err)
			break
		}
		if len(more) == 0 {
			break
		}
		recs = append(recs, more...)
	}
	return recs, nil
}

// ClaimStale reassigns up to maxCount pending records idle longer than
// minIdle to this consumer and returns them. Nothing qualifying is not an error.
func (r *Reader) ClaimStale(ctx context.Context, minIdle time.Duration, maxCount int64) ([]Record, error) {
	pending, err := r.opts.Broker.Pending(ctx, r.opts.Stream, r.opts.Group, minIdle, maxCount)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	recs, err := r.opts.Broker.Claim(ctx, r.opts.Stream, r.opts.Group, r.opts.Consumer, minIdle, ids)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		r.metrics.RecordClaimed(r.opts.Stream, len(recs))
		r.logger.Info("claimed stale records", "count", len(recs))
	}
	return recs, nil
}

// Ack acknowledges ids outside a handler call.
func (r *Reader) Ack(ctx context.Context, ids ...string) error {
	if err := r.opts.Broker.Ack(ctx, r.opts.Stream, r.opts.Group, ids...); err != nil {
		return err
	}
	r.metrics.RecordAcked(r.opts.Stream, len(ids))
	return nil
}

// Run creates the group and then loops until ctx is cancelled:
// claim stale records every ClaimEvery cycles, read a batch, hand records to
// h and acknowledge what it acked. Transport errors back off and retry;
// handler errors are logged. Run returns ctx.Err().
func (r *Reader) Run(ctx context.Context, h Handler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.ErrBackoff
	bo.MaxInterval = r.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		if err := r.EnsureGroup(ctx); err != nil {
			r.logger.Error("ensure group failed", "error", err)
			sleep(ctx, bo.NextBackOff())
			continue
		}
		break
	}
	r.logger.Info("reader ready", "batch", r.opts.BatchSize, "block", r.opts.Block)

	for cycle := 0; ctx.Err() == nil; cycle++ {
		if cycle%r.opts.ClaimEvery == 0 {
			claimed, err := r.ClaimStale(ctx, r.opts.ClaimIdle, r.opts.ClaimCount)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				r.logger.Warn("claim stale failed", "error", err)
			} else if len(claimed) > 0 {
				if err := r.dispatch(ctx, claimed, h); err != nil {
					r.transportError(ctx, bo, err)
					continue
				}
			}
		}

		recs, err := r.Read(ctx, r.opts.BatchSize, r.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.transportError(ctx, bo, err)
			continue
		}
		bo.Reset()
		if len(recs) == 0 {
			continue
		}
		if err := r.dispatch(ctx, recs, h); err != nil {
			r.transportError(ctx, bo, err)
		}
	}
	return ctx.Err()
}

func (r *Reader) transportError(ctx context.Context, bo backoff.BackOff, err error) {
	if ctx.Err() != nil {
		return
	}
	wait := bo.NextBackOff()
	r.metrics.RecordReaderError(r.opts.Stream, "transport")
	r.logger.Warn("stream transport error", "error", err, "backoff", wait)
	sleep(ctx, wait)
}

// dispatch runs the handler and sends collected acks. Only ack failures are
// returned; handler failures are logged.
func (r *Reader) dispatch(ctx context.Context, recs []Record, h Handler) error {
	r.metrics.RecordRead(r.opts.Stream, len(recs))

	acks := &collector{}
	if err := safeHandle(ctx, h, recs, acks); err != nil {
		r.metrics.RecordReaderError(r.opts.Stream, "handler")
		r.logger.Error("handler failed", "records", len(recs), "error", err)
	}

	ids := acks.ids()
	if r.opts.AutoAck {
		ids = make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return r.Ack(ctx, ids...)
}

func safeHandle(ctx context.Context, h Handler, recs []Record, ack Acker) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, recs, ack)
}

// collector gathers acked ids in order, without duplicates.
type collector struct {
	mu   sync.Mutex
	seen map[string]struct{}
	list []string
}

func (c *collector) Ack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.list = append(c.list, id)
}

func (c *collector) AckMany(ids []string) {
	for _, id := range ids {
		c.Ack(id)
	}
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
