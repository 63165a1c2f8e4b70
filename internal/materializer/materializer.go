// Package materializer applies ordered DEX events to the stores.
//
// Events of a delivered batch are decoded, sorted into causal order and
// turned into rows. Rows are written through a batch.Queue; a record is
// acknowledged only after the write carrying its rows committed. Records
// that can never be applied are dead-lettered and acknowledged.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dex-indexer/internal/batch"
	"dex-indexer/internal/deadletter"
	"dex-indexer/internal/domain"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/ordering"
	"dex-indexer/internal/poolcache"
	"dex-indexer/internal/storage"
	"dex-indexer/internal/stream"
)

// Default configuration values.
const (
	DefaultResolveRetries    = 5
	DefaultResolveDelay      = 200 * time.Millisecond
	DefaultSinkBackoff       = 250 * time.Millisecond
	DefaultSinkMaxElapsed    = 30 * time.Second
	DefaultConflictWarnRatio = 0.5
	DefaultWarnEvery         = time.Minute
)

// PoolRegistrar registers pools in the durable directory.
type PoolRegistrar interface {
	UpsertPool(ctx context.Context, p *domain.Pool) error
}

// Source identifies the stream a handler consumes. Kind is empty for the
// ordered core stream and names the event kind of a legacy per-kind stream.
type Source struct {
	Stream string
	Group  string
	Kind   domain.EventKind
}

// Options configures a Materializer.
type Options struct {
	Pools      PoolRegistrar
	Cache      *poolcache.Cache
	Sink       storage.Sink
	DeadLetter deadletter.Sink
	// Broker acknowledges records after asynchronous flushes. Unused when
	// SyncFlush is set.
	Broker stream.Broker

	MaxItems     int
	MaxWait      time.Duration
	FlushTimeout time.Duration
	// SyncFlush writes every delivered batch before the handler returns.
	SyncFlush bool

	ResolveRetries int
	ResolveDelay   time.Duration

	SinkBackoff    time.Duration
	SinkMaxElapsed time.Duration

	ConflictWarnRatio float64
	WarnEvery         time.Duration
	LogPayloads       bool

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// entry is the rows of one record, queued for writing. values are kept
// for dead-lettering a record whose rows the sink rejects.
type entry struct {
	src    Source
	id     string
	values map[string]string
	ws     domain.WriteSet
}

// Materializer turns stream records into store writes.
type Materializer struct {
	opts    Options
	pools   PoolRegistrar
	cache   *poolcache.Cache
	queue   *batch.Queue[entry]
	logger  *slog.Logger
	metrics *observability.Metrics

	conflicts *sampler
}

// New creates a Materializer.
func New(opts Options) (*Materializer, error) {
	if opts.Pools == nil || opts.Cache == nil || opts.Sink == nil {
		return nil, errors.New("materializer: pools, cache and sink are required")
	}
	if !opts.SyncFlush && opts.Broker == nil {
		return nil, errors.New("materializer: asynchronous flushes need a broker to acknowledge")
	}
	if opts.DeadLetter == nil {
		opts.DeadLetter = deadletter.Nop{}
	}
	if opts.ResolveRetries < 0 {
		opts.ResolveRetries = 0
	}
	if opts.ResolveDelay <= 0 {
		opts.ResolveDelay = DefaultResolveDelay
	}
	if opts.SinkBackoff <= 0 {
		opts.SinkBackoff = DefaultSinkBackoff
	}
	if opts.SinkMaxElapsed <= 0 {
		opts.SinkMaxElapsed = DefaultSinkMaxElapsed
	}
	if opts.ConflictWarnRatio <= 0 {
		opts.ConflictWarnRatio = DefaultConflictWarnRatio
	}
	if opts.WarnEvery <= 0 {
		opts.WarnEvery = DefaultWarnEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Materializer{
		opts:      opts,
		pools:     opts.Pools,
		cache:     opts.Cache,
		logger:    logger,
		metrics:   opts.Metrics,
		conflicts: newSampler(opts.WarnEvery, opts.Now),
	}
	m.queue = batch.New(batch.Options[entry]{
		MaxItems:     opts.MaxItems,
		MaxWait:      opts.MaxWait,
		FlushTimeout: opts.FlushTimeout,
		Flush:        m.flush,
		OnError: func(err error, items []entry) {
			logger.Error("write failed, records stay pending", "records", len(items), "error", err)
		},
		Logger: logger,
	})
	return m, nil
}

// Handler returns the stream handler for src.
func (m *Materializer) Handler(src Source) stream.Handler {
	return func(ctx context.Context, recs []stream.Record, acker stream.Acker) error {
		return m.handle(ctx, src, recs, acker)
	}
}

func (m *Materializer) handle(ctx context.Context, src Source, recs []stream.Record, acker stream.Acker) error {
	items := make([]ordering.Item, 0, len(recs))
	values := make(map[string]map[string]string, len(recs))
	for _, r := range recs {
		ev, err := m.decode(src, r)
		if err != nil {
			if err := m.deadLetter(ctx, src, r, err); err != nil {
				return err
			}
			acker.Ack(r.ID)
			continue
		}
		values[r.ID] = r.Values
		items = append(items, ordering.Item{RecordID: r.ID, Event: ev})
	}
	ordering.SortBatch(items)

	entries := make([]entry, 0, len(items))
	for _, it := range items {
		kind := string(it.Event.Kind)
		if m.opts.LogPayloads {
			m.logger.Debug("applying event", "stream", src.Stream, "id", it.RecordID, "kind", kind, "payload", values[it.RecordID]["payload"])
		}

		ws, err := m.apply(ctx, it.Event)
		switch {
		case errors.Is(err, ErrPoolNotFound):
			m.metrics.RecordEvent(kind, "dropped")
			meta := it.Event.Meta()
			m.logger.Error("dropping event for unknown pool",
				"kind", kind, "pair_contract", it.Event.PairContract(), "height", meta.Height, "tx_hash", meta.TxHash)
			acker.Ack(it.RecordID)
			continue
		case errors.Is(err, ErrPoisonRecord):
			if err := m.deadLetter(ctx, src, stream.Record{ID: it.RecordID, Values: values[it.RecordID]}, err); err != nil {
				return err
			}
			acker.Ack(it.RecordID)
			continue
		case err != nil:
			m.metrics.RecordEvent(kind, "error")
			return fmt.Errorf("apply %s %s: %w", kind, it.RecordID, err)
		}

		m.metrics.RecordEvent(kind, "applied")
		if ws.Empty() {
			acker.Ack(it.RecordID)
			continue
		}
		entries = append(entries, entry{src: src, id: it.RecordID, values: values[it.RecordID], ws: ws})
	}
	if len(entries) == 0 {
		return nil
	}

	if !m.opts.SyncFlush {
		m.queue.Push(entries...)
		return nil
	}
	if err := m.queue.Submit(ctx, entries...); err != nil {
		return err
	}
	for _, e := range entries {
		acker.Ack(e.id)
	}
	return nil
}

func (m *Materializer) decode(src Source, r stream.Record) (domain.Event, error) {
	if src.Kind != "" {
		return domain.DecodeLegacy(src.Kind, r.Values)
	}
	return domain.DecodeFields(r.Values)
}

func (m *Materializer) deadLetter(ctx context.Context, src Source, r stream.Record, cause error) error {
	reason := "malformed"
	switch {
	case errors.Is(cause, domain.ErrUnknownKind):
		reason = "unknown_kind"
	case errors.Is(cause, storage.ErrInvalidInput):
		reason = "rejected"
	}
	m.metrics.RecordDeadLetter(reason)
	m.logger.Warn("dead-lettering record", "stream", src.Stream, "id", r.ID, "error", cause)

	err := m.opts.DeadLetter.Archive(ctx, deadletter.Entry{
		Stream:   src.Stream,
		Group:    src.Group,
		RecordID: r.ID,
		Values:   r.Values,
		Reason:   cause.Error(),
		At:       m.opts.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", r.ID, err)
	}
	return nil
}

// flush writes the rows of items as one write set, retrying with
// exponential backoff, then acknowledges them when acks are asynchronous.
// When the sink rejects the write set as invalid, the records are written
// one at a time and the rejected ones are dead-lettered.
func (m *Materializer) flush(ctx context.Context, items []entry) error {
	start := time.Now()
	res, trades, err := m.write(ctx, items)
	if errors.Is(err, storage.ErrInvalidInput) {
		m.logger.Warn("write set rejected, writing records one at a time", "records", len(items), "error", err)
		res, trades, err = m.isolate(ctx, items)
	}
	m.metrics.RecordFlush(len(items), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("write %d records: %w", len(items), err)
	}

	m.reportConflicts(res, trades)

	if !m.opts.SyncFlush {
		if err := m.ack(ctx, items); err != nil {
			return err
		}
	}
	return nil
}

// write commits the rows of items in one sink call. It returns the
// number of trades written alongside the sink result.
func (m *Materializer) write(ctx context.Context, items []entry) (storage.WriteResult, int, error) {
	var ws domain.WriteSet
	for i := range items {
		ws.Append(&items[i].ws)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.SinkBackoff
	bo.MaxElapsedTime = m.opts.SinkMaxElapsed

	var res storage.WriteResult
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		res, err = m.opts.Sink.Write(ctx, &ws)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidInput) {
				return backoff.Permanent(err)
			}
			m.logger.Warn("write attempt failed", "attempt", attempt, "records", len(items), "error", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	return res, len(ws.Trades), err
}

// isolate writes items one at a time in order. Records the sink rejects
// are dead-lettered; any other failure stops the flush.
func (m *Materializer) isolate(ctx context.Context, items []entry) (storage.WriteResult, int, error) {
	var (
		total  storage.WriteResult
		trades int
	)
	for i := range items {
		res, n, err := m.write(ctx, items[i:i+1])
		switch {
		case errors.Is(err, storage.ErrInvalidInput):
			r := stream.Record{ID: items[i].id, Values: items[i].values}
			if err := m.deadLetter(ctx, items[i].src, r, err); err != nil {
				return total, trades, err
			}
		case err != nil:
			return total, trades, err
		default:
			total.Add(res)
			trades += n
		}
	}
	return total, trades, nil
}

func (m *Materializer) reportConflicts(res storage.WriteResult, trades int) {
	if res.TradeConflicts == 0 {
		return
	}
	m.metrics.RecordConflicts("trades", res.TradeConflicts)
	ratio := float64(res.TradeConflicts) / float64(trades)
	if ratio < m.opts.ConflictWarnRatio {
		return
	}
	if ok, suppressed := m.conflicts.allow(); ok {
		m.logger.Warn("high ledger conflict ratio, likely redelivery",
			"conflicts", res.TradeConflicts, "trades", trades, "ratio", ratio, "suppressed", suppressed)
	}
}

func (m *Materializer) ack(ctx context.Context, items []entry) error {
	type key struct{ stream, group string }
	ids := make(map[key][]string)
	var order []key
	for _, it := range items {
		k := key{it.src.Stream, it.src.Group}
		if _, ok := ids[k]; !ok {
			order = append(order, k)
		}
		ids[k] = append(ids[k], it.id)
	}
	for _, k := range order {
		if err := m.opts.Broker.Ack(ctx, k.stream, k.group, ids[k]...); err != nil {
			return fmt.Errorf("ack after write: %w", err)
		}
		m.metrics.RecordAcked(k.stream, len(ids[k]))
	}
	return nil
}

// Flush writes everything queued so far and waits for it.
func (m *Materializer) Flush(ctx context.Context) error {
	return m.queue.Flush(ctx)
}

// Drain writes everything queued, including rows queued while draining.
func (m *Materializer) Drain(ctx context.Context) error {
	return m.queue.Drain(ctx)
}
