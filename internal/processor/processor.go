// Package processor turns raw blocks into derived events on the ordered
// core stream and, optionally, on the per-kind legacy streams.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dex-indexer/internal/chain"
	"dex-indexer/internal/domain"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/ordering"
	"dex-indexer/internal/parser"
	"dex-indexer/internal/stream"
)

// Options configures a Processor.
type Options struct {
	Parser    *parser.Parser
	Publisher *stream.Publisher
	// CoreStream receives every event, bundled per transaction.
	CoreStream string
	// LegacyStreams receives events of a kind on its own stream. Kinds
	// without an entry are not published there.
	LegacyStreams map[domain.EventKind]string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Processor is the handler of the raw block stream.
type Processor struct {
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Parser == nil || opts.Publisher == nil {
		return nil, errors.New("processor: parser and publisher are required")
	}
	if opts.CoreStream == "" {
		return nil, errors.New("processor: core stream is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{opts: opts, logger: logger, metrics: opts.Metrics}, nil
}

// Handle processes raw block records in delivery order. A block is acked once
// all its events are published. Undecodable blocks are acked and dropped.
// A publish failure stops the batch; the block and those after it stay
// pending and are redelivered, which may publish some events twice.
func (p *Processor) Handle(ctx context.Context, records []stream.Record, ack stream.Acker) error {
	for _, rec := range records {
		raw, err := chain.DecodeRawBlock(rec.Values)
		if err != nil {
			p.drop(rec, err)
			ack.Ack(rec.ID)
			continue
		}
		events, err := p.opts.Parser.Parse(raw)
		if err != nil {
			p.drop(rec, err)
			ack.Ack(rec.ID)
			continue
		}

		if err := p.publish(ctx, events); err != nil {
			return fmt.Errorf("block %d: %w", raw.Height, err)
		}
		ack.Ack(rec.ID)
		p.metrics.RecordBlock("processor", raw.Height)

		if len(events) > 0 {
			p.logger.Debug("block processed", "height", raw.Height, "events", len(events))
		}
	}
	return nil
}

// publish emits events bundle by bundle so each transaction reaches the core
// stream in causal order.
func (p *Processor) publish(ctx context.Context, events []domain.Event) error {
	for _, ev := range ordering.Flatten(ordering.BundleByTx(events)) {
		fields, err := domain.EncodeFields(ev)
		if err != nil {
			return err
		}
		if _, err := p.opts.Publisher.Publish(ctx, p.opts.CoreStream, fields); err != nil {
			return fmt.Errorf("publish %s: %w", ev.Kind, err)
		}
		p.metrics.RecordEventPublished(string(ev.Kind))

		legacy, ok := p.opts.LegacyStreams[ev.Kind]
		if !ok || legacy == "" {
			continue
		}
		fields, err = domain.EncodeLegacy(ev)
		if err != nil {
			return err
		}
		if _, err := p.opts.Publisher.Publish(ctx, legacy, fields); err != nil {
			return fmt.Errorf("publish %s to %s: %w", ev.Kind, legacy, err)
		}
	}
	return nil
}

func (p *Processor) drop(rec stream.Record, err error) {
	p.metrics.RecordParseFailure()
	p.logger.Warn("dropping undecodable block", "id", rec.ID, "error", err)
}
