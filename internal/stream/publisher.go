package stream

import (
	"context"

	"dex-indexer/internal/observability"
)

// Publisher appends records to streams.
type Publisher struct {
	broker  Broker
	maxLen  int64
	metrics *observability.Metrics
}

// NewPublisher creates a Publisher. maxLen > 0 caps every stream
// approximately at that many entries.
func NewPublisher(b Broker, maxLen int64, metrics *observability.Metrics) *Publisher {
	return &Publisher{broker: b, maxLen: maxLen, metrics: metrics}
}

// Publish appends one record and returns its id.
func (p *Publisher) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	id, err := p.broker.Add(ctx, stream, values, p.maxLen)
	if err != nil {
		return "", err
	}
	p.metrics.RecordPublished(stream)
	return id, nil
}
