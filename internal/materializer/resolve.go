package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

// resolve returns the directory entry of pair. A miss is retried up to
// ResolveRetries times, ResolveDelay apart, bypassing remembered misses:
// the pool may be committed by a concurrent worker in the meantime.
func (m *Materializer) resolve(ctx context.Context, pair string) (*domain.Pool, error) {
	p, err := m.cache.Lookup(ctx, pair)
	for attempt := 0; errors.Is(err, storage.ErrNotFound) && attempt < m.opts.ResolveRetries; attempt++ {
		m.metrics.RecordResolveRetry()
		t := time.NewTimer(m.opts.ResolveDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		p, err = m.cache.LookupFresh(ctx, pair)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, pair)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve pool %s: %w", pair, err)
	}
	return p, nil
}
