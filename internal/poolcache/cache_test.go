package poolcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

type fakeLoader struct {
	mu    sync.Mutex
	pools map[string]domain.Pool
	calls atomic.Int64
	fail  error
	delay time.Duration
}

func newFakeLoader(pools ...domain.Pool) *fakeLoader {
	l := &fakeLoader{pools: make(map[string]domain.Pool)}
	for _, p := range pools {
		l.pools[p.PairContract] = p
	}
	return l
}

func (l *fakeLoader) GetPool(_ context.Context, pair string) (*domain.Pool, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	p, ok := l.pools[pair]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (l *fakeLoader) set(p domain.Pool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pools[p.PairContract] = p
}

func (l *fakeLoader) ListPools(_ context.Context, limit int) ([]domain.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Pool
	for _, p := range l.pools {
		if len(out) == limit {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func pool(id int64) domain.Pool {
	return domain.Pool{PoolID: id, PairContract: fmt.Sprintf("zig1pair%d", id), BaseDenom: "ubase", QuoteDenom: domain.ReferenceDenom}
}

func newCache(l *fakeLoader, clk *clock, max int) *Cache {
	return New(Options{
		Loader:      l,
		MaxEntries:  max,
		SoftTTL:     10 * time.Minute,
		NegativeTTL: time.Minute,
		Now:         clk.Now,
	})
}

func TestLookupCachesPositive(t *testing.T) {
	l := newFakeLoader(pool(1))
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 10)

	for i := 0; i < 3; i++ {
		p, err := c.Lookup(context.Background(), "zig1pair1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.PoolID)
	}
	assert.Equal(t, int64(1), l.calls.Load())
}

func TestNegativeCacheExpires(t *testing.T) {
	l := newFakeLoader()
	clk := &clock{now: time.Unix(0, 0)}
	c := newCache(l, clk, 10)
	ctx := context.Background()

	_, err := c.Lookup(ctx, "zig1pair7")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = c.Lookup(ctx, "zig1pair7")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int64(1), l.calls.Load(), "miss is remembered")

	l.set(pool(7))
	_, err = c.Lookup(ctx, "zig1pair7")
	assert.ErrorIs(t, err, storage.ErrNotFound, "still within negative ttl")

	clk.Advance(time.Minute)
	p, err := c.Lookup(ctx, "zig1pair7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.PoolID)
	assert.Equal(t, int64(2), l.calls.Load(), "one read after expiry")
	assert.Equal(t, 0, c.Misses())
}

func TestNegativeCacheIsBounded(t *testing.T) {
	l := newFakeLoader()
	clk := &clock{now: time.Unix(0, 0)}
	c := newCache(l, clk, 10)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_, err := c.Lookup(ctx, fmt.Sprintf("zig1unknown%d", i))
		require.ErrorIs(t, err, storage.ErrNotFound)
		assert.LessOrEqual(t, c.Misses(), 10)
	}
	assert.Equal(t, 10, c.Misses())

	// the newest misses survive eviction
	calls := l.calls.Load()
	_, err := c.Lookup(ctx, "zig1unknown999")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, calls, l.calls.Load())
	_, err = c.Lookup(ctx, "zig1unknown0")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, calls+1, l.calls.Load())
}

func TestExpiredMissesAreDroppedOnInsert(t *testing.T) {
	l := newFakeLoader()
	clk := &clock{now: time.Unix(0, 0)}
	c := newCache(l, clk, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Lookup(ctx, fmt.Sprintf("zig1old%d", i))
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
	require.Equal(t, 5, c.Misses())

	clk.Advance(time.Minute)
	_, err := c.Lookup(ctx, "zig1new")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, c.Misses())
}

func TestLookupFreshBypassesNegative(t *testing.T) {
	l := newFakeLoader()
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 10)
	ctx := context.Background()

	_, err := c.Lookup(ctx, "zig1pair3")
	require.ErrorIs(t, err, storage.ErrNotFound)

	l.set(pool(3))
	p, err := c.LookupFresh(ctx, "zig1pair3")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.PoolID)

	p, err = c.Lookup(ctx, "zig1pair3")
	require.NoError(t, err, "fresh hit replaces the negative entry")
	assert.Equal(t, int64(3), p.PoolID)
}

func TestPutClearsNegative(t *testing.T) {
	l := newFakeLoader()
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 10)
	ctx := context.Background()

	_, err := c.Lookup(ctx, "zig1pair4")
	require.ErrorIs(t, err, storage.ErrNotFound)

	c.Put(pool(4))
	p, err := c.Lookup(ctx, "zig1pair4")
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.PoolID)
}

func TestStaleWhileRevalidate(t *testing.T) {
	l := newFakeLoader(pool(1))
	clk := &clock{now: time.Unix(0, 0)}
	c := newCache(l, clk, 10)
	ctx := context.Background()

	_, err := c.Lookup(ctx, "zig1pair1")
	require.NoError(t, err)

	updated := pool(1)
	updated.PairType = "xyk"
	l.set(updated)
	clk.Advance(11 * time.Minute)

	p, err := c.Lookup(ctx, "zig1pair1")
	require.NoError(t, err)
	assert.Equal(t, "", p.PairType, "stale entry is served")

	c.Wait()
	p, err = c.Lookup(ctx, "zig1pair1")
	require.NoError(t, err)
	assert.Equal(t, "xyk", p.PairType)
	assert.Equal(t, int64(2), l.calls.Load())
}

func TestRefreshFailureKeepsEntry(t *testing.T) {
	l := newFakeLoader(pool(1))
	clk := &clock{now: time.Unix(0, 0)}
	c := newCache(l, clk, 10)
	ctx := context.Background()

	_, err := c.Lookup(ctx, "zig1pair1")
	require.NoError(t, err)

	l.mu.Lock()
	l.fail = errors.New("db down")
	l.mu.Unlock()
	clk.Advance(11 * time.Minute)

	p, err := c.Lookup(ctx, "zig1pair1")
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, int64(1), p.PoolID)
	assert.Equal(t, 1, c.Len())
}

func TestEvictsOldestInsertion(t *testing.T) {
	l := newFakeLoader()
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 2)

	c.Put(pool(1))
	c.Put(pool(2))
	c.Put(pool(3))
	assert.Equal(t, 2, c.Len())

	_, err := c.Lookup(context.Background(), "zig1pair1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "evicted entry goes back to the loader")
	_, err = c.Lookup(context.Background(), "zig1pair3")
	assert.NoError(t, err)
}

func TestInvalidate(t *testing.T) {
	l := newFakeLoader(pool(1))
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 10)
	ctx := context.Background()

	_, err := c.Lookup(ctx, "zig1pair1")
	require.NoError(t, err)
	c.Invalidate("zig1pair1")
	assert.Equal(t, 0, c.Len())

	_, err = c.Lookup(ctx, "zig1pair1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.calls.Load())
}

func TestConcurrentMissesShareLoad(t *testing.T) {
	l := newFakeLoader(pool(1))
	l.delay = 50 * time.Millisecond
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Lookup(context.Background(), "zig1pair1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), l.calls.Load())
}

func TestLoaderErrorNotCached(t *testing.T) {
	l := newFakeLoader(pool(1))
	l.fail = errors.New("timeout")
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 10)

	_, err := c.Lookup(context.Background(), "zig1pair1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)

	l.mu.Lock()
	l.fail = nil
	l.mu.Unlock()
	_, err = c.Lookup(context.Background(), "zig1pair1")
	assert.NoError(t, err)
}

func TestPreload(t *testing.T) {
	l := newFakeLoader(pool(1), pool(2), pool(3))
	c := newCache(l, &clock{now: time.Unix(0, 0)}, 10)

	n, err := c.Preload(context.Background(), l, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, c.Len())

	_, err = c.Lookup(context.Background(), "zig1pair2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.calls.Load())
}
