// Package poolcache is a process-local cache of the pool directory with
// stale-while-revalidate refresh and negative caching of unknown pools.
package poolcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/storage"
)

// Default configuration values.
const (
	DefaultMaxEntries     = 2000
	DefaultSoftTTL        = 10 * time.Minute
	DefaultNegativeTTL    = 60 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
)

// Loader reads pools from the durable directory. GetPool returns
// storage.ErrNotFound for unknown pools.
type Loader interface {
	GetPool(ctx context.Context, pairContract string) (*domain.Pool, error)
}

// Lister lists pools for preloading.
type Lister interface {
	ListPools(ctx context.Context, limit int) ([]domain.Pool, error)
}

// Options configures a Cache.
type Options struct {
	Loader Loader

	// MaxEntries bounds positive entries and, separately, remembered
	// misses; the oldest insertion is evicted first.
	MaxEntries int
	// SoftTTL is the age after which a hit triggers a background refresh.
	// The stale entry is still served.
	SoftTTL time.Duration
	// NegativeTTL is how long a not-found answer is remembered.
	NegativeTTL time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type entry struct {
	key      string
	pool     domain.Pool
	storedAt time.Time
}

// miss is a remembered not-found answer.
type miss struct {
	key   string
	until time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is newest
	negative   map[string]*list.Element
	misses     *list.List // front is newest
	refreshing map[string]bool
	refreshWG  sync.WaitGroup

	loads singleflight.Group
}

// New creates a Cache, filling defaults for unset options.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.SoftTTL <= 0 {
		opts.SoftTTL = DefaultSoftTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		opts:       opts,
		logger:     logger,
		metrics:    opts.Metrics,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		negative:   make(map[string]*list.Element),
		misses:     list.New(),
		refreshing: make(map[string]bool),
	}
}

// Lookup returns the pool for pairContract. A remembered miss returns
// storage.ErrNotFound without touching the loader until NegativeTTL expires.
func (c *Cache) Lookup(ctx context.Context, pairContract string) (*domain.Pool, error) {
	now := c.opts.Now()

	c.mu.Lock()
	if el, ok := c.entries[pairContract]; ok {
		e := el.Value.(*entry)
		p := e.pool
		if now.Sub(e.storedAt) >= c.opts.SoftTTL {
			c.refreshLocked(pairContract)
			c.mu.Unlock()
			c.metrics.RecordCacheLookup("stale")
			return &p, nil
		}
		c.mu.Unlock()
		c.metrics.RecordCacheLookup("hit")
		return &p, nil
	}
	if el, ok := c.negative[pairContract]; ok {
		if now.Before(el.Value.(*miss).until) {
			c.mu.Unlock()
			c.metrics.RecordCacheLookup("negative")
			return nil, fmt.Errorf("pool %s: %w", pairContract, storage.ErrNotFound)
		}
		c.forgetMissLocked(pairContract)
	}
	c.mu.Unlock()

	c.metrics.RecordCacheLookup("miss")
	return c.load(ctx, pairContract)
}

// LookupFresh resolves pairContract from the loader, ignoring any remembered
// miss. Positive entries are still served from the cache.
func (c *Cache) LookupFresh(ctx context.Context, pairContract string) (*domain.Pool, error) {
	c.mu.Lock()
	if el, ok := c.entries[pairContract]; ok {
		p := el.Value.(*entry).pool
		c.mu.Unlock()
		return &p, nil
	}
	c.mu.Unlock()
	return c.load(ctx, pairContract)
}

// load reads through the loader. Concurrent loads of one key share a call.
func (c *Cache) load(ctx context.Context, pairContract string) (*domain.Pool, error) {
	v, err, _ := c.loads.Do(pairContract, func() (any, error) {
		p, err := c.opts.Loader.GetPool(ctx, pairContract)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.mu.Lock()
				c.rememberMissLocked(pairContract)
				c.mu.Unlock()
			}
			return nil, err
		}
		c.Put(*p)
		return *p, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(domain.Pool)
	return &p, nil
}

// refreshLocked starts one detached reload of key. Failures keep the stale
// entry. Caller holds c.mu.
func (c *Cache) refreshLocked(key string) {
	if c.refreshing[key] {
		return
	}
	c.refreshing[key] = true
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), DefaultRefreshTimeout)
		defer cancel()
		p, err := c.opts.Loader.GetPool(ctx, key)
		if err != nil {
			c.logger.Debug("pool refresh failed", "pair_contract", key, "error", err)
			return
		}
		c.Put(*p)
	}()
}

// Put stores p as the freshest entry and clears any remembered miss.
func (c *Cache) Put(p domain.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := p.PairContract
	c.forgetMissLocked(key)
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
	}
	c.entries[key] = c.order.PushFront(&entry{key: key, pool: p, storedAt: c.opts.Now()})

	for c.order.Len() > c.opts.MaxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}

// Invalidate forgets everything known about pairContract.
func (c *Cache) Invalidate(pairContract string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[pairContract]; ok {
		c.order.Remove(el)
		delete(c.entries, pairContract)
	}
	c.forgetMissLocked(pairContract)
}

// rememberMissLocked records a not-found answer for key. Expired misses
// are dropped first, then the oldest while over MaxEntries. Caller holds c.mu.
func (c *Cache) rememberMissLocked(key string) {
	now := c.opts.Now()
	c.forgetMissLocked(key)
	c.negative[key] = c.misses.PushFront(&miss{key: key, until: now.Add(c.opts.NegativeTTL)})

	for el := c.misses.Back(); el != nil && !now.Before(el.Value.(*miss).until); el = c.misses.Back() {
		c.forgetMissLocked(el.Value.(*miss).key)
	}
	for c.misses.Len() > c.opts.MaxEntries {
		c.forgetMissLocked(c.misses.Back().Value.(*miss).key)
	}
}

// forgetMissLocked drops any remembered miss for key. Caller holds c.mu.
func (c *Cache) forgetMissLocked(key string) {
	if el, ok := c.negative[key]; ok {
		c.misses.Remove(el)
		delete(c.negative, key)
	}
}

// Preload fills the cache with up to limit pools from l.
func (c *Cache) Preload(ctx context.Context, l Lister, limit int) (int, error) {
	if limit <= 0 {
		limit = c.opts.MaxEntries
	}
	pools, err := l.ListPools(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("preload pools: %w", err)
	}
	// oldest first so the newest pools survive eviction
	for i := len(pools) - 1; i >= 0; i-- {
		c.Put(pools[i])
	}
	return len(pools), nil
}

// Len returns the number of positive entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Misses returns the number of remembered not-found answers.
func (c *Cache) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses.Len()
}

// Wait blocks until background refreshes have finished.
func (c *Cache) Wait() {
	c.refreshWG.Wait()
}
