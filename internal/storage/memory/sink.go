package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

// Sink is an in-memory implementation of storage.Sink with the same
// idempotency rules as the PostgreSQL sink: trades are insert-or-ignore,
// rollup contributions are folded only for newly inserted trades, reserve
// snapshots and prices never move backwards in time.
type Sink struct {
	mu      sync.RWMutex
	pools   *PoolStore
	trades  map[string]domain.Trade
	candles map[candleKey]domain.Candle
	prices  map[priceKey]domain.PriceTick
	states  map[int64]domain.PoolState
}

type candleKey struct {
	poolID int64
	bucket int64 // unix nanos
}

type priceKey struct {
	tokenID int64
	poolID  int64
}

var (
	_ storage.Sink         = (*Sink)(nil)
	_ storage.CandleReader = (*Sink)(nil)
	_ storage.TradeReader  = (*Sink)(nil)
	_ storage.StateReader  = (*Sink)(nil)
)

// NewSink creates a sink registering pools in pools.
func NewSink(pools *PoolStore) *Sink {
	return &Sink{
		pools:   pools,
		trades:  make(map[string]domain.Trade),
		candles: make(map[candleKey]domain.Candle),
		prices:  make(map[priceKey]domain.PriceTick),
		states:  make(map[int64]domain.PoolState),
	}
}

// tradeKey generates a unique key for a ledger row.
func tradeKey(k domain.TradeKey) string {
	return fmt.Sprintf("%s|%d|%d|%d|%d", k.TxHash, k.PoolID, k.MsgIndex, k.EventIndex, k.CreatedAt.UnixNano())
}

func ckey(poolID int64, bucket time.Time) candleKey {
	return candleKey{poolID: poolID, bucket: bucket.UnixNano()}
}

// Write applies ws atomically.
func (s *Sink) Write(ctx context.Context, ws *domain.WriteSet) (storage.WriteResult, error) {
	var res storage.WriteResult
	if ws == nil {
		return res, nil
	}

	for i := range ws.Pools {
		p := ws.Pools[i]
		if err := s.pools.UpsertPool(ctx, &p); err != nil {
			return storage.WriteResult{}, fmt.Errorf("upsert pool %s: %w", p.PairContract, err)
		}
		res.Pools++
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range ws.States {
		if cur, ok := s.states[st.PoolID]; ok && cur.UpdatedAt.After(st.UpdatedAt) {
			res.StatesSkipped++
			continue
		}
		s.states[st.PoolID] = st
		res.States++
	}

	inserted := make(map[string]bool)
	for _, t := range ws.Trades {
		k := tradeKey(t.Key())
		if _, exists := s.trades[k]; exists {
			res.TradeConflicts++
			continue
		}
		s.trades[k] = t
		inserted[k] = true
		res.Trades++
	}

	var fresh []domain.OHLCVContribution
	for _, c := range ws.Contributions {
		k := tradeKey(c.Source)
		if !inserted[k] {
			continue
		}
		// one contribution per ledger row
		delete(inserted, k)
		fresh = append(fresh, c)
	}
	for _, c := range domain.AggregateOHLCV(fresh) {
		s.mergeCandleLocked(c)
		res.Candles++
	}

	for _, p := range ws.Prices {
		k := priceKey{tokenID: p.TokenID, poolID: p.PoolID}
		if cur, ok := s.prices[k]; ok && cur.At.After(p.At) {
			continue
		}
		s.prices[k] = p
		res.Prices++
	}

	return res, nil
}

func (s *Sink) mergeCandleLocked(c domain.Candle) {
	k := ckey(c.PoolID, c.BucketStart)
	if cur, ok := s.candles[k]; ok {
		cur.Merge(c)
		s.candles[k] = cur
		return
	}
	if prev, ok := s.candles[ckey(c.PoolID, c.BucketStart.Add(-domain.BucketWidth))]; ok {
		c.Open = prev.Close
	}
	s.candles[k] = c
}

// GetCandle returns the bucket of poolID starting at bucket.
func (s *Sink) GetCandle(_ context.Context, poolID int64, bucket time.Time) (*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.candles[ckey(poolID, bucket)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

// ListCandles returns buckets of poolID within [from, to], ordered by bucket ASC.
func (s *Sink) ListCandles(_ context.Context, poolID int64, from, to time.Time) ([]domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Candle
	for k, c := range s.candles {
		if k.poolID != poolID || c.BucketStart.Before(from) || c.BucketStart.After(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// HasTrade reports whether a ledger row with key exists.
func (s *Sink) HasTrade(_ context.Context, key domain.TradeKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trades[tradeKey(key)]
	return ok, nil
}

// CountTrades returns the number of ledger rows of poolID.
func (s *Sink) CountTrades(_ context.Context, poolID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, t := range s.trades {
		if t.PoolID == poolID {
			n++
		}
	}
	return n, nil
}

// GetPoolState returns the stored state of poolID.
func (s *Sink) GetPoolState(_ context.Context, poolID int64) (*domain.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[poolID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &st, nil
}

// GetPrice returns the latest price of tokenID in poolID.
func (s *Sink) GetPrice(_ context.Context, tokenID, poolID int64) (*domain.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[priceKey{tokenID: tokenID, poolID: poolID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}
