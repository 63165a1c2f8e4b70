package storage

import (
	"context"
	"time"

	"dex-indexer/internal/domain"
)

// PoolStore provides access to the pool directory (pools joined with tokens).
type PoolStore interface {
	// UpsertPool registers a pool and its tokens. Re-registering an existing
	// pair contract is a no-op apart from filling PoolID and token fields of p.
	UpsertPool(ctx context.Context, p *domain.Pool) error

	// GetPool retrieves a pool by pair contract. Returns ErrNotFound if absent.
	GetPool(ctx context.Context, pairContract string) (*domain.Pool, error)

	// ListPools returns up to limit pools, most recently created first.
	ListPools(ctx context.Context, limit int) ([]domain.Pool, error)
}

// WriteResult reports what a Sink write did.
type WriteResult struct {
	Pools          int
	Trades         int // newly inserted ledger rows
	TradeConflicts int // ledger rows absorbed as duplicates
	Candles        int
	Prices         int
	States         int
	StatesSkipped  int // snapshots older than the stored state
}

// Add accumulates o into r.
func (r *WriteResult) Add(o WriteResult) {
	r.Pools += o.Pools
	r.Trades += o.Trades
	r.TradeConflicts += o.TradeConflicts
	r.Candles += o.Candles
	r.Prices += o.Prices
	r.States += o.States
	r.StatesSkipped += o.StatesSkipped
}

// Sink materializes write sets. Implementations must be idempotent under
// redelivery of the same rows.
type Sink interface {
	Write(ctx context.Context, ws *domain.WriteSet) (WriteResult, error)
}

// CandleReader reads materialized OHLCV buckets.
type CandleReader interface {
	// GetCandle returns the bucket of poolID starting at bucket. Returns ErrNotFound if absent.
	GetCandle(ctx context.Context, poolID int64, bucket time.Time) (*domain.Candle, error)

	// ListCandles returns buckets of poolID within [from, to], ordered by bucket ASC.
	ListCandles(ctx context.Context, poolID int64, from, to time.Time) ([]domain.Candle, error)
}

// TradeReader reads the trade ledger.
type TradeReader interface {
	// HasTrade reports whether a ledger row with key exists.
	HasTrade(ctx context.Context, key domain.TradeKey) (bool, error)

	// CountTrades returns the number of ledger rows of poolID.
	CountTrades(ctx context.Context, poolID int64) (int64, error)
}

// StateReader reads the latest pool reserve snapshots.
type StateReader interface {
	// GetPoolState returns the stored state of poolID. Returns ErrNotFound if absent.
	GetPoolState(ctx context.Context, poolID int64) (*domain.PoolState, error)
}

// CursorStore persists ingestion progress.
type CursorStore interface {
	// GetCursor returns the last indexed height of name, 0 when unset.
	GetCursor(ctx context.Context, name string) (int64, error)

	// BumpCursor moves the cursor of name to height if height is greater.
	BumpCursor(ctx context.Context, name string, height int64) error
}
