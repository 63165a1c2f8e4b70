package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/idhash"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/storage"
)

// Sink writes write sets into the ReplacingMergeTree tables pools, trades,
// price_ticks and pool_state. Redelivered rows collapse on merge: trades
// share a deterministic trade_id, pools their pool_id and ticks their
// (pool_id, ts). OHLCV contributions are not stored here.
type Sink struct {
	conn    *Conn
	logger  *slog.Logger
	metrics *observability.Metrics
}

var (
	_ storage.Sink        = (*Sink)(nil)
	_ storage.TradeReader = (*Sink)(nil)
	_ storage.StateReader = (*Sink)(nil)
)

// NewSink creates a new Sink.
func NewSink(conn *Conn, logger *slog.Logger, metrics *observability.Metrics) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{conn: conn, logger: logger, metrics: metrics}
}

// Write sends one batch per non-empty table.
func (s *Sink) Write(ctx context.Context, ws *domain.WriteSet) (res storage.WriteResult, err error) {
	if ws == nil || ws.Empty() {
		return res, nil
	}
	start := time.Now()
	defer func() { s.metrics.RecordDBQuery("clickhouse", "write_set", time.Since(start), err) }()
	defer func() { err = classify(err) }()

	if err := s.insertPools(ctx, ws.Pools); err != nil {
		return storage.WriteResult{}, err
	}
	if err := s.insertTrades(ctx, ws.Trades); err != nil {
		return storage.WriteResult{}, err
	}
	if err := s.insertPriceTicks(ctx, ws.Prices); err != nil {
		return storage.WriteResult{}, err
	}
	if err := s.insertStates(ctx, ws.States); err != nil {
		return storage.WriteResult{}, err
	}

	return storage.WriteResult{
		Pools:  len(ws.Pools),
		Trades: len(ws.Trades),
		Prices: len(ws.Prices),
		States: len(ws.States),
	}, nil
}

func (s *Sink) insertPools(ctx context.Context, pools []domain.Pool) error {
	if len(pools) == 0 {
		return nil
	}
	return s.send(ctx, "pools", `
		INSERT INTO pools (
			pool_id, pair_contract, base_token_id, quote_token_id, base_denom, quote_denom,
			pair_type, is_uzig_quote, created_at, created_height, created_tx_hash, signer
		)
	`, func(b driver.Batch) error {
		for _, p := range pools {
			err := b.Append(
				p.PoolID, p.PairContract, p.BaseTokenID, p.QuoteTokenID, p.BaseDenom, p.QuoteDenom,
				p.PairType, boolToUInt8(p.IsUzigQuote), p.CreatedAt.UTC(), p.Height, p.TxHash, p.Signer,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Sink) insertTrades(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return s.send(ctx, "trades", `
		INSERT INTO trades (
			trade_id, pool_id, pair_contract, action, direction,
			offer_asset_denom, offer_amount_base, ask_asset_denom, ask_amount_base,
			return_amount_base, is_router, height, tx_hash, signer,
			msg_index, event_index, created_at
		)
	`, func(b driver.Batch) error {
		for _, t := range trades {
			err := b.Append(
				idhash.ComputeTradeID(t.TxHash, t.PoolID, t.MsgIndex, t.EventIndex),
				t.PoolID, t.PairContract, t.Action, t.Direction,
				t.OfferDenom, nullable(t.OfferAmount), t.AskDenom, nullable(t.AskAmount),
				nullable(t.ReturnAmount), boolToUInt8(t.IsRouter), t.Height, t.TxHash, t.Signer,
				int32(t.MsgIndex), int32(t.EventIndex), t.CreatedAt.UTC(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Sink) insertPriceTicks(ctx context.Context, ticks []domain.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}
	return s.send(ctx, "price_ticks", `
		INSERT INTO price_ticks (pool_id, token_id, price_in_zig, ts)
	`, func(b driver.Batch) error {
		for _, p := range ticks {
			if err := b.Append(p.PoolID, p.TokenID, p.PriceInZig.InexactFloat64(), p.At.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Sink) insertStates(ctx context.Context, states []domain.PoolState) error {
	if len(states) == 0 {
		return nil
	}
	return s.send(ctx, "pool_state", `
		INSERT INTO pool_state (pool_id, base_denom, quote_denom, reserve_base_base, reserve_quote_base, updated_at)
	`, func(b driver.Batch) error {
		for _, st := range states {
			err := b.Append(st.PoolID, st.BaseDenom, st.QuoteDenom, st.ReserveBase, st.ReserveQuote, st.UpdatedAt.UTC())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Sink) send(ctx context.Context, table, query string, fill func(driver.Batch) error) error {
	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	if err := fill(batch); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append to %s batch: %w", table, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", table, err)
	}
	s.logger.Debug("clickhouse batch sent", "table", table)
	return nil
}

// HasTrade reports whether a trade with key's trade_id exists.
func (s *Sink) HasTrade(ctx context.Context, key domain.TradeKey) (bool, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM trades WHERE pool_id = ? AND trade_id = ?`,
		key.PoolID, idhash.ComputeTradeID(key.TxHash, key.PoolID, key.MsgIndex, key.EventIndex),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has trade: %w", err)
	}
	return n > 0, nil
}

// CountTrades returns the number of distinct trades of poolID after dedup.
func (s *Sink) CountTrades(ctx context.Context, poolID int64) (int64, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM trades FINAL WHERE pool_id = ?`, poolID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return int64(n), nil
}

// GetPoolState returns the newest stored state of poolID.
func (s *Sink) GetPoolState(ctx context.Context, poolID int64) (*domain.PoolState, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT pool_id, base_denom, quote_denom, reserve_base_base, reserve_quote_base, updated_at
		FROM pool_state FINAL
		WHERE pool_id = ?
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("get pool state: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get pool state: %w", err)
		}
		return nil, storage.ErrNotFound
	}
	var st domain.PoolState
	if err := rows.Scan(&st.PoolID, &st.BaseDenom, &st.QuoteDenom, &st.ReserveBase, &st.ReserveQuote, &st.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan pool state: %w", err)
	}
	return &st, nil
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
