package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/storage"
)

// SinkOptions configures a Sink.
type SinkOptions struct {
	// SingleRowInserts sends every statement on its own instead of batching.
	SingleRowInserts bool
	// VerifyReads reads every inserted trade back after commit and logs misses.
	VerifyReads bool
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Sink writes write sets into pools, pool_state, trades, ohlcv_1m and
// prices inside one transaction. Rollup contributions are folded only for
// trades inserted by the same transaction, so redelivered events never
// re-sum volume or trade counts.
type Sink struct {
	pool    *Pool
	opts    SinkOptions
	logger  *slog.Logger
	metrics *observability.Metrics
}

var (
	_ storage.Sink         = (*Sink)(nil)
	_ storage.CandleReader = (*Sink)(nil)
	_ storage.TradeReader  = (*Sink)(nil)
	_ storage.StateReader  = (*Sink)(nil)
)

// NewSink creates a new Sink.
func NewSink(pool *Pool, opts SinkOptions) *Sink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{pool: pool, opts: opts, logger: logger, metrics: opts.Metrics}
}

const (
	upsertStateSQL = `
		INSERT INTO pool_state (pool_id, reserve_base_base, reserve_quote_base, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pool_id) DO UPDATE SET
			reserve_base_base  = EXCLUDED.reserve_base_base,
			reserve_quote_base = EXCLUDED.reserve_quote_base,
			updated_at         = EXCLUDED.updated_at
		WHERE pool_state.updated_at <= EXCLUDED.updated_at
	`

	insertTradeSQL = `
		INSERT INTO trades (
			pool_id, pair_contract, action, direction,
			offer_asset_denom, offer_amount_base,
			ask_asset_denom, ask_amount_base,
			return_amount_base, is_router,
			reserve_asset1_denom, reserve_asset1_amount_base,
			reserve_asset2_denom, reserve_asset2_amount_base,
			height, tx_hash, signer, msg_index, event_index, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (tx_hash, pool_id, msg_index, event_index, created_at) DO NOTHING
	`

	upsertCandleSQL = `
		INSERT INTO ohlcv_1m (
			pool_id, bucket_start, open, high, low, close, volume_zig, trade_count, liquidity_zig
		) VALUES (
			$1::bigint, $2::timestamptz,
			COALESCE((SELECT o.close FROM ohlcv_1m o
			          WHERE o.pool_id = $1::bigint AND o.bucket_start = $2::timestamptz - interval '1 minute'), $3::numeric),
			$4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (pool_id, bucket_start) DO UPDATE SET
			high          = GREATEST(ohlcv_1m.high, EXCLUDED.high),
			low           = LEAST(ohlcv_1m.low, EXCLUDED.low),
			close         = EXCLUDED.close,
			volume_zig    = ohlcv_1m.volume_zig + EXCLUDED.volume_zig,
			trade_count   = ohlcv_1m.trade_count + EXCLUDED.trade_count,
			liquidity_zig = COALESCE(EXCLUDED.liquidity_zig, ohlcv_1m.liquidity_zig)
	`

	upsertPriceSQL = `
		INSERT INTO prices (token_id, pool_id, price_in_zig, is_pool_price, updated_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (token_id, pool_id) DO UPDATE SET
			price_in_zig = EXCLUDED.price_in_zig,
			updated_at   = EXCLUDED.updated_at
		WHERE prices.updated_at <= EXCLUDED.updated_at
	`
)

// statement is one queued write.
type statement struct {
	sql  string
	args []any
}

// Write applies ws in a single transaction.
func (s *Sink) Write(ctx context.Context, ws *domain.WriteSet) (res storage.WriteResult, err error) {
	if ws == nil || ws.Empty() {
		return res, nil
	}
	start := time.Now()
	defer func() { s.metrics.RecordDBQuery("postgres", "write_set", time.Since(start), err) }()
	defer func() { err = classify(err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range ws.Pools {
		p := ws.Pools[i]
		if err := upsertPool(ctx, tx, &p); err != nil {
			return storage.WriteResult{}, err
		}
		res.Pools++
	}

	// pool_state
	stmts := make([]statement, 0, len(ws.States))
	for _, st := range ws.States {
		stmts = append(stmts, statement{upsertStateSQL, []any{st.PoolID, st.ReserveBase, st.ReserveQuote, st.UpdatedAt}})
	}
	affected, err := s.exec(ctx, tx, stmts)
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("upsert pool state: %w", err)
	}
	for _, n := range affected {
		if n == 0 {
			res.StatesSkipped++
		} else {
			res.States++
		}
	}

	// trades
	stmts = stmts[:0]
	for i := range ws.Trades {
		stmts = append(stmts, statement{insertTradeSQL, tradeArgs(&ws.Trades[i])})
	}
	affected, err = s.exec(ctx, tx, stmts)
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("insert trades: %w", err)
	}
	inserted := make(map[domain.TradeKey]bool, len(ws.Trades))
	for i, n := range affected {
		if n == 0 {
			res.TradeConflicts++
			continue
		}
		inserted[normalizeKey(ws.Trades[i].Key())] = true
		res.Trades++
	}

	// ohlcv_1m, only for trades this transaction inserted
	var fresh []domain.OHLCVContribution
	for _, c := range ws.Contributions {
		k := normalizeKey(c.Source)
		if !inserted[k] {
			continue
		}
		delete(inserted, k)
		fresh = append(fresh, c)
	}
	candles := domain.AggregateOHLCV(fresh)
	stmts = stmts[:0]
	for _, c := range candles {
		stmts = append(stmts, statement{upsertCandleSQL, []any{
			c.PoolID, c.BucketStart, c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.Liquidity,
		}})
	}
	if _, err := s.exec(ctx, tx, stmts); err != nil {
		return storage.WriteResult{}, fmt.Errorf("upsert ohlcv: %w", err)
	}
	res.Candles = len(candles)

	// prices
	stmts = stmts[:0]
	for _, p := range ws.Prices {
		stmts = append(stmts, statement{upsertPriceSQL, []any{p.TokenID, p.PoolID, p.PriceInZig, p.At}})
	}
	affected, err = s.exec(ctx, tx, stmts)
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("upsert prices: %w", err)
	}
	for _, n := range affected {
		if n > 0 {
			res.Prices++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.WriteResult{}, fmt.Errorf("commit tx: %w", err)
	}

	if s.opts.VerifyReads {
		s.verify(ctx, ws.Trades)
	}
	return res, nil
}

// exec runs stmts and returns the rows affected by each, in order.
func (s *Sink) exec(ctx context.Context, tx pgx.Tx, stmts []statement) ([]int64, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	affected := make([]int64, len(stmts))

	if s.opts.SingleRowInserts {
		for i, st := range stmts {
			tag, err := tx.Exec(ctx, st.sql, st.args...)
			if err != nil {
				return nil, err
			}
			affected[i] = tag.RowsAffected()
		}
		return affected, nil
	}

	b := &pgx.Batch{}
	for _, st := range stmts {
		b.Queue(st.sql, st.args...)
	}
	br := tx.SendBatch(ctx, b)
	for i := range stmts {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return nil, err
		}
		affected[i] = tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	return affected, nil
}

func (s *Sink) verify(ctx context.Context, trades []domain.Trade) {
	for i := range trades {
		key := trades[i].Key()
		ok, err := s.HasTrade(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("trade verify failed", "tx_hash", key.TxHash, "error", err)
		case !ok:
			s.logger.Warn("trade not found after insert",
				"tx_hash", key.TxHash, "pool_id", key.PoolID, "msg_index", key.MsgIndex, "event_index", key.EventIndex)
		}
	}
}

func tradeArgs(t *domain.Trade) []any {
	var r1Denom, r2Denom any
	var r1Amount, r2Amount any
	if t.Reserve1 != nil {
		r1Denom, r1Amount = t.Reserve1.Denom, t.Reserve1.Amount
	}
	if t.Reserve2 != nil {
		r2Denom, r2Amount = t.Reserve2.Denom, t.Reserve2.Amount
	}
	return []any{
		t.PoolID, t.PairContract, t.Action, t.Direction,
		nullString(t.OfferDenom), t.OfferAmount,
		nullString(t.AskDenom), t.AskAmount,
		t.ReturnAmount, t.IsRouter,
		r1Denom, r1Amount,
		r2Denom, r2Amount,
		t.Height, t.TxHash, nullString(t.Signer), t.MsgIndex, t.EventIndex, t.CreatedAt,
	}
}

// normalizeKey makes keys from decoded events and from the store comparable.
func normalizeKey(k domain.TradeKey) domain.TradeKey {
	k.CreatedAt = k.CreatedAt.UTC().Truncate(time.Microsecond)
	return k
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// HasTrade reports whether a ledger row with key exists.
func (s *Sink) HasTrade(ctx context.Context, key domain.TradeKey) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM trades
			WHERE tx_hash = $1 AND pool_id = $2 AND msg_index = $3 AND event_index = $4 AND created_at = $5
		)
	`
	key = normalizeKey(key)
	var ok bool
	if err := s.pool.QueryRow(ctx, query, key.TxHash, key.PoolID, key.MsgIndex, key.EventIndex, key.CreatedAt).Scan(&ok); err != nil {
		return false, fmt.Errorf("has trade: %w", err)
	}
	return ok, nil
}

// CountTrades returns the number of ledger rows of poolID.
func (s *Sink) CountTrades(ctx context.Context, poolID int64) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trades WHERE pool_id = $1`, poolID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

const selectCandleSQL = `
	SELECT pool_id, bucket_start, open, high, low, close, volume_zig, trade_count, liquidity_zig
	FROM ohlcv_1m
`

// GetCandle returns the bucket of poolID starting at bucket.
func (s *Sink) GetCandle(ctx context.Context, poolID int64, bucket time.Time) (*domain.Candle, error) {
	row := s.pool.QueryRow(ctx, selectCandleSQL+` WHERE pool_id = $1 AND bucket_start = $2`, poolID, bucket)
	c, err := scanCandle(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get candle: %w", err)
	}
	return c, nil
}

// ListCandles returns buckets of poolID within [from, to], ordered by bucket ASC.
func (s *Sink) ListCandles(ctx context.Context, poolID int64, from, to time.Time) ([]domain.Candle, error) {
	rows, err := s.pool.Query(ctx, selectCandleSQL+`
		WHERE pool_id = $1 AND bucket_start >= $2 AND bucket_start <= $3
		ORDER BY bucket_start ASC`, poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCandle(row pgx.Row) (*domain.Candle, error) {
	var c domain.Candle
	err := row.Scan(&c.PoolID, &c.BucketStart, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount, &c.Liquidity)
	if err != nil {
		return nil, err
	}
	c.BucketStart = c.BucketStart.UTC()
	return &c, nil
}

// GetPoolState returns the stored state of poolID.
func (s *Sink) GetPoolState(ctx context.Context, poolID int64) (*domain.PoolState, error) {
	query := `
		SELECT s.pool_id, b.denom, q.denom, s.reserve_base_base, s.reserve_quote_base, s.updated_at
		FROM pool_state s
		JOIN pools p ON p.pool_id = s.pool_id
		JOIN tokens b ON b.token_id = p.base_token_id
		JOIN tokens q ON q.token_id = p.quote_token_id
		WHERE s.pool_id = $1
	`
	var st domain.PoolState
	err := s.pool.QueryRow(ctx, query, poolID).Scan(
		&st.PoolID, &st.BaseDenom, &st.QuoteDenom, &st.ReserveBase, &st.ReserveQuote, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pool state: %w", err)
	}
	return &st, nil
}
