package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func swapWrite(p *domain.Pool, tx string, msg int, at time.Time, price, vol string) (domain.Trade, domain.OHLCVContribution) {
	tr := domain.Trade{
		PoolID:       p.PoolID,
		PairContract: p.PairContract,
		Action:       domain.ActionSwap,
		Direction:    domain.DirectionBuy,
		OfferDenom:   domain.ReferenceDenom,
		OfferAmount:  decimal.NewNullDecimal(dec("1000")),
		Height:       200,
		TxHash:       tx,
		MsgIndex:     msg,
		CreatedAt:    at,
	}
	c := domain.OHLCVContribution{
		PoolID:      p.PoolID,
		BucketStart: domain.BucketStart(at),
		Price:       dec(price),
		Volume:      dec(vol),
		Trades:      1,
		Source:      tr.Key(),
	}
	return tr, c
}

func TestSink_RedeliveryDoesNotDoubleCount(t *testing.T) {
	for _, single := range []bool{false, true} {
		t.Run(map[bool]string{false: "batched", true: "single-row"}[single], func(t *testing.T) {
			pool, cleanup := setupTestDB(t)
			defer cleanup()

			ctx := context.Background()
			p := createTestPool(t, ctx, pool, "zig1pair")
			sink := NewSink(pool, SinkOptions{SingleRowInserts: single, VerifyReads: true})

			ws := &domain.WriteSet{}
			for i, price := range []string{"1.0", "1.5", "1.2"} {
				tr, c := swapWrite(p, "TX1", i, t0.Add(time.Duration(i)*time.Second), price, "10")
				ws.Trades = append(ws.Trades, tr)
				ws.Contributions = append(ws.Contributions, c)
			}

			res, err := sink.Write(ctx, ws)
			require.NoError(t, err)
			assert.Equal(t, 3, res.Trades)
			assert.Equal(t, 1, res.Candles)

			res, err = sink.Write(ctx, ws)
			require.NoError(t, err)
			assert.Equal(t, 0, res.Trades)
			assert.Equal(t, 3, res.TradeConflicts)
			assert.Equal(t, 0, res.Candles)

			c, err := sink.GetCandle(ctx, p.PoolID, t0)
			require.NoError(t, err)
			assert.True(t, c.Open.Equal(dec("1.0")), "open %s", c.Open)
			assert.True(t, c.High.Equal(dec("1.5")), "high %s", c.High)
			assert.True(t, c.Low.Equal(dec("1.0")), "low %s", c.Low)
			assert.True(t, c.Close.Equal(dec("1.2")), "close %s", c.Close)
			assert.True(t, c.Volume.Equal(dec("30")), "volume %s", c.Volume)
			assert.Equal(t, int64(3), c.TradeCount)

			n, err := sink.CountTrades(ctx, p.PoolID)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
		})
	}
}

func TestSink_PartialRedeliveryFoldsOnlyNewTrades(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPool(t, ctx, pool, "zig1pair")
	sink := NewSink(pool, SinkOptions{})

	tr1, c1 := swapWrite(p, "TX1", 0, t0, "2", "5")
	_, err := sink.Write(ctx, &domain.WriteSet{Trades: []domain.Trade{tr1}, Contributions: []domain.OHLCVContribution{c1}})
	require.NoError(t, err)

	tr2, c2 := swapWrite(p, "TX2", 0, t0.Add(10*time.Second), "3", "7")
	res, err := sink.Write(ctx, &domain.WriteSet{
		Trades:        []domain.Trade{tr1, tr2},
		Contributions: []domain.OHLCVContribution{c1, c2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Trades)
	assert.Equal(t, 1, res.TradeConflicts)

	c, err := sink.GetCandle(ctx, p.PoolID, t0)
	require.NoError(t, err)
	assert.True(t, c.Volume.Equal(dec("12")), "volume %s", c.Volume)
	assert.Equal(t, int64(2), c.TradeCount)
	assert.True(t, c.Close.Equal(dec("3")))
}

func TestSink_OpenFromPreviousBucket(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPool(t, ctx, pool, "zig1pair")
	sink := NewSink(pool, SinkOptions{})

	tr1, c1 := swapWrite(p, "TX1", 0, t0.Add(30*time.Second), "4", "1")
	tr2, c2 := swapWrite(p, "TX2", 0, t0.Add(90*time.Second), "5", "1")
	_, err := sink.Write(ctx, &domain.WriteSet{Trades: []domain.Trade{tr1}, Contributions: []domain.OHLCVContribution{c1}})
	require.NoError(t, err)
	_, err = sink.Write(ctx, &domain.WriteSet{Trades: []domain.Trade{tr2}, Contributions: []domain.OHLCVContribution{c2}})
	require.NoError(t, err)

	candles, err := sink.ListCandles(ctx, p.PoolID, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Open.Equal(dec("4")))
	assert.True(t, candles[1].Open.Equal(dec("4")), "open carries previous close, got %s", candles[1].Open)
	assert.True(t, candles[1].Close.Equal(dec("5")))
}

func TestSink_LiquidityOverwrittenOnlyWhenPresent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPool(t, ctx, pool, "zig1pair")
	sink := NewSink(pool, SinkOptions{})

	tr1, c1 := swapWrite(p, "TX1", 0, t0, "1", "1")
	c1.Liquidity = decimal.NewNullDecimal(dec("500"))
	tr2, c2 := swapWrite(p, "TX2", 0, t0.Add(time.Second), "1", "1")
	_, err := sink.Write(ctx, &domain.WriteSet{Trades: []domain.Trade{tr1}, Contributions: []domain.OHLCVContribution{c1}})
	require.NoError(t, err)
	_, err = sink.Write(ctx, &domain.WriteSet{Trades: []domain.Trade{tr2}, Contributions: []domain.OHLCVContribution{c2}})
	require.NoError(t, err)

	c, err := sink.GetCandle(ctx, p.PoolID, t0)
	require.NoError(t, err)
	require.True(t, c.Liquidity.Valid)
	assert.True(t, c.Liquidity.Decimal.Equal(dec("500")))
}

func TestSink_StateAndPriceRejectOlderUpdates(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPool(t, ctx, pool, "zig1pair")
	sink := NewSink(pool, SinkOptions{})

	newer := domain.PoolState{PoolID: p.PoolID, ReserveBase: dec("100"), ReserveQuote: dec("200"), UpdatedAt: t0.Add(time.Minute)}
	older := domain.PoolState{PoolID: p.PoolID, ReserveBase: dec("1"), ReserveQuote: dec("2"), UpdatedAt: t0}

	res, err := sink.Write(ctx, &domain.WriteSet{
		States: []domain.PoolState{newer},
		Prices: []domain.PriceTick{{PoolID: p.PoolID, TokenID: p.BaseTokenID, PriceInZig: dec("2"), At: t0.Add(time.Minute)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.States)
	assert.Equal(t, 1, res.Prices)

	res, err = sink.Write(ctx, &domain.WriteSet{
		States: []domain.PoolState{older},
		Prices: []domain.PriceTick{{PoolID: p.PoolID, TokenID: p.BaseTokenID, PriceInZig: dec("9"), At: t0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.StatesSkipped)
	assert.Equal(t, 0, res.Prices)

	st, err := sink.GetPoolState(ctx, p.PoolID)
	require.NoError(t, err)
	assert.True(t, st.ReserveBase.Equal(dec("100")))
	assert.Equal(t, p.BaseDenom, st.BaseDenom)

	var price decimal.Decimal
	require.NoError(t, pool.QueryRow(ctx, `SELECT price_in_zig FROM prices WHERE token_id = $1`, p.BaseTokenID).Scan(&price))
	assert.True(t, price.Equal(dec("2")))
}

func TestSink_PoolsWrittenInSameTransaction(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	sink := NewSink(pool, SinkOptions{})
	res, err := sink.Write(ctx, &domain.WriteSet{Pools: []domain.Pool{{
		PairContract: "zig1new",
		BaseDenom:    "coin.new",
		QuoteDenom:   domain.ReferenceDenom,
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pools)

	_, err = NewPoolStore(pool).GetPool(ctx, "zig1new")
	require.NoError(t, err)

	_, err = sink.GetCandle(ctx, 1, t0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSink_EmptyWriteSet(t *testing.T) {
	sink := NewSink(nil, SinkOptions{})
	res, err := sink.Write(context.Background(), &domain.WriteSet{})
	require.NoError(t, err)
	assert.Equal(t, storage.WriteResult{}, res)
}
