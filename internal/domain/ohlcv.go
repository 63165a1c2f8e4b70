package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLCVContribution is one observation folded into a one-minute candle.
// Source identifies the ledger row that produced it, so a redelivered
// observation can be recognised and skipped.
type OHLCVContribution struct {
	PoolID      int64
	BucketStart time.Time
	Price       decimal.Decimal
	Volume      decimal.Decimal
	Trades      int64
	Liquidity   decimal.NullDecimal
	Source      TradeKey
}

// Candle is a bucketed rollup row keyed by (PoolID, BucketStart).
// Corresponds to ohlcv_1m in PostgreSQL.
type Candle struct {
	PoolID      int64
	BucketStart time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	TradeCount  int64
	Liquidity   decimal.NullDecimal
}

// CandleKey identifies a candle.
type CandleKey struct {
	PoolID      int64
	BucketStart time.Time
}

// Key returns the candle key.
func (c *Candle) Key() CandleKey {
	return CandleKey{PoolID: c.PoolID, BucketStart: c.BucketStart}
}

// CandleFrom starts a candle from a single observation.
func CandleFrom(c OHLCVContribution) Candle {
	return Candle{
		PoolID:      c.PoolID,
		BucketStart: BucketStart(c.BucketStart),
		Open:        c.Price,
		High:        c.Price,
		Low:         c.Price,
		Close:       c.Price,
		Volume:      c.Volume,
		TradeCount:  c.Trades,
		Liquidity:   c.Liquidity,
	}
}

// Merge folds next into c. next is the later observation: high and low
// extend, close is replaced, volume and count add, liquidity is overwritten
// only when next carries one. Open is kept.
//
// The storage upsert applies the same rule on conflict, so pre-aggregating a
// batch and merging at storage give the same row.
func (c *Candle) Merge(next Candle) {
	if next.High.GreaterThan(c.High) {
		c.High = next.High
	}
	if next.Low.LessThan(c.Low) {
		c.Low = next.Low
	}
	c.Close = next.Close
	c.Volume = c.Volume.Add(next.Volume)
	c.TradeCount += next.TradeCount
	if next.Liquidity.Valid {
		c.Liquidity = next.Liquidity
	}
}

// AggregateOHLCV pre-aggregates observations presented in chronological
// order into one candle per (pool, bucket). Output order follows the first
// appearance of each key.
func AggregateOHLCV(contribs []OHLCVContribution) []Candle {
	index := make(map[CandleKey]int, len(contribs))
	out := make([]Candle, 0, len(contribs))
	for _, c := range contribs {
		candle := CandleFrom(c)
		key := candle.Key()
		if i, ok := index[key]; ok {
			out[i].Merge(candle)
			continue
		}
		index[key] = len(out)
		out = append(out, candle)
	}
	return out
}
