package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BucketWidth is the OHLCV bucket width.
const BucketWidth = time.Minute

// PriceTick is a price observation of a pool's base token in ReferenceDenom.
// Corresponds to prices in PostgreSQL and price_ticks in ClickHouse.
type PriceTick struct {
	PoolID     int64
	TokenID    int64 // base token
	PriceInZig decimal.Decimal
	At         time.Time
}

// BucketStart truncates t to the start of its one-minute bucket (UTC).
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(BucketWidth)
}

// PriceFromReserves returns the base token price in ReferenceDenom derived
// from a reserve snapshot. Only pools quoted in ReferenceDenom have a price.
func PriceFromReserves(p *Pool, reserves []AssetAmount) (decimal.Decimal, bool) {
	if !p.IsUzigQuote {
		return decimal.Decimal{}, false
	}
	base, ok := findDenom(reserves, p.BaseDenom)
	if !ok || !base.IsPositive() {
		return decimal.Decimal{}, false
	}
	quote, ok := findDenom(reserves, p.QuoteDenom)
	if !ok || !quote.IsPositive() {
		return decimal.Decimal{}, false
	}
	baseUnits := base.Shift(-int32(p.BaseExp))
	quoteUnits := quote.Shift(-int32(p.QuoteExp))
	return quoteUnits.DivRound(baseUnits, 18), true
}

// LiquidityInZig values both sides of a ReferenceDenom-quoted pool in
// ReferenceDenom units: twice the quote reserve.
func LiquidityInZig(p *Pool, reserves []AssetAmount) (decimal.Decimal, bool) {
	if !p.IsUzigQuote {
		return decimal.Decimal{}, false
	}
	quote, ok := findDenom(reserves, p.QuoteDenom)
	if !ok || quote.IsNegative() {
		return decimal.Decimal{}, false
	}
	return quote.Shift(-int32(p.QuoteExp)).Mul(decimal.NewFromInt(2)), true
}

// QuoteVolume returns the quote-side volume of a swap in ReferenceDenom units:
// the offered amount when the trader paid in quote, otherwise the returned amount.
func QuoteVolume(p *Pool, s *SwapEvent) decimal.Decimal {
	var raw decimal.NullDecimal
	if s.OfferDenom == p.QuoteDenom {
		raw = s.OfferAmount
	} else {
		raw = s.ReturnAmount
	}
	if !raw.Valid {
		return decimal.Zero
	}
	return raw.Decimal.Shift(-int32(p.QuoteExp))
}

// Direction classifies a swap from the quote side: paying quote buys base.
func Direction(offerDenom, quoteDenom string) string {
	if offerDenom == quoteDenom {
		return DirectionBuy
	}
	return DirectionSell
}

// Swap directions.
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)
