package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func uzigPool() *Pool {
	return &Pool{
		PoolID: 3, BaseDenom: "ufoo", QuoteDenom: ReferenceDenom,
		BaseExp: 6, QuoteExp: 6, IsUzigQuote: true,
	}
}

func TestPriceFromReserves(t *testing.T) {
	p := uzigPool()
	price, ok := PriceFromReserves(p, []AssetAmount{
		{Denom: ReferenceDenom, Amount: dec("2000000")},
		{Denom: "ufoo", Amount: dec("4000000")},
	})
	assert.True(t, ok)
	assert.True(t, price.Equal(dec("0.5")), "price=%s", price)
}

func TestPriceFromReserves_DifferentExponents(t *testing.T) {
	p := uzigPool()
	p.BaseExp = 18
	price, ok := PriceFromReserves(p, []AssetAmount{
		{Denom: "ufoo", Amount: dec("1000000000000000000")},
		{Denom: ReferenceDenom, Amount: dec("3000000")},
	})
	assert.True(t, ok)
	assert.True(t, price.Equal(dec("3")), "price=%s", price)
}

func TestPriceFromReserves_Rejects(t *testing.T) {
	p := uzigPool()

	_, ok := PriceFromReserves(p, []AssetAmount{{Denom: "ufoo", Amount: dec("1")}})
	assert.False(t, ok, "missing quote side")

	_, ok = PriceFromReserves(p, []AssetAmount{
		{Denom: "ufoo", Amount: decimal.Zero},
		{Denom: ReferenceDenom, Amount: dec("1")},
	})
	assert.False(t, ok, "zero base reserve")

	p.IsUzigQuote = false
	_, ok = PriceFromReserves(p, []AssetAmount{
		{Denom: "ufoo", Amount: dec("1")},
		{Denom: ReferenceDenom, Amount: dec("1")},
	})
	assert.False(t, ok, "non reference quote")
}

func TestQuoteVolumeAndDirection(t *testing.T) {
	p := uzigPool()

	buy := &SwapEvent{OfferDenom: ReferenceDenom, OfferAmount: decimal.NewNullDecimal(dec("2500000")),
		ReturnAmount: decimal.NewNullDecimal(dec("10"))}
	assert.True(t, QuoteVolume(p, buy).Equal(dec("2.5")))
	assert.Equal(t, DirectionBuy, Direction(buy.OfferDenom, p.QuoteDenom))

	sell := &SwapEvent{OfferDenom: "ufoo", OfferAmount: decimal.NewNullDecimal(dec("10")),
		ReturnAmount: decimal.NewNullDecimal(dec("1000000"))}
	assert.True(t, QuoteVolume(p, sell).Equal(dec("1")))
	assert.Equal(t, DirectionSell, Direction(sell.OfferDenom, p.QuoteDenom))

	assert.True(t, QuoteVolume(p, &SwapEvent{OfferDenom: "ufoo"}).IsZero())
}

func TestBucketStart(t *testing.T) {
	loc := time.FixedZone("x", 3*3600)
	ts := time.Date(2024, 1, 2, 3, 4, 59, 999, loc)
	assert.True(t, time.Date(2024, 1, 2, 0, 4, 0, 0, time.UTC).Equal(BucketStart(ts)))
}

func TestStateFromReserves(t *testing.T) {
	p := uzigPool()
	at := time.Unix(1700000000, 0).UTC()
	st, ok := StateFromReserves(p, []AssetAmount{
		{Denom: ReferenceDenom, Amount: dec("5")},
		{Denom: "ufoo", Amount: dec("7")},
	}, at)
	assert.True(t, ok)
	assert.True(t, st.ReserveBase.Equal(dec("7")))
	assert.True(t, st.ReserveQuote.Equal(dec("5")))
	assert.Equal(t, at, st.UpdatedAt)

	_, ok = StateFromReserves(p, []AssetAmount{{Denom: "ubar", Amount: dec("1")}}, at)
	assert.False(t, ok)
}

func TestLiquidityInZig(t *testing.T) {
	p := uzigPool()
	liq, ok := LiquidityInZig(p, []AssetAmount{
		{Denom: "ufoo", Amount: dec("4000000")},
		{Denom: ReferenceDenom, Amount: dec("2500000")},
	})
	assert.True(t, ok)
	assert.True(t, liq.Equal(dec("5")), "liquidity=%s", liq)

	p.IsUzigQuote = false
	_, ok = LiquidityInZig(p, []AssetAmount{{Denom: ReferenceDenom, Amount: dec("1")}})
	assert.False(t, ok)
}

func TestPoolFromCreated(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := PoolFromCreated(&PoolCreated{
		EventMeta:    EventMeta{Height: 9, TxHash: "TX", Signer: "zig1s", CreatedAt: at},
		PairContract: "zig1pair",
		BaseDenom:    "ufoo",
		QuoteDenom:   ReferenceDenom,
		PairType:     "xyk",
	})
	assert.Equal(t, "zig1pair", p.PairContract)
	assert.True(t, p.IsUzigQuote)
	assert.Equal(t, DefaultExponent, p.BaseExp)
	assert.Equal(t, int64(9), p.Height)
	assert.True(t, at.Equal(p.CreatedAt))
}
