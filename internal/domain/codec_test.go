package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFields_Swap(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := NewSwapEvent(&SwapEvent{
		EventMeta:    EventMeta{Height: 42, TxHash: "ABC", MsgIndex: 2, EventIndex: 1, CreatedAt: created},
		PairContract: "zig1pair",
		OfferDenom:   ReferenceDenom,
		OfferAmount:  decimal.NewNullDecimal(dec("1000")),
		Reserves:     []AssetAmount{{Denom: ReferenceDenom, Amount: dec("5")}, {Denom: "ufoo", Amount: dec("6")}},
	})

	fields, err := EncodeFields(ev)
	require.NoError(t, err)
	assert.Equal(t, "swap", fields[FieldKind])
	assert.Equal(t, "ABC", fields[FieldTx])
	assert.Equal(t, "2", fields[FieldMsgIndex])
	assert.Equal(t, "42", fields[FieldHeight])
	assert.Equal(t, "1709287200000", fields[FieldTs])

	got, err := DecodeFields(fields)
	require.NoError(t, err)
	require.NotNil(t, got.Swap)
	assert.Equal(t, KindSwap, got.Kind)
	assert.Equal(t, "zig1pair", got.Swap.PairContract)
	assert.True(t, got.Swap.OfferAmount.Valid)
	assert.True(t, got.Swap.OfferAmount.Decimal.Equal(dec("1000")))
	assert.False(t, got.Swap.AskAmount.Valid)
	assert.Equal(t, 1, got.Meta().EventIndex)
	assert.True(t, created.Equal(got.Meta().CreatedAt))
	assert.Len(t, got.Swap.Reserves, 2)
}

func TestDecodeFields_FlatFieldsOverridePayload(t *testing.T) {
	got, err := DecodeFields(map[string]string{
		FieldKind:     "new_pool",
		FieldTx:       "TX1",
		FieldHeight:   "77",
		FieldMsgIndex: "3",
		FieldPayload:  `{"pair_contract":"zig1p","base_denom":"ufoo","quote_denom":"uzig","height":1}`,
	})
	require.NoError(t, err)
	meta := got.Meta()
	assert.Equal(t, int64(77), meta.Height)
	assert.Equal(t, 3, meta.MsgIndex)
	assert.Equal(t, "TX1", meta.TxHash)
}

func TestDecodeFields_Poison(t *testing.T) {
	cases := map[string]map[string]string{
		"no payload":    {FieldKind: "swap"},
		"bad json":      {FieldKind: "swap", FieldPayload: "{"},
		"no pair":       {FieldKind: "liquidity", FieldPayload: `{"action":"provide"}`},
		"no denoms":     {FieldKind: "new_pool", FieldPayload: `{"pair_contract":"zig1p"}`},
		"no quote":      {FieldKind: "new_pool", FieldPayload: `{"pair_contract":"zig1p","base_denom":"ufoo"}`},
		"bad height":    {FieldKind: "price", FieldHeight: "x", FieldPayload: `{"pair_contract":"p"}`},
		"bad msg index": {FieldKind: "price", FieldMsgIndex: "-", FieldPayload: `{"pair_contract":"p"}`},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFields(fields)
			assert.True(t, errors.Is(err, ErrMalformedEvent), "got %v", err)
		})
	}

	_, err := DecodeFields(map[string]string{FieldKind: "transfer", FieldPayload: "{}"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestLegacyCodec(t *testing.T) {
	ev := NewLiquidityEvent(&LiquidityEvent{
		EventMeta:    EventMeta{Height: 5, MsgIndex: 1},
		PairContract: "zig1pair",
		Action:       LiquidityProvide,
		Share:        decimal.NewNullDecimal(dec("12")),
	})
	fields, err := EncodeLegacy(ev)
	require.NoError(t, err)
	require.Contains(t, fields, FieldJSON)

	got, err := DecodeLegacy(KindLiquidity, fields)
	require.NoError(t, err)
	assert.Equal(t, LiquidityProvide, got.Liquidity.Action)
	assert.Equal(t, int64(5), got.Meta().Height)
}
