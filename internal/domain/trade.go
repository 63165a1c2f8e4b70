package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade actions.
const (
	ActionSwap = "swap"
)

// TradeKey is the ledger uniqueness key. Redelivering an event with the same
// key must not create a second row.
type TradeKey struct {
	TxHash     string
	PoolID     int64
	MsgIndex   int
	EventIndex int
	CreatedAt  time.Time
}

// Trade is an append-only ledger row for a swap or liquidity change.
// Corresponds to trades table in PostgreSQL and ClickHouse.
type Trade struct {
	PoolID       int64
	PairContract string
	Action       string // swap | provide | withdraw
	Direction    string // buy | sell | provide | withdraw
	OfferDenom   string
	OfferAmount  decimal.NullDecimal
	AskDenom     string
	AskAmount    decimal.NullDecimal
	ReturnAmount decimal.NullDecimal
	IsRouter     bool
	Reserve1     *AssetAmount
	Reserve2     *AssetAmount
	Height       int64
	TxHash       string
	Signer       string
	MsgIndex     int
	EventIndex   int
	CreatedAt    time.Time
}

// Key returns the ledger uniqueness key of the trade.
func (t *Trade) Key() TradeKey {
	return TradeKey{
		TxHash:     t.TxHash,
		PoolID:     t.PoolID,
		MsgIndex:   t.MsgIndex,
		EventIndex: t.EventIndex,
		CreatedAt:  t.CreatedAt.UTC(),
	}
}

// TradeFromSwap builds a ledger row for a swap against a resolved pool.
func TradeFromSwap(p *Pool, s *SwapEvent) Trade {
	t := Trade{
		PoolID:       p.PoolID,
		PairContract: s.PairContract,
		Action:       ActionSwap,
		Direction:    Direction(s.OfferDenom, p.QuoteDenom),
		OfferDenom:   s.OfferDenom,
		OfferAmount:  s.OfferAmount,
		AskDenom:     s.AskDenom,
		AskAmount:    s.AskAmount,
		ReturnAmount: s.ReturnAmount,
		IsRouter:     s.IsRouter,
		Height:       s.Height,
		TxHash:       s.TxHash,
		Signer:       s.Signer,
		MsgIndex:     s.MsgIndex,
		EventIndex:   s.EventIndex,
		CreatedAt:    s.CreatedAt.UTC(),
	}
	t.Reserve1, t.Reserve2 = reservePair(s.Reserves)
	return t
}

// TradeFromLiquidity builds a ledger row for a liquidity change. The share
// amount is recorded as the returned amount.
func TradeFromLiquidity(p *Pool, l *LiquidityEvent) Trade {
	t := Trade{
		PoolID:       p.PoolID,
		PairContract: l.PairContract,
		Action:       l.Action,
		Direction:    l.Action,
		ReturnAmount: l.Share,
		Height:       l.Height,
		TxHash:       l.TxHash,
		Signer:       l.Signer,
		MsgIndex:     l.MsgIndex,
		EventIndex:   l.EventIndex,
		CreatedAt:    l.CreatedAt.UTC(),
	}
	t.Reserve1, t.Reserve2 = reservePair(l.Reserves)
	return t
}

func reservePair(reserves []AssetAmount) (*AssetAmount, *AssetAmount) {
	var r1, r2 *AssetAmount
	if len(reserves) > 0 {
		a := reserves[0]
		r1 = &a
	}
	if len(reserves) > 1 {
		b := reserves[1]
		r2 = &b
	}
	return r1, r2
}
