package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies the type of a derived DEX event.
type EventKind string

// Event kinds published on the ordered core stream.
const (
	KindNewPool   EventKind = "new_pool"
	KindLiquidity EventKind = "liquidity"
	KindSwap      EventKind = "swap"
	KindPrice     EventKind = "price"
)

// Liquidity actions.
const (
	LiquidityProvide  = "provide"
	LiquidityWithdraw = "withdraw"
)

// EventMeta carries the position of an event inside the chain.
// (TxHash, MsgIndex, EventIndex, Kind) identifies one logical occurrence.
type EventMeta struct {
	Height     int64     `json:"height"`
	TxHash     string    `json:"tx_hash,omitempty"` // empty for synthetic events
	Signer     string    `json:"signer,omitempty"`
	MsgIndex   int       `json:"msg_index"`
	EventIndex int       `json:"event_index"`
	CreatedAt  time.Time `json:"created_at"` // block time, not wall clock
}

// PoolCreated is emitted when the factory instantiates a new pair contract.
type PoolCreated struct {
	EventMeta
	PairContract string `json:"pair_contract"`
	BaseDenom    string `json:"base_denom"`
	QuoteDenom   string `json:"quote_denom"`
	PairType     string `json:"pair_type"`
}

// SwapEvent is a single swap executed against a pair contract.
type SwapEvent struct {
	EventMeta
	PairContract string              `json:"pair_contract"`
	OfferDenom   string              `json:"offer_asset_denom,omitempty"`
	OfferAmount  decimal.NullDecimal `json:"offer_amount_base"`
	AskDenom     string              `json:"ask_asset_denom,omitempty"`
	AskAmount    decimal.NullDecimal `json:"ask_amount_base"`
	ReturnAmount decimal.NullDecimal `json:"return_amount_base"`
	IsRouter     bool                `json:"is_router"`
	Reserves     []AssetAmount       `json:"reserves,omitempty"`
}

// LiquidityEvent is a provide or withdraw against a pair contract.
type LiquidityEvent struct {
	EventMeta
	PairContract string              `json:"pair_contract"`
	Action       string              `json:"action"` // "provide" | "withdraw"
	Share        decimal.NullDecimal `json:"share_base"`
	Reserves     []AssetAmount       `json:"reserves,omitempty"`
}

// PriceSnapshot is a post-event reserve snapshot of a pair.
type PriceSnapshot struct {
	EventMeta
	PairContract string        `json:"pair_contract"`
	Source       string        `json:"source"` // swap | provide | withdraw
	Reserves     []AssetAmount `json:"reserves"`
}

// Event is a decoded derived event. Exactly one payload pointer is set,
// matching Kind.
type Event struct {
	Kind      EventKind
	Pool      *PoolCreated
	Swap      *SwapEvent
	Liquidity *LiquidityEvent
	Price     *PriceSnapshot
}

// Meta returns the chain position of the event payload.
func (e Event) Meta() EventMeta {
	switch {
	case e.Pool != nil:
		return e.Pool.EventMeta
	case e.Swap != nil:
		return e.Swap.EventMeta
	case e.Liquidity != nil:
		return e.Liquidity.EventMeta
	case e.Price != nil:
		return e.Price.EventMeta
	}
	return EventMeta{}
}

// PairContract returns the pair address the event refers to.
func (e Event) PairContract() string {
	switch {
	case e.Pool != nil:
		return e.Pool.PairContract
	case e.Swap != nil:
		return e.Swap.PairContract
	case e.Liquidity != nil:
		return e.Liquidity.PairContract
	case e.Price != nil:
		return e.Price.PairContract
	}
	return ""
}

// Payload returns the kind-specific payload.
func (e Event) Payload() any {
	switch e.Kind {
	case KindNewPool:
		return e.Pool
	case KindSwap:
		return e.Swap
	case KindLiquidity:
		return e.Liquidity
	case KindPrice:
		return e.Price
	}
	return nil
}

// NewPoolEvent wraps a pool creation.
func NewPoolEvent(p *PoolCreated) Event { return Event{Kind: KindNewPool, Pool: p} }

// NewSwapEvent wraps a swap.
func NewSwapEvent(s *SwapEvent) Event { return Event{Kind: KindSwap, Swap: s} }

// NewLiquidityEvent wraps a liquidity change.
func NewLiquidityEvent(l *LiquidityEvent) Event { return Event{Kind: KindLiquidity, Liquidity: l} }

// NewPriceEvent wraps a reserve snapshot.
func NewPriceEvent(p *PriceSnapshot) Event { return Event{Kind: KindPrice, Price: p} }
