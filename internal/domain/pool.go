package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceDenom is the chain's native quote unit. Prices and volumes are
// expressed in it.
const ReferenceDenom = "uzig"

// DefaultExponent is used when a token's decimal exponent is unknown.
const DefaultExponent = 6

// Pool is a pool directory entry: durable pool metadata joined with its tokens.
// Corresponds to pools JOIN tokens in PostgreSQL.
type Pool struct {
	PoolID       int64
	PairContract string
	PairType     string
	BaseTokenID  int64
	QuoteTokenID int64
	BaseDenom    string
	QuoteDenom   string
	BaseExp      int
	QuoteExp     int
	IsUzigQuote  bool // quote side is ReferenceDenom
	CreatedAt    time.Time
	Height       int64
	TxHash       string
	Signer       string
}

// PoolState is the latest known reserve snapshot of a pool, mapped to its
// base/quote sides.
type PoolState struct {
	PoolID       int64
	BaseDenom    string
	QuoteDenom   string
	ReserveBase  decimal.Decimal
	ReserveQuote decimal.Decimal
	UpdatedAt    time.Time
}

// AssetAmount is an amount of a denom in base (smallest) units.
type AssetAmount struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount_base"`
}

// StateFromReserves maps a reserve pair onto the pool's base and quote
// sides. Returns false when either side is missing.
func StateFromReserves(p *Pool, reserves []AssetAmount, at time.Time) (PoolState, bool) {
	base, okBase := findDenom(reserves, p.BaseDenom)
	quote, okQuote := findDenom(reserves, p.QuoteDenom)
	if !okBase || !okQuote {
		return PoolState{}, false
	}
	return PoolState{
		PoolID:       p.PoolID,
		BaseDenom:    p.BaseDenom,
		QuoteDenom:   p.QuoteDenom,
		ReserveBase:  base,
		ReserveQuote: quote,
		UpdatedAt:    at,
	}, true
}

func findDenom(reserves []AssetAmount, denom string) (decimal.Decimal, bool) {
	for _, r := range reserves {
		if r.Denom == denom {
			return r.Amount, true
		}
	}
	return decimal.Decimal{}, false
}

// PoolFromCreated builds an unregistered directory entry from a creation event.
func PoolFromCreated(e *PoolCreated) Pool {
	return Pool{
		PairContract: e.PairContract,
		PairType:     e.PairType,
		BaseDenom:    e.BaseDenom,
		QuoteDenom:   e.QuoteDenom,
		BaseExp:      DefaultExponent,
		QuoteExp:     DefaultExponent,
		IsUzigQuote:  e.QuoteDenom == ReferenceDenom,
		CreatedAt:    e.CreatedAt.UTC(),
		Height:       e.Height,
		TxHash:       e.TxHash,
		Signer:       e.Signer,
	}
}
