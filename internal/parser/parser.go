// Package parser derives DEX events from CosmWasm block results: pool
// creations by the factory, swaps, liquidity changes and the reserve
// snapshots they report.
package parser

import (
	"fmt"
	"time"

	"dex-indexer/internal/chain"
	"dex-indexer/internal/domain"
	"dex-indexer/internal/idhash"
)

// Wasm actions read by the parser.
const (
	actionCreatePair = "create_pair"
	actionRegister   = "register"
	actionSwap       = "swap"
	actionProvide    = "provide_liquidity"
	actionWithdraw   = "withdraw_liquidity"
)

// DefaultPairType is assumed when create_pair does not name one.
const DefaultPairType = "xyk"

// Options configures a Parser.
type Options struct {
	// FactoryAddr restricts pool creation to one factory. Empty accepts any.
	FactoryAddr string
	// RouterAddr marks swaps routed through the router contract.
	RouterAddr string
}

// Parser turns raw blocks into events. It is stateless and safe for
// concurrent use.
type Parser struct {
	factory string
	router  string
}

// New creates a Parser.
func New(opts Options) *Parser {
	return &Parser{factory: opts.FactoryAddr, router: opts.RouterAddr}
}

// Parse returns the events of a block in block order. Within a transaction
// events come grouped by kind; callers restore the causal order with
// ordering.BundleByTx. Failed transactions yield nothing.
func (p *Parser) Parse(raw *chain.RawBlock) ([]domain.Event, error) {
	hashes := make([]string, len(raw.Txs))
	for i, tx := range raw.Txs {
		h, err := idhash.TxHash(tx)
		if err != nil {
			return nil, fmt.Errorf("block %d tx %d: %w", raw.Height, i, err)
		}
		hashes[i] = h
	}

	var events []domain.Event
	for i, res := range raw.Results {
		if res.Code != 0 {
			continue
		}
		var hash string
		if i < len(hashes) {
			hash = hashes[i]
		}
		tx := txContext{
			height:    raw.Height,
			hash:      hash,
			at:        raw.Time.UTC(),
			wasms:     byType(res.Events, "wasm"),
			instances: byType(res.Events, "instantiate"),
			executes:  byType(res.Events, "execute"),
		}
		tx.senders = msgSenders(byType(res.Events, "message"))

		events = append(events, p.pools(&tx)...)
		events = append(events, p.swaps(&tx)...)
		events = append(events, p.liquidity(&tx)...)
	}
	return events, nil
}

func (p *Parser) pools(tx *txContext) []domain.Event {
	var registers []attrs
	for _, r := range byAction(tx.wasms, actionRegister) {
		if p.factory == "" || r["_contract_address"] == p.factory {
			registers = append(registers, r)
		}
	}

	var out []domain.Event
	for i, cp := range byAction(tx.wasms, actionCreatePair) {
		if p.factory != "" && cp.first("_contract_address") != p.factory {
			continue
		}

		var pairContract string
		switch {
		case i < len(registers):
			pairContract = registers[i]["pair_contract_addr"]
		case len(registers) > 0:
			pairContract = registers[0]["pair_contract_addr"]
		case len(tx.instances) > 0:
			pairContract = tx.instances[len(tx.instances)-1]["_contract_address"]
		}
		if pairContract == "" {
			continue
		}

		pairType := cp.first("pair_type")
		if pairType == "" {
			pairType = DefaultPairType
		}
		base, quote := splitPair(cp["pair"])

		out = append(out, domain.NewPoolEvent(&domain.PoolCreated{
			EventMeta:    tx.meta(cp.msgIndex(0), i),
			PairContract: pairContract,
			BaseDenom:    base,
			QuoteDenom:   quote,
			PairType:     pairType,
		}))
	}
	return out
}

func (p *Parser) swaps(tx *txContext) []domain.Event {
	var out []domain.Event
	for idx, s := range byAction(tx.wasms, actionSwap) {
		pair := s.first("_contract_address")
		if pair == "" {
			continue
		}

		reserves := reservePair{
			{denom: s.first("reserve_asset1_denom", "asset1_denom"), amount: digits(s.first("reserve_asset1_amount", "asset1_amount"))},
			{denom: s.first("reserve_asset2_denom", "asset2_denom"), amount: digits(s.first("reserve_asset2_amount", "asset2_amount"))},
		}
		if !reserves.complete() {
			if kv := s.first("reserves"); kv != "" {
				reserves.fillFrom(parseReserves(kv))
			}
		}

		msgIndex := s.msgIndex(idx)
		meta := tx.meta(msgIndex, idx)

		out = append(out, domain.NewSwapEvent(&domain.SwapEvent{
			EventMeta:    meta,
			PairContract: pair,
			OfferDenom:   s.first("offer_asset", "offer_asset_denom"),
			OfferAmount:  digits(s["offer_amount"]),
			AskDenom:     s.first("ask_asset", "ask_asset_denom"),
			AskAmount:    digits(s["ask_amount"]),
			ReturnAmount: digits(s["return_amount"]),
			IsRouter:     p.isRouter(tx, s["sender"], msgIndex),
			Reserves:     reserves.assets(),
		}))

		if reserves.complete() {
			out = append(out, snapshot(meta, pair, "swap", reserves))
		}
	}
	return out
}

func (p *Parser) liquidity(tx *txContext) []domain.Event {
	evs := append(byAction(tx.wasms, actionProvide), byAction(tx.wasms, actionWithdraw)...)

	var out []domain.Event
	for li, le := range evs {
		pair := le.first("_contract_address")
		if pair == "" {
			continue
		}
		provide := le["action"] == actionProvide
		action := domain.LiquidityWithdraw
		assetsKey := "refund_assets"
		if provide {
			action = domain.LiquidityProvide
			assetsKey = "assets"
		}

		reserves := reservePair{
			{denom: le.first("reserve_asset1_denom"), amount: digits(le["reserve_asset1_amount"])},
			{denom: le.first("reserve_asset2_denom"), amount: digits(le["reserve_asset2_amount"])},
		}
		if !reserves.complete() {
			if list := le.first(assetsKey); list != "" {
				reserves.fillFrom(parseCoins(list))
			}
		}
		if !reserves.complete() {
			if kv := le.first("reserves"); kv != "" {
				reserves.fillFrom(parseReserves(kv))
			}
		}

		share := le["share"]
		if !provide {
			share = le.first("withdrawn_share", "withdraw_share", "liquidity", "burn_share", "burnt_share", "share")
		}

		meta := tx.meta(le.msgIndex(li), li)
		out = append(out, domain.NewLiquidityEvent(&domain.LiquidityEvent{
			EventMeta:    meta,
			PairContract: pair,
			Action:       action,
			Share:        digits(share),
			Reserves:     reserves.assets(),
		}))

		if reserves.complete() {
			out = append(out, snapshot(meta, pair, action, reserves))
		}
	}
	return out
}

// isRouter reports whether a swap was executed through the router: either
// the pair saw the router as sender or the router ran in the same message.
func (p *Parser) isRouter(tx *txContext, sender string, msgIndex int) bool {
	if p.router == "" {
		return false
	}
	if sender == p.router {
		return true
	}
	for _, e := range tx.executes {
		if e["_contract_address"] == p.router && e.msgIndex(-1) == msgIndex {
			return true
		}
	}
	return false
}

func snapshot(meta domain.EventMeta, pair, source string, reserves reservePair) domain.Event {
	return domain.NewPriceEvent(&domain.PriceSnapshot{
		EventMeta:    meta,
		PairContract: pair,
		Source:       source,
		Reserves:     reserves.assets(),
	})
}

// txContext is what the extractors share about one transaction.
type txContext struct {
	height    int64
	hash      string
	at        time.Time
	wasms     []attrs
	instances []attrs
	executes  []attrs
	senders   map[int]string
}

func (tx *txContext) meta(msgIndex, eventIndex int) domain.EventMeta {
	return domain.EventMeta{
		Height:     tx.height,
		TxHash:     tx.hash,
		Signer:     tx.senders[msgIndex],
		MsgIndex:   msgIndex,
		EventIndex: eventIndex,
		CreatedAt:  tx.at,
	}
}
