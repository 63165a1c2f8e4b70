package materializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

// apply turns one event into rows. Pool creations are registered in the
// directory right away so later events of the same batch resolve.
func (m *Materializer) apply(ctx context.Context, ev domain.Event) (domain.WriteSet, error) {
	switch ev.Kind {
	case domain.KindNewPool:
		return m.applyPool(ctx, ev.Pool)
	case domain.KindSwap:
		return m.applySwap(ctx, ev.Swap)
	case domain.KindLiquidity:
		return m.applyLiquidity(ctx, ev.Liquidity)
	case domain.KindPrice:
		return m.applyPrice(ctx, ev.Price)
	}
	return domain.WriteSet{}, fmt.Errorf("%w: %w: %q", ErrPoisonRecord, domain.ErrUnknownKind, ev.Kind)
}

func (m *Materializer) applyPool(ctx context.Context, e *domain.PoolCreated) (domain.WriteSet, error) {
	m.cache.Invalidate(e.PairContract)

	p := domain.PoolFromCreated(e)
	if err := m.pools.UpsertPool(ctx, &p); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return domain.WriteSet{}, fmt.Errorf("%w: upsert pool %s: %w", ErrPoisonRecord, e.PairContract, err)
		}
		return domain.WriteSet{}, fmt.Errorf("upsert pool %s: %w", e.PairContract, err)
	}
	m.cache.Put(p)
	m.logger.Info("pool registered", "pair_contract", p.PairContract, "pool_id", p.PoolID, "height", p.Height)
	return domain.WriteSet{Pools: []domain.Pool{p}}, nil
}

func (m *Materializer) applySwap(ctx context.Context, e *domain.SwapEvent) (domain.WriteSet, error) {
	p, err := m.resolve(ctx, e.PairContract)
	if err != nil {
		return domain.WriteSet{}, err
	}

	var ws domain.WriteSet
	trade := domain.TradeFromSwap(p, e)
	ws.Trades = append(ws.Trades, trade)
	if st, ok := domain.StateFromReserves(p, e.Reserves, e.CreatedAt); ok {
		ws.States = append(ws.States, st)
	}

	price, ok := domain.PriceFromReserves(p, e.Reserves)
	if !ok {
		return ws, nil
	}
	c := domain.OHLCVContribution{
		PoolID:      p.PoolID,
		BucketStart: domain.BucketStart(e.CreatedAt),
		Price:       price,
		Volume:      domain.QuoteVolume(p, e),
		Trades:      1,
		Source:      trade.Key(),
	}
	if liq, ok := domain.LiquidityInZig(p, e.Reserves); ok {
		c.Liquidity = decimal.NewNullDecimal(liq)
	}
	ws.Contributions = append(ws.Contributions, c)
	ws.Prices = append(ws.Prices, domain.PriceTick{
		PoolID:     p.PoolID,
		TokenID:    p.BaseTokenID,
		PriceInZig: price,
		At:         e.CreatedAt.UTC(),
	})
	return ws, nil
}

func (m *Materializer) applyLiquidity(ctx context.Context, e *domain.LiquidityEvent) (domain.WriteSet, error) {
	p, err := m.resolve(ctx, e.PairContract)
	if err != nil {
		return domain.WriteSet{}, err
	}

	ws := domain.WriteSet{Trades: []domain.Trade{domain.TradeFromLiquidity(p, e)}}
	if st, ok := domain.StateFromReserves(p, e.Reserves, e.CreatedAt); ok {
		ws.States = append(ws.States, st)
	}
	return ws, nil
}

// applyPrice updates the current price only. Rollups are fed by swaps,
// which know the traded volume.
func (m *Materializer) applyPrice(ctx context.Context, e *domain.PriceSnapshot) (domain.WriteSet, error) {
	p, err := m.resolve(ctx, e.PairContract)
	if err != nil {
		return domain.WriteSet{}, err
	}

	var ws domain.WriteSet
	if price, ok := domain.PriceFromReserves(p, e.Reserves); ok {
		ws.Prices = append(ws.Prices, domain.PriceTick{
			PoolID:     p.PoolID,
			TokenID:    p.BaseTokenID,
			PriceInZig: price,
			At:         e.CreatedAt.UTC(),
		})
	}
	if st, ok := domain.StateFromReserves(p, e.Reserves, e.CreatedAt); ok {
		ws.States = append(ws.States, st)
	}
	return ws, nil
}
