package challenge

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/model"
)

// Valuation is an account's equity at current prices.
type Valuation struct {
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	Equity         decimal.Decimal
	Unrealized     decimal.Decimal
	// Prices holds the direction-adjusted price each open position was
	// valued at; Live marks those that came from the feed.
	Prices map[model.PositionKey]model.EffectivePrice
	Live   map[model.PositionKey]bool
}

// Value computes equity = cash + Σ shares × effective price. A live real
// price is preferred; without one the position's last stored price is used.
func Value(ctx context.Context, md marketdata.Provider, acct *model.Account, positions []model.Position) Valuation {
	v := Valuation{
		Cash:           acct.CurrentBalance,
		PositionsValue: decimal.Zero,
		Unrealized:     decimal.Zero,
		Prices:         make(map[model.PositionKey]model.EffectivePrice, len(positions)),
		Live:           make(map[model.PositionKey]bool, len(positions)),
	}

	quotes := make(map[string]*marketdata.Quote)
	for i := range positions {
		p := &positions[i]
		if p.Status != model.PositionOpen {
			continue
		}
		q, fetched := quotes[p.MarketID]
		if !fetched {
			q, _ = md.CanonicalPrice(ctx, p.MarketID)
			if q != nil && !q.Source.Real() {
				q = nil
			}
			quotes[p.MarketID] = q
		}

		price := p.CurrentPrice
		if q != nil {
			price = p.Direction.Effective(q.Price)
			v.Live[p.Key()] = true
		}
		v.Prices[p.Key()] = price
		v.PositionsValue = v.PositionsValue.Add(p.Value(price))
		v.Unrealized = v.Unrealized.Add(p.UnrealizedPnL(price))
	}
	v.Equity = v.Cash.Add(v.PositionsValue)
	return v
}
