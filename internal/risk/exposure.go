package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/model"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push the notional
	// committed to a single market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("risk: per-market exposure limit exceeded")

	// ErrCategoryLimitExceeded is returned when a trade would push the
	// aggregate notional across markets sharing a category tag beyond the
	// category maximum.
	ErrCategoryLimitExceeded = errors.New("risk: category exposure limit exceeded")
)

// Exposures maps market id to the notional committed to it by open
// positions, both directions together.
type Exposures map[string]decimal.Decimal

// ExposuresOf sums SizeAmount of the open positions per market.
func ExposuresOf(positions []model.Position) Exposures {
	out := make(Exposures, len(positions))
	for _, p := range positions {
		if p.Status != model.PositionOpen {
			continue
		}
		out[p.MarketID] = out[p.MarketID].Add(p.SizeAmount)
	}
	return out
}

// ExposureLimiter enforces notional limits per market and per category.
//
// Markets are correlated when they share a category tag: an account loading
// up on every election market carries one risk, not several. Markets with no
// category only count against their own per-market limit.
type ExposureLimiter struct {
	// MaxPerMarket is the maximum notional in any single market.
	MaxPerMarket decimal.Decimal

	// MaxPerCategory is the maximum aggregate notional across all markets
	// sharing the target's category.
	MaxPerCategory decimal.Decimal
}

// NewExposureLimiter derives both caps from the account's rules.
func NewExposureLimiter(startingBalance decimal.Decimal, rules model.RulesConfig) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerMarket:   startingBalance.Mul(rules.MaxPositionSizePercent),
		MaxPerCategory: startingBalance.Mul(rules.MaxCategoryExposurePercent),
	}
}

// CheckLimit validates whether adding delta to targetMarket respects both
// limits. infos supplies the category of every market in existing; markets
// missing from infos are treated as uncategorized.
func (l *ExposureLimiter) CheckLimit(
	targetMarket string,
	delta decimal.Decimal,
	existing Exposures,
	infos map[string]marketdata.MarketInfo,
) error {
	// 1. Per-market limit.
	newExposure := existing[targetMarket].Add(delta)
	if newExposure.GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	// 2. Category exposure: sum across markets sharing the tag.
	category := infos[targetMarket].Category
	if category == "" {
		return nil
	}
	total := newExposure
	for marketID, exposure := range existing {
		if marketID == targetMarket {
			continue // already counted via newExposure above
		}
		if infos[marketID].Category == category {
			total = total.Add(exposure)
		}
	}
	if total.GreaterThan(l.MaxPerCategory) {
		return ErrCategoryLimitExceeded
	}
	return nil
}
