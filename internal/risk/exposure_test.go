package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func infos(pairs ...string) map[string]marketdata.MarketInfo {
	out := make(map[string]marketdata.MarketInfo)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = marketdata.MarketInfo{ID: pairs[i], Category: pairs[i+1]}
	}
	return out
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := &ExposureLimiter{MaxPerMarket: d(1000), MaxPerCategory: d(5000)}

	assert.NoError(t, limiter.CheckLimit("m1", d(100), nil, nil))
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := &ExposureLimiter{MaxPerMarket: d(1000), MaxPerCategory: d(5000)}

	// Existing 950 + new 100 = 1050 > 1000.
	err := limiter.CheckLimit("m1", d(100), Exposures{"m1": d(950)}, nil)
	assert.ErrorIs(t, err, ErrMarketLimitExceeded)
}

func TestCheckLimit_PerMarketAtCapAllowed(t *testing.T) {
	limiter := &ExposureLimiter{MaxPerMarket: d(1000), MaxPerCategory: d(5000)}

	assert.NoError(t, limiter.CheckLimit("m1", d(100), Exposures{"m1": d(900)}, nil))
}

func TestCheckLimit_CategoryExceeded(t *testing.T) {
	limiter := &ExposureLimiter{MaxPerMarket: d(1000), MaxPerCategory: d(2000)}
	existing := Exposures{"a": d(800), "b": d(800), "c": d(300)}
	tags := infos("a", "politics", "b", "politics", "c", "politics", "e", "politics")

	// 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("e", d(200), existing, tags)
	assert.ErrorIs(t, err, ErrCategoryLimitExceeded)
}

func TestCheckLimit_OtherCategoriesIgnored(t *testing.T) {
	limiter := &ExposureLimiter{MaxPerMarket: d(1000), MaxPerCategory: d(2000)}
	existing := Exposures{"a": d(800), "z": d(900)}
	tags := infos("a", "politics", "z", "sports", "c", "politics")

	// 500 + 800 = 1300 < 2000; the sports market is excluded.
	assert.NoError(t, limiter.CheckLimit("c", d(500), existing, tags))
}

func TestCheckLimit_UncategorizedTarget(t *testing.T) {
	limiter := &ExposureLimiter{MaxPerMarket: d(1000), MaxPerCategory: d(100)}

	assert.NoError(t, limiter.CheckLimit("x", d(500), Exposures{"y": d(900)}, nil))
}

func TestExposuresOfSumsBothDirections(t *testing.T) {
	positions := []model.Position{
		{MarketID: "m1", Direction: model.DirectionYes, SizeAmount: d(300), Status: model.PositionOpen},
		{MarketID: "m1", Direction: model.DirectionNo, SizeAmount: d(200), Status: model.PositionOpen},
		{MarketID: "m2", Direction: model.DirectionYes, SizeAmount: d(50), Status: model.PositionClosed},
	}

	got := ExposuresOf(positions)
	assert.True(t, got["m1"].Equal(d(500)))
	_, ok := got["m2"]
	assert.False(t, ok)
}
