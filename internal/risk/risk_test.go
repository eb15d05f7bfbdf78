package risk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prop-engine/internal/arbitrage"
	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/model"
)

func newEngine(md marketdata.Provider) *Engine {
	return NewEngine(md, arbitrage.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func account() *model.Account {
	return &model.Account{
		ID:                "acct-1",
		Status:            model.StatusActive,
		Phase:             model.PhaseEvaluation,
		StartingBalance:   d(10000),
		CurrentBalance:    d(10000),
		HighWaterMark:     d(10000),
		StartOfDayBalance: d(10000),
		Rules:             model.DefaultRules(),
	}
}

func snapshot(a *model.Account, volume int64, positions ...model.Position) *Snapshot {
	infos := map[string]marketdata.MarketInfo{
		"m1": {ID: "m1", Volume24h: decimal.NewFromInt(volume)},
	}
	for _, p := range positions {
		if _, ok := infos[p.MarketID]; !ok {
			infos[p.MarketID] = marketdata.MarketInfo{ID: p.MarketID, Volume24h: decimal.NewFromInt(volume)}
		}
	}
	return &Snapshot{Account: a, Positions: positions, Infos: infos}
}

func position(market string, dir model.Direction, size float64) model.Position {
	return model.Position{MarketID: market, Direction: dir, SizeAmount: d(size), Status: model.PositionOpen}
}

func buy(amount float64) Request {
	return Request{MarketID: "m1", Direction: model.DirectionYes, Amount: d(amount)}
}

func TestEvaluateAllows(t *testing.T) {
	res := newEngine(nil).Evaluate(snapshot(account(), 20_000_000), buy(500))
	assert.True(t, res.Allowed, res.Reason)
	assert.NoError(t, res.Err())
}

func TestTotalDrawdownRule(t *testing.T) {
	a := account()
	a.CurrentBalance = d(9300)
	a.StartOfDayBalance = d(9300)

	res := newEngine(nil).Evaluate(snapshot(a, 20_000_000), buy(200))
	assert.Equal(t, RuleTotalDrawdown, res.Rule)
	assert.ErrorIs(t, res.Err(), model.ErrRiskLimitExceeded)

	// Landing exactly on the floor is not below it.
	res = newEngine(nil).Evaluate(snapshot(a, 20_000_000), buy(100))
	assert.True(t, res.Allowed, res.Reason)
}

func TestDailyLossRule(t *testing.T) {
	a := account()
	a.CurrentBalance = d(9700)

	res := newEngine(nil).Evaluate(snapshot(a, 20_000_000), buy(200))
	assert.Equal(t, RuleDailyLoss, res.Rule)
}

func TestEstimatedLossOverridesAmount(t *testing.T) {
	a := account()
	a.CurrentBalance = d(9700)
	req := buy(200)
	req.EstimatedLoss = d(50)

	assert.True(t, newEngine(nil).Evaluate(snapshot(a, 20_000_000), req).Allowed)
}

func TestMarketExposureRule(t *testing.T) {
	snap := snapshot(account(), 20_000_000, position("m1", model.DirectionYes, 1800))

	res := newEngine(nil).Evaluate(snap, buy(300))
	assert.Equal(t, RuleMarketExposure, res.Rule)
}

func TestCategoryExposureRule(t *testing.T) {
	snap := snapshot(account(), 20_000_000,
		position("a", model.DirectionYes, 1900),
		position("b", model.DirectionNo, 1900),
	)
	for _, id := range []string{"m1", "a", "b"} {
		info := snap.Infos[id]
		info.Category = "politics"
		snap.Infos[id] = info
	}

	res := newEngine(nil).Evaluate(snap, buy(300))
	assert.Equal(t, RuleCategoryExposure, res.Rule)
	assert.Contains(t, res.Reason, "politics")
}

func TestTradeSizeTiers(t *testing.T) {
	tests := []struct {
		volume  int64
		amount  float64
		allowed bool
	}{
		{20_000_000, 1000, true},
		{20_000_000, 1001, false},
		{5_000_000, 500, true},
		{5_000_000, 600, false},
		{500_000, 200, true},
		{500_000, 201, false},
		{50_000, 1, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%v", tt.volume, tt.amount), func(t *testing.T) {
			res := newEngine(nil).Evaluate(snapshot(account(), tt.volume), buy(tt.amount))
			if tt.allowed {
				assert.True(t, res.Allowed, res.Reason)
			} else {
				assert.Equal(t, RuleTradeSize, res.Rule)
			}
		})
	}
}

func TestVolumeImpactRule(t *testing.T) {
	a := account()
	a.Rules.MaxVolumeImpactPercent = d(0.0005)

	res := newEngine(nil).Evaluate(snapshot(a, 200_000), buy(150))
	assert.Equal(t, RuleVolumeImpact, res.Rule)
}

func TestMinVolumeRule(t *testing.T) {
	a := account()
	a.Rules.MinMarketVolume = d(5_000_000)

	res := newEngine(nil).Evaluate(snapshot(a, 2_000_000), buy(100))
	assert.Equal(t, RuleMinVolume, res.Rule)
}

func TestPositionCountRule(t *testing.T) {
	a := account() // 10k starting balance: limit 15
	var open []model.Position
	for i := 0; i < 15; i++ {
		open = append(open, position(fmt.Sprintf("x%d", i), model.DirectionYes, 10))
	}

	res := newEngine(nil).Evaluate(snapshot(a, 20_000_000, open...), buy(100))
	assert.Equal(t, RulePositionCount, res.Rule)

	// Adding to an existing slot does not open a new one.
	open[0].MarketID = "m1"
	res = newEngine(nil).Evaluate(snapshot(a, 20_000_000, open...), buy(100))
	assert.True(t, res.Allowed, res.Reason)
}

func TestArbitrageRule(t *testing.T) {
	snap := snapshot(account(), 20_000_000, position("m1", model.DirectionNo, 100))

	res := newEngine(nil).Evaluate(snap, buy(100))
	assert.Equal(t, RuleArbitrage, res.Rule)
}

func TestMultiRunnerArbitrageRule(t *testing.T) {
	snap := snapshot(account(), 20_000_000,
		position("m2", model.DirectionYes, 100),
		position("m3", model.DirectionYes, 100),
	)
	info := snap.Infos["m1"]
	info.Siblings = []string{"m2", "m3"}
	snap.Infos["m1"] = info

	res := newEngine(nil).Evaluate(snap, buy(100))
	assert.Equal(t, RuleArbitrage, res.Rule)
}

func TestCheckFailsClosedWithoutMetadata(t *testing.T) {
	md := marketdata.NewStatic(marketdata.SourceLive)
	err := newEngine(md).Check(context.Background(), account(), nil, buy(100))
	assert.ErrorIs(t, err, model.ErrMarketDataUnavailable)

	md.SetInfo(marketdata.MarketInfo{ID: "m1", Volume24h: decimal.NewFromInt(20_000_000)})
	md.Fail(model.ErrMarketDataUnavailable.With("timeout"))
	err = newEngine(md).Check(context.Background(), account(), nil, buy(100))
	assert.ErrorIs(t, err, model.ErrMarketDataUnavailable)
}

func TestCheckFetchesPositionMarkets(t *testing.T) {
	md := marketdata.NewStatic(marketdata.SourceLive)
	md.SetInfo(marketdata.MarketInfo{ID: "m1", Category: "politics", Volume24h: decimal.NewFromInt(20_000_000)})
	md.SetInfo(marketdata.MarketInfo{ID: "a", Category: "politics", Volume24h: decimal.NewFromInt(20_000_000)})
	md.SetInfo(marketdata.MarketInfo{ID: "b", Category: "politics", Volume24h: decimal.NewFromInt(20_000_000)})
	open := []model.Position{
		position("a", model.DirectionYes, 1900),
		position("b", model.DirectionYes, 1900),
	}

	err := newEngine(md).Check(context.Background(), account(), open, buy(300))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)
	assert.Contains(t, err.Error(), "category")
}
