// Package risk validates a prospective buy against the account's firm
// limits. The nine rules run in a fixed order over one snapshot of the
// account, its open positions and market metadata fetched in a single
// batch; the first failing rule decides.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/arbitrage"
	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/model"
)

// Rule names a risk rule, in evaluation order.
type Rule string

const (
	RuleTotalDrawdown    Rule = "total_drawdown"
	RuleDailyLoss        Rule = "daily_loss"
	RuleMarketExposure   Rule = "market_exposure"
	RuleCategoryExposure Rule = "category_exposure"
	RuleTradeSize        Rule = "trade_size"
	RuleVolumeImpact     Rule = "volume_impact"
	RuleMinVolume        Rule = "min_volume"
	RulePositionCount    Rule = "position_count"
	RuleArbitrage        Rule = "arbitrage"
)

// Volume tiers for the maximum single trade, as a fraction of the
// starting balance.
var (
	tierHigh   = decimal.NewFromInt(10_000_000)
	tierMid    = decimal.NewFromInt(1_000_000)
	tierLow    = decimal.NewFromInt(100_000)
	pctHigh    = decimal.NewFromFloat(0.10)
	pctMid     = decimal.NewFromFloat(0.05)
	pctLow     = decimal.NewFromFloat(0.02)
	percentage = decimal.NewFromInt(100)
)

// MaxTradeFraction is the largest single trade allowed on a market with the
// given 24h volume, as a fraction of starting balance. ok is false when the
// market is too thin to trade at all.
func MaxTradeFraction(volume24h decimal.Decimal) (decimal.Decimal, bool) {
	switch {
	case volume24h.GreaterThanOrEqual(tierHigh):
		return pctHigh, true
	case volume24h.GreaterThanOrEqual(tierMid):
		return pctMid, true
	case volume24h.GreaterThanOrEqual(tierLow):
		return pctLow, true
	default:
		return decimal.Zero, false
	}
}

// Request is a prospective buy.
type Request struct {
	MarketID  string
	Direction model.Direction
	Amount    decimal.Decimal
	// EstimatedLoss is the worst-case loss used by the drawdown rules.
	// Zero means Amount.
	EstimatedLoss decimal.Decimal
}

// Snapshot is everything the rules read.
type Snapshot struct {
	Account   *model.Account
	Positions []model.Position
	Infos     map[string]marketdata.MarketInfo
}

// Result is the outcome of Evaluate.
type Result struct {
	Allowed bool
	Rule    Rule
	Reason  string
}

// Err converts a rejection into a RiskLimitExceeded error; nil when allowed.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return model.ErrRiskLimitExceeded.With("%s", r.Reason)
}

func pass() Result { return Result{Allowed: true} }

func reject(rule Rule, format string, args ...any) Result {
	return Result{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Engine evaluates the rules. It is safe for concurrent use.
type Engine struct {
	md  marketdata.Provider
	arb *arbitrage.Detector
	log *slog.Logger
}

// NewEngine creates a risk engine reading market metadata from md.
func NewEngine(md marketdata.Provider, arb *arbitrage.Detector, log *slog.Logger) *Engine {
	return &Engine{md: md, arb: arb, log: log}
}

// Snapshot fetches the metadata for the target market and every market the
// account holds, in one call. Missing target metadata fails closed.
func (e *Engine) Snapshot(ctx context.Context, acct *model.Account, positions []model.Position, marketID string) (*Snapshot, error) {
	ids := []string{marketID}
	seen := map[string]bool{marketID: true}
	for _, p := range positions {
		if !seen[p.MarketID] {
			seen[p.MarketID] = true
			ids = append(ids, p.MarketID)
		}
	}

	infos, err := e.md.MarketInfo(ctx, ids...)
	if err != nil {
		var merr *model.Error
		if errors.As(err, &merr) {
			return nil, model.ErrMarketDataUnavailable.With("market metadata: %s", merr.Reason)
		}
		return nil, model.ErrMarketDataUnavailable.With("market metadata: %v", err)
	}
	if _, ok := infos[marketID]; !ok {
		return nil, model.ErrMarketDataUnavailable.With("no metadata for market %s", marketID)
	}
	return &Snapshot{Account: acct, Positions: positions, Infos: infos}, nil
}

// Check builds a snapshot and evaluates req against it. It returns a
// RiskLimitExceeded error on rejection.
func (e *Engine) Check(ctx context.Context, acct *model.Account, positions []model.Position, req Request) error {
	snap, err := e.Snapshot(ctx, acct, positions, req.MarketID)
	if err != nil {
		return err
	}
	res := e.Evaluate(snap, req)
	if !res.Allowed {
		metrics.RiskRejections.WithLabelValues(string(res.Rule)).Inc()
		e.log.Info("trade rejected by risk",
			"account_id", acct.ID,
			"market_id", req.MarketID,
			"direction", req.Direction,
			"amount", req.Amount.StringFixed(2),
			"rule", res.Rule,
			"reason", res.Reason,
		)
	}
	return res.Err()
}

// Evaluate runs the rules in order and stops at the first failure.
func (e *Engine) Evaluate(snap *Snapshot, req Request) Result {
	a := snap.Account
	rules := a.Rules
	loss := req.EstimatedLoss
	if loss.IsZero() {
		loss = req.Amount
	}
	after := a.CurrentBalance.Sub(loss)

	// 1. Total drawdown.
	floor := a.StartingBalance.Mul(decimal.NewFromInt(1).Sub(rules.MaxTotalDrawdownPercent))
	if after.LessThan(floor) {
		return reject(RuleTotalDrawdown, "trade could take balance to %s, below total drawdown floor %s",
			after.StringFixed(2), floor.StringFixed(2))
	}

	// 2. Daily loss.
	dailyFloor := a.StartOfDayBalance.Mul(decimal.NewFromInt(1).Sub(rules.MaxDailyDrawdownPercent))
	if after.LessThan(dailyFloor) {
		return reject(RuleDailyLoss, "trade could take balance to %s, below daily loss floor %s",
			after.StringFixed(2), dailyFloor.StringFixed(2))
	}

	// 3-4. Market and category exposure.
	limiter := NewExposureLimiter(a.StartingBalance, rules)
	switch err := limiter.CheckLimit(req.MarketID, req.Amount, ExposuresOf(snap.Positions), snap.Infos); {
	case errors.Is(err, ErrMarketLimitExceeded):
		return reject(RuleMarketExposure, "exposure on %s would exceed %s", req.MarketID, limiter.MaxPerMarket.StringFixed(2))
	case errors.Is(err, ErrCategoryLimitExceeded):
		return reject(RuleCategoryExposure, "exposure to category %q would exceed %s",
			snap.Infos[req.MarketID].Category, limiter.MaxPerCategory.StringFixed(2))
	}

	info := snap.Infos[req.MarketID]
	volume := info.Volume24h

	// 5. Volume-tiered trade size.
	frac, ok := MaxTradeFraction(volume)
	if !ok {
		return reject(RuleTradeSize, "market 24h volume %s is below the tradable tier", volume.StringFixed(0))
	}
	if maxTrade := a.StartingBalance.Mul(frac); req.Amount.GreaterThan(maxTrade) {
		return reject(RuleTradeSize, "trade %s exceeds %s%% of starting balance (%s) for this market's volume tier",
			req.Amount.StringFixed(2), frac.Mul(percentage).String(), maxTrade.StringFixed(2))
	}

	// 6. Liquidity impact.
	if impact := volume.Mul(rules.MaxVolumeImpactPercent); req.Amount.GreaterThan(impact) {
		return reject(RuleVolumeImpact, "trade %s exceeds %s%% of market volume", req.Amount.StringFixed(2),
			rules.MaxVolumeImpactPercent.Mul(percentage).String())
	}

	// 7. Minimum market volume.
	if volume.LessThan(rules.MinMarketVolume) {
		return reject(RuleMinVolume, "market volume %s below minimum %s", volume.StringFixed(0), rules.MinMarketVolume.StringFixed(0))
	}

	// 8. Open position count, only when a new slot would be opened.
	opensSlot := true
	openCount := 0
	for _, p := range snap.Positions {
		if p.Status != model.PositionOpen {
			continue
		}
		openCount++
		if p.MarketID == req.MarketID && p.Direction == req.Direction {
			opensSlot = false
		}
	}
	if limit := a.PositionLimit(); opensSlot && openCount >= limit {
		return reject(RulePositionCount, "account already has %d open positions (limit %d)", openCount, limit)
	}

	// 9. Arbitrage.
	if d := e.arb.Check(req.MarketID, req.Direction, info.Siblings, snap.Positions); !d.Allowed {
		return reject(RuleArbitrage, "%s", d.Reason)
	}

	return pass()
}
