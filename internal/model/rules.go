package model

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// RulesConfig is the normalized, immutable rule snapshot an account is
// created with. All percentages are fractions (0.08 == 8%).
type RulesConfig struct {
	ProfitTargetPercent        decimal.Decimal `json:"profitTargetPercent" yaml:"profit_target_percent"`
	MaxTotalDrawdownPercent    decimal.Decimal `json:"maxTotalDrawdownPercent" yaml:"max_total_drawdown_percent"`
	MaxDailyDrawdownPercent    decimal.Decimal `json:"maxDailyDrawdownPercent" yaml:"max_daily_drawdown_percent"`
	MaxPositionSizePercent     decimal.Decimal `json:"maxPositionSizePercent" yaml:"max_position_size_percent"`
	MaxCategoryExposurePercent decimal.Decimal `json:"maxCategoryExposurePercent" yaml:"max_category_exposure_percent"`
	MaxVolumeImpactPercent     decimal.Decimal `json:"maxVolumeImpactPercent" yaml:"max_volume_impact_percent"`
	MinMarketVolume            decimal.Decimal `json:"minMarketVolume" yaml:"min_market_volume"`
	DurationDays               int             `json:"durationDays" yaml:"duration_days"`
	ProfitSplit                decimal.Decimal `json:"profitSplit" yaml:"profit_split"`
	PayoutCap                  decimal.Decimal `json:"payoutCap" yaml:"payout_cap"`
}

// ProfitTarget returns the dollar target for a starting balance.
func (r RulesConfig) ProfitTarget(startingBalance decimal.Decimal) decimal.Decimal {
	return startingBalance.Mul(r.ProfitTargetPercent)
}

// DefaultRules are applied to any field a legacy record leaves out.
func DefaultRules() RulesConfig {
	return RulesConfig{
		ProfitTargetPercent:        decimal.NewFromFloat(0.10),
		MaxTotalDrawdownPercent:    decimal.NewFromFloat(0.08),
		MaxDailyDrawdownPercent:    decimal.NewFromFloat(0.04),
		MaxPositionSizePercent:     decimal.NewFromFloat(0.20),
		MaxCategoryExposurePercent: decimal.NewFromFloat(0.40),
		MaxVolumeImpactPercent:     decimal.NewFromFloat(0.10),
		MinMarketVolume:            decimal.NewFromInt(100000),
		DurationDays:               30,
		ProfitSplit:                decimal.NewFromFloat(0.80),
		PayoutCap:                  decimal.Zero,
	}
}

// RawRules is the flat numeric record persisted for rulesConfig. Older
// records mix representations: percentages as whole numbers (8 for 8%),
// and absolute dollar caps ("profitTarget": 1000) instead of fractions.
type RawRules map[string]float64

// legacy absolute dollar keys and the percent field each one maps to.
var absoluteKeys = map[string]string{
	"profitTarget":        "profitTargetPercent",
	"maxDrawdown":         "maxTotalDrawdownPercent",
	"maxTotalDrawdown":    "maxTotalDrawdownPercent",
	"maxDailyDrawdown":    "maxDailyDrawdownPercent",
	"maxDailyLoss":        "maxDailyDrawdownPercent",
	"maxPositionSize":     "maxPositionSizePercent",
	"maxCategoryExposure": "maxCategoryExposurePercent",
}

// NormalizeRules is the single place legacy rule records are interpreted.
// It is pure and is called at read time; nothing else should reinterpret
// the raw record.
//
// Percent fields above 1 are read as whole percentages. Absolute dollar
// keys are converted to fractions of startingBalance and lose to an explicit
// percent field when both are present.
func NormalizeRules(raw RawRules, startingBalance decimal.Decimal) (RulesConfig, error) {
	r := DefaultRules()
	percents := map[string]*decimal.Decimal{
		"profitTargetPercent":        &r.ProfitTargetPercent,
		"maxTotalDrawdownPercent":    &r.MaxTotalDrawdownPercent,
		"maxDailyDrawdownPercent":    &r.MaxDailyDrawdownPercent,
		"maxPositionSizePercent":     &r.MaxPositionSizePercent,
		"maxCategoryExposurePercent": &r.MaxCategoryExposurePercent,
		"maxVolumeImpactPercent":     &r.MaxVolumeImpactPercent,
		"profitSplit":                &r.ProfitSplit,
	}

	// Deterministic order so error messages are stable.
	keys := make([]string, 0, len(absoluteKeys))
	for k := range absoluteKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		target := absoluteKeys[k]
		if _, explicit := raw[target]; explicit {
			continue
		}
		if !startingBalance.IsPositive() {
			return RulesConfig{}, fmt.Errorf("model: cannot normalize %s without a starting balance", k)
		}
		*percents[target] = decimal.NewFromFloat(v).Div(startingBalance)
	}

	for k, dst := range percents {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if v < 0 {
			return RulesConfig{}, fmt.Errorf("model: %s must not be negative", k)
		}
		d := decimal.NewFromFloat(v)
		if v > 1 {
			d = d.Div(decimal.NewFromInt(100))
		}
		*dst = d
	}

	if v, ok := raw["minMarketVolume"]; ok {
		r.MinMarketVolume = decimal.NewFromFloat(v)
	}
	if v, ok := raw["durationDays"]; ok {
		r.DurationDays = int(v)
	}
	if v, ok := raw["payoutCap"]; ok {
		r.PayoutCap = decimal.NewFromFloat(v)
	}

	if r.MaxTotalDrawdownPercent.GreaterThan(one) || r.MaxDailyDrawdownPercent.GreaterThan(one) {
		return RulesConfig{}, fmt.Errorf("model: drawdown percent above 100%%")
	}
	return r, nil
}

// Raw flattens the normalized rules back into the persisted record.
func (r RulesConfig) Raw() RawRules {
	return RawRules{
		"profitTargetPercent":        r.ProfitTargetPercent.InexactFloat64(),
		"maxTotalDrawdownPercent":    r.MaxTotalDrawdownPercent.InexactFloat64(),
		"maxDailyDrawdownPercent":    r.MaxDailyDrawdownPercent.InexactFloat64(),
		"maxPositionSizePercent":     r.MaxPositionSizePercent.InexactFloat64(),
		"maxCategoryExposurePercent": r.MaxCategoryExposurePercent.InexactFloat64(),
		"maxVolumeImpactPercent":     r.MaxVolumeImpactPercent.InexactFloat64(),
		"minMarketVolume":            r.MinMarketVolume.InexactFloat64(),
		"durationDays":               float64(r.DurationDays),
		"profitSplit":                r.ProfitSplit.InexactFloat64(),
		"payoutCap":                  r.PayoutCap.InexactFloat64(),
	}
}
