// Package model defines the core domain types shared across the prop engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the side of a binary market a position is exposed to.
// The zero value is invalid; use DirectionYes or DirectionNo.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// ParseDirection accepts "YES"/"NO" (any case handled by callers upstream).
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionYes, DirectionNo:
		return Direction(s), nil
	}
	return "", fmt.Errorf("model: invalid direction %q", s)
}

// Valid reports whether d is one of the two directions.
func (d Direction) Valid() bool {
	return d == DirectionYes || d == DirectionNo
}

// Opposite returns the other side of the market.
func (d Direction) Opposite() Direction {
	if d == DirectionYes {
		return DirectionNo
	}
	return DirectionYes
}

var one = decimal.NewFromInt(1)

// RawPrice is a YES-token price exactly as observed on a market feed or
// order book. It must be converted with Direction.Effective before it is
// compared against a position's cost basis.
type RawPrice struct {
	decimal.Decimal
}

// EffectivePrice is a price already adjusted for a position's direction.
// For NO positions it is 1 - yesPrice.
type EffectivePrice struct {
	decimal.Decimal
}

// Raw wraps an observed YES price.
func Raw(d decimal.Decimal) RawPrice { return RawPrice{d} }

// Effective wraps a price that is already direction-adjusted, e.g. one read
// back from a stored position.
func Effective(d decimal.Decimal) EffectivePrice { return EffectivePrice{d} }

// Effective converts an observed YES price into this direction's price.
func (d Direction) Effective(p RawPrice) EffectivePrice {
	if d == DirectionNo {
		return EffectivePrice{one.Sub(p.Decimal)}
	}
	return EffectivePrice{p.Decimal}
}

// Raw converts a direction-adjusted price back into the YES price it came from.
func (d Direction) Raw(p EffectivePrice) RawPrice {
	if d == DirectionNo {
		return RawPrice{one.Sub(p.Decimal)}
	}
	return RawPrice{p.Decimal}
}

var (
	// MinTradablePrice and MaxTradablePrice bound every price that may enter a
	// cost basis or an exit. Both bounds are exclusive: anything at or beyond
	// them is a resolved market or corrupted feed data.
	MinTradablePrice = decimal.NewFromFloat(0.01)
	MaxTradablePrice = decimal.NewFromFloat(0.99)
)

// Tradable reports whether p lies strictly inside (0.01, 0.99).
func (p EffectivePrice) Tradable() bool {
	return p.GreaterThan(MinTradablePrice) && p.LessThan(MaxTradablePrice)
}
