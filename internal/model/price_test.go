package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDirection_Effective(t *testing.T) {
	yes := Raw(d(0.40))
	assert.True(t, DirectionYes.Effective(yes).Equal(d(0.40)))
	assert.True(t, DirectionNo.Effective(yes).Equal(d(0.60)))

	back := DirectionNo.Raw(DirectionNo.Effective(yes))
	assert.True(t, back.Equal(d(0.40)))
}

func TestDirection_Opposite(t *testing.T) {
	assert.Equal(t, DirectionNo, DirectionYes.Opposite())
	assert.Equal(t, DirectionYes, DirectionNo.Opposite())
}

func TestParseDirection(t *testing.T) {
	dir, err := ParseDirection("NO")
	assert.NoError(t, err)
	assert.Equal(t, DirectionNo, dir)

	_, err = ParseDirection("MAYBE")
	assert.Error(t, err)
}

func TestEffectivePrice_Tradable(t *testing.T) {
	cases := map[float64]bool{
		0.01: false,
		0.02: true,
		0.50: true,
		0.98: true,
		0.99: false,
		1.00: false,
	}
	for p, want := range cases {
		assert.Equal(t, want, Effective(d(p)).Tradable(), "price %v", p)
	}
}

func TestPosition_NoLosesWhenYesRises(t *testing.T) {
	// Filled at YES 0.40, so the NO cost basis is 0.60.
	pos := Position{
		Direction:  DirectionNo,
		Shares:     decimal.NewFromInt(100),
		EntryPrice: DirectionNo.Effective(Raw(d(0.40))),
	}
	now := DirectionNo.Effective(Raw(d(0.50)))
	assert.True(t, pos.UnrealizedPnL(now).Equal(d(-10)), "got %s", pos.UnrealizedPnL(now))
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ErrRiskLimitExceeded.With("too big"))
	assert.True(t, errors.Is(err, ErrRiskLimitExceeded))
	assert.False(t, errors.Is(err, ErrInsufficientFunds))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "RiskLimitExceeded: too big", ErrRiskLimitExceeded.With("too big").Error())
}
