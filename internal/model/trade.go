package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade action.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ClosureReason explains why a Sell trade was written.
type ClosureReason string

const (
	ClosureNone        ClosureReason = ""
	ClosureManual      ClosureReason = "manual"
	ClosurePromotion   ClosureReason = "funded_promotion"
	ClosureLiquidation ClosureReason = "liquidation"
)

// Trade is an immutable ledger row. Once written it is never modified or
// deleted; it is the audit source for promotion sanity checks.
type Trade struct {
	ID            string           `json:"id" db:"id"`
	PositionID    string           `json:"position_id" db:"position_id"`
	AccountID     string           `json:"account_id" db:"account_id"`
	MarketID      string           `json:"market_id" db:"market_id"`
	Side          Side             `json:"side" db:"side"`
	Direction     Direction        `json:"direction" db:"direction"`
	Price         EffectivePrice   `json:"price" db:"price"`
	Amount        decimal.Decimal  `json:"amount" db:"amount"` // notional paid (buy) or received (sell)
	Shares        decimal.Decimal  `json:"shares" db:"shares"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"` // sells only
	Slippage      decimal.Decimal  `json:"slippage" db:"slippage"`
	ExecutedAt    time.Time        `json:"executed_at" db:"executed_at"`
	ClosureReason ClosureReason    `json:"closure_reason,omitempty" db:"closure_reason"`
}
