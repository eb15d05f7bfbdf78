package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is Open until the last share is sold or liquidated.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is an account's holding on one side of one market. At most one
// Open position exists per (AccountID, MarketID, Direction).
type Position struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Direction    Direction       `json:"direction" db:"direction"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	EntryPrice   EffectivePrice  `json:"entry_price" db:"entry_price"`
	SizeAmount   decimal.Decimal `json:"size_amount" db:"size_amount"`
	CurrentPrice EffectivePrice  `json:"current_price" db:"current_price"`
	Status       PositionStatus  `json:"status" db:"status"`
	ClosedPrice  *EffectivePrice `json:"closed_price,omitempty" db:"closed_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	OpenedAt     time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Value marks the position to p.
func (p *Position) Value(price EffectivePrice) decimal.Decimal {
	return p.Shares.Mul(price.Decimal)
}

// UnrealizedPnL is (price - entry) * shares. For a NO position a rising YES
// price lowers the effective price and therefore loses money.
func (p *Position) UnrealizedPnL(price EffectivePrice) decimal.Decimal {
	return price.Sub(p.EntryPrice.Decimal).Mul(p.Shares)
}

// PositionKey identifies the single open position slot per market side.
type PositionKey struct {
	MarketID  string
	Direction Direction
}

// Key returns the slot this position occupies.
func (p *Position) Key() PositionKey {
	return PositionKey{MarketID: p.MarketID, Direction: p.Direction}
}
