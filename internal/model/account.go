package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle stage of a challenge account. Transitions are
// monotonic: Evaluation → Funded only.
type Phase string

const (
	PhaseEvaluation Phase = "evaluation"
	PhaseFunded     Phase = "funded"
)

// AccountStatus is the persisted status of a challenge account. Failed and
// Passed are terminal.
type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	StatusFailed AccountStatus = "failed"
	StatusPassed AccountStatus = "passed"
)

// Terminal reports whether no further evaluation can change the account.
func (s AccountStatus) Terminal() bool {
	return s == StatusFailed || s == StatusPassed
}

// Account is a simulated proprietary-trading challenge. CurrentBalance is
// cash only; open positions are valued separately when computing equity.
type Account struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Tier              string          `json:"tier" db:"tier"`
	Phase             Phase           `json:"phase" db:"phase"`
	Status            AccountStatus   `json:"status" db:"status"`
	StartingBalance   decimal.Decimal `json:"starting_balance" db:"starting_balance"`
	CurrentBalance    decimal.Decimal `json:"current_balance" db:"current_balance"`
	HighWaterMark     decimal.Decimal `json:"high_water_mark" db:"high_water_mark"`
	StartOfDayBalance decimal.Decimal `json:"start_of_day_balance" db:"start_of_day_balance"`
	Rules             RulesConfig     `json:"rules" db:"rules_config"`
	PendingFailureAt  *time.Time      `json:"pending_failure_at,omitempty" db:"pending_failure_at"`
	FailureReason     string          `json:"failure_reason,omitempty" db:"failure_reason"`
	EndsAt            *time.Time      `json:"ends_at,omitempty" db:"ends_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`

	// Funded phase only.
	FundedAt           *time.Time      `json:"funded_at,omitempty" db:"funded_at"`
	PayoutCycleStart   *time.Time      `json:"payout_cycle_start,omitempty" db:"payout_cycle_start"`
	ProfitSplit        decimal.Decimal `json:"profit_split" db:"profit_split"`
	PayoutCap          decimal.Decimal `json:"payout_cap" db:"payout_cap"`
	ActiveTradingDays  int             `json:"active_trading_days" db:"active_trading_days"`
	LastActiveDay      string          `json:"last_active_day,omitempty" db:"last_active_day"` // YYYY-MM-DD, UTC
	ConsistencyFlagged bool            `json:"consistency_flagged" db:"consistency_flagged"`
}

// Tradable reports whether trades may be placed on the account.
func (a *Account) Tradable() bool {
	return a.Status == StatusActive
}

// PositionLimit is the maximum number of simultaneously open positions,
// tiered by starting balance.
func (a *Account) PositionLimit() int {
	switch {
	case a.StartingBalance.GreaterThanOrEqual(decimal.NewFromInt(25000)):
		return 20
	case a.StartingBalance.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return 15
	case a.StartingBalance.GreaterThanOrEqual(decimal.NewFromInt(5000)):
		return 10
	default:
		return 5
	}
}
