package challenge

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
)

// ConsistencyShare is the share of a payout cycle's positive realized
// profit a single day may contribute before the account is flagged.
var ConsistencyShare = decimal.NewFromFloat(0.5)

const dayLayout = "2006-01-02"

// Activity summarizes funded-phase trading over a payout cycle.
type Activity struct {
	ActiveDays    int
	LastActiveDay string
	// Flagged is set when one day's realized profit exceeds
	// ConsistencyShare of the cycle's total positive realized profit.
	Flagged bool
}

// Summarize counts distinct UTC trading days among trades executed at or
// after since and applies the consistency check.
func Summarize(trades []model.Trade, since time.Time) Activity {
	daily := make(map[string]decimal.Decimal)
	for _, t := range trades {
		if t.ExecutedAt.Before(since) || t.ClosureReason == model.ClosurePromotion {
			continue
		}
		day := t.ExecutedAt.UTC().Format(dayLayout)
		pnl := daily[day]
		if t.RealizedPnL != nil {
			pnl = pnl.Add(*t.RealizedPnL)
		}
		daily[day] = pnl
	}

	days := make([]string, 0, len(daily))
	total := decimal.Zero
	for day, pnl := range daily {
		days = append(days, day)
		if pnl.IsPositive() {
			total = total.Add(pnl)
		}
	}
	sort.Strings(days)

	a := Activity{ActiveDays: len(days)}
	if len(days) > 0 {
		a.LastActiveDay = days[len(days)-1]
	}
	if total.IsPositive() {
		limit := total.Mul(ConsistencyShare)
		for _, pnl := range daily {
			if pnl.GreaterThan(limit) {
				a.Flagged = true
				break
			}
		}
	}
	return a
}
