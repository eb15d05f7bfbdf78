package challenge

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
)

// Tier is a purchasable challenge size with the rules accounts of that size
// are created with.
type Tier struct {
	Name            string            `json:"name"`
	StartingBalance decimal.Decimal   `json:"starting_balance"`
	Rules           model.RulesConfig `json:"rules"`
}

// DefaultTiers are used when no tiers are configured.
func DefaultTiers() []Tier {
	var out []Tier
	for _, t := range []struct {
		name    string
		balance int64
	}{
		{"starter", 5_000},
		{"standard", 10_000},
		{"pro", 25_000},
		{"elite", 50_000},
	} {
		out = append(out, Tier{Name: t.name, StartingBalance: decimal.NewFromInt(t.balance), Rules: model.DefaultRules()})
	}
	return out
}

// NewAccount opens an evaluation-phase account for userID on tier. The
// tier's rules are copied so later tier changes never affect it.
func NewAccount(userID string, tier Tier, now time.Time) *model.Account {
	now = now.UTC()
	a := &model.Account{
		ID:                uuid.New().String(),
		UserID:            userID,
		Tier:              tier.Name,
		Phase:             model.PhaseEvaluation,
		Status:            model.StatusActive,
		StartingBalance:   tier.StartingBalance,
		CurrentBalance:    tier.StartingBalance,
		HighWaterMark:     tier.StartingBalance,
		StartOfDayBalance: tier.StartingBalance,
		Rules:             tier.Rules,
		CreatedAt:         now,
	}
	if tier.Rules.DurationDays > 0 {
		ends := now.AddDate(0, 0, tier.Rules.DurationDays)
		a.EndsAt = &ends
	}
	return a
}
