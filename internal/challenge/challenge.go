// Package challenge is the account state machine: it values an account,
// fails it on deadline or drawdown breaches, holds it in pending failure on
// a daily-loss breach, and promotes it from evaluation to funded once the
// profit target is met and the ledger agrees.
//
// Evaluation runs outside any trade transaction. Every state change is a
// guarded update, so concurrent evaluations of one account can never apply
// the same transition twice.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/events"
	"github.com/atmx/prop-engine/internal/ledger"
	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/outage"
	"github.com/atmx/prop-engine/internal/store"
)

// Outcome is the result of one evaluation.
type Outcome string

const (
	OutcomeActive         Outcome = "active"
	OutcomePendingFailure Outcome = "pending_failure"
	OutcomeFailed         Outcome = "failed"
	// OutcomePassed means the account was promoted to funded by this call.
	OutcomePassed Outcome = "passed"
)

// Failure reasons.
const (
	ReasonDeadline      = "Challenge deadline passed"
	ReasonTotalDrawdown = "Total drawdown breached"
)

// Promotion gates.
var (
	// LedgerTolerance is the largest equity/ledger profit discrepancy, as a
	// fraction of the profit target, that still allows promotion.
	LedgerTolerance = decimal.NewFromFloat(0.20)

	// MinEvaluationAge and MinSellTrades trigger a non-blocking alert when a
	// promotion happens faster or with fewer exits than expected.
	MinEvaluationAge = 24 * time.Hour
	MinSellTrades    = 5
)

// OutageStatus is the slice of the outage manager the evaluator reads.
type OutageStatus interface {
	Status(ctx context.Context) outage.Status
}

// Result is returned by Evaluate.
type Result struct {
	AccountID string          `json:"account_id"`
	Outcome   Outcome         `json:"status"`
	Phase     model.Phase     `json:"phase"`
	Reason    string          `json:"reason,omitempty"`
	Equity    decimal.Decimal `json:"equity"`
	Alerts    []string        `json:"alerts,omitempty"`
}

// Evaluator runs the state machine.
type Evaluator struct {
	store   store.Store
	md      marketdata.Provider
	outages OutageStatus
	sink    events.Sink
	now     func() time.Time
	log     *slog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(s store.Store, md marketdata.Provider, outages OutageStatus, sink events.Sink, log *slog.Logger) *Evaluator {
	return &Evaluator{store: s, md: md, outages: outages, sink: sink, now: time.Now, log: log}
}

// Evaluate advances the account's state.
func (e *Evaluator) Evaluate(ctx context.Context, accountID string) (*Result, error) {
	res, err := e.evaluate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	metrics.Evaluations.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, accountID string) (*Result, error) {
	// 1. Outage or grace window.
	if st := e.outages.Status(ctx); st.Paused() {
		return &Result{AccountID: accountID, Outcome: OutcomeActive, Reason: st.Reason()}, nil
	}

	acct, err := e.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrInvalidAccount.With("account %s not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", accountID, err)
	}
	res := &Result{AccountID: acct.ID, Phase: acct.Phase}

	// 2. Terminal.
	switch acct.Status {
	case model.StatusFailed:
		res.Outcome, res.Reason = OutcomeFailed, acct.FailureReason
		return res, nil
	case model.StatusPassed:
		res.Outcome = OutcomePassed
		return res, nil
	}

	// 3. Equity.
	positions, err := e.store.ListOpenPositions(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: positions: %w", accountID, err)
	}
	val := Value(ctx, e.md, acct, positions)
	res.Equity = val.Equity
	now := e.now().UTC()

	// 4. Deadline.
	if acct.EndsAt != nil && now.After(*acct.EndsAt) {
		return e.fail(ctx, acct, res, ReasonDeadline)
	}

	// 5. Total drawdown: trailing from the high-water-mark while evaluating,
	// static from the starting balance once funded.
	base := acct.StartingBalance
	if acct.Phase == model.PhaseEvaluation {
		base = decimal.Max(acct.HighWaterMark, acct.StartingBalance)
	}
	maxDrawdown := acct.StartingBalance.Mul(acct.Rules.MaxTotalDrawdownPercent)
	if base.Sub(val.Equity).GreaterThanOrEqual(maxDrawdown) {
		return e.fail(ctx, acct, res, ReasonTotalDrawdown)
	}

	// 6. Daily loss: hold in pending failure until equity recovers.
	dailyFloor := acct.StartOfDayBalance.Mul(decimal.NewFromInt(1).Sub(acct.Rules.MaxDailyDrawdownPercent))
	if val.Equity.LessThanOrEqual(dailyFloor) {
		if acct.PendingFailureAt == nil {
			if err := e.store.SetPendingFailure(ctx, acct.ID, &now); err != nil {
				return nil, fmt.Errorf("evaluate %s: mark pending failure: %w", accountID, err)
			}
			e.log.Warn("daily loss limit breached",
				"account_id", acct.ID,
				"equity", val.Equity.StringFixed(2),
				"floor", dailyFloor.StringFixed(2),
			)
			e.sink.Publish(ctx, events.New(events.AccountAtRisk, acct.ID, map[string]string{
				"equity": val.Equity.StringFixed(2),
				"floor":  dailyFloor.StringFixed(2),
			}))
		}
		res.Outcome = OutcomePendingFailure
		res.Reason = fmt.Sprintf("Daily loss limit breached: equity %s at or below %s", val.Equity.StringFixed(2), dailyFloor.StringFixed(2))
		return res, nil
	}
	if acct.PendingFailureAt != nil {
		if err := e.store.SetPendingFailure(ctx, acct.ID, nil); err != nil {
			return nil, fmt.Errorf("evaluate %s: clear pending failure: %w", accountID, err)
		}
		e.log.Info("daily loss recovered", "account_id", acct.ID, "equity", val.Equity.StringFixed(2))
	}
	res.Outcome = OutcomeActive

	// 7. Profit target.
	if acct.Phase == model.PhaseEvaluation {
		target := acct.Rules.ProfitTarget(acct.StartingBalance)
		profit := val.Equity.Sub(acct.StartingBalance)
		if target.IsPositive() && profit.GreaterThanOrEqual(target) {
			return e.promote(ctx, acct, res, val, profit, target)
		}
	}

	// 8. High-water-mark.
	if val.Equity.GreaterThan(acct.HighWaterMark) {
		if err := e.store.RaiseHighWaterMark(ctx, acct.ID, val.Equity); err != nil {
			return nil, fmt.Errorf("evaluate %s: high-water-mark: %w", accountID, err)
		}
	}
	return res, nil
}

func (e *Evaluator) fail(ctx context.Context, acct *model.Account, res *Result, reason string) (*Result, error) {
	err := e.store.FailAccount(ctx, acct.ID, reason)
	if errors.Is(err, store.ErrGuardFailed) {
		// Another evaluation got there first; report what is persisted.
		current, gerr := e.store.GetAccount(ctx, acct.ID)
		if gerr != nil {
			return nil, gerr
		}
		res.Outcome, res.Reason, res.Phase = OutcomeFailed, current.FailureReason, current.Phase
		if current.Status == model.StatusActive {
			res.Outcome = OutcomeActive
		}
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fail account %s: %w", acct.ID, err)
	}

	e.log.Warn("account failed",
		"account_id", acct.ID,
		"phase", acct.Phase,
		"reason", reason,
		"equity", res.Equity.StringFixed(2),
	)
	e.sink.Publish(ctx, events.New(events.AccountFailed, acct.ID, map[string]string{
		"reason": reason,
		"equity": res.Equity.StringFixed(2),
	}))
	res.Outcome, res.Reason = OutcomeFailed, reason
	return res, nil
}

// ledgerProfit is realized PnL of every sell plus unrealized PnL of open
// positions at the prices used for equity.
func (e *Evaluator) ledgerProfit(ctx context.Context, acct *model.Account, val Valuation) (decimal.Decimal, int, error) {
	trades, err := e.store.ListTrades(ctx, acct.ID, acct.CreatedAt)
	if err != nil {
		return decimal.Zero, 0, err
	}
	realized := decimal.Zero
	sells := 0
	for _, t := range trades {
		if t.Side != model.SideSell {
			continue
		}
		sells++
		if t.RealizedPnL != nil {
			realized = realized.Add(*t.RealizedPnL)
		}
	}
	return realized.Add(val.Unrealized), sells, nil
}

func (e *Evaluator) promote(ctx context.Context, acct *model.Account, res *Result, val Valuation, profit, target decimal.Decimal) (*Result, error) {
	ledgerProfit, sells, err := e.ledgerProfit(ctx, acct, val)
	if err != nil {
		return nil, fmt.Errorf("promote %s: trades: %w", acct.ID, err)
	}

	// Gate (a): equity and ledger must agree.
	discrepancy := profit.Sub(ledgerProfit).Abs()
	if tolerance := target.Mul(LedgerTolerance); discrepancy.GreaterThan(tolerance) {
		res.Reason = fmt.Sprintf("Promotion blocked for manual review: equity profit %s vs ledger profit %s (discrepancy %s exceeds %s)",
			profit.StringFixed(2), ledgerProfit.StringFixed(2), discrepancy.StringFixed(2), tolerance.StringFixed(2))
		e.log.Error("promotion blocked: ledger mismatch",
			"account_id", acct.ID,
			"equity_profit", profit.StringFixed(2),
			"ledger_profit", ledgerProfit.StringFixed(2),
			"discrepancy", discrepancy.StringFixed(2),
		)
		e.sink.Publish(ctx, events.New(events.PromotionBlocked, acct.ID, map[string]string{
			"equity_profit": profit.StringFixed(2),
			"ledger_profit": ledgerProfit.StringFixed(2),
		}))
		return res, nil
	}

	// Gate (b): suspicious but not blocking.
	now := e.now().UTC()
	if age := now.Sub(acct.CreatedAt); age < MinEvaluationAge {
		res.Alerts = append(res.Alerts, fmt.Sprintf("profit target reached after %s", age.Round(time.Minute)))
	}
	if sells < MinSellTrades {
		res.Alerts = append(res.Alerts, fmt.Sprintf("profit target reached with only %d sell trades", sells))
	}
	if len(res.Alerts) > 0 {
		e.log.Warn("suspicious promotion", "account_id", acct.ID, "alerts", res.Alerts)
		e.sink.Publish(ctx, events.New(events.PromotionAlert, acct.ID, res.Alerts))
	}

	liquidated := 0
	err = e.store.InTx(ctx, acct.ID, func(tx store.Tx) error {
		if err := tx.PromoteToFunded(ctx, now); err != nil {
			return err
		}
		open, err := tx.OpenPositions(ctx)
		if err != nil {
			return err
		}
		for i := range open {
			p := &open[i]
			price := p.CurrentPrice
			if live, ok := val.Prices[p.Key()]; ok && val.Live[p.Key()] && live.Tradable() {
				price = live
			}
			red, err := ledger.Reduce(p, p.Shares, &price, now)
			if err != nil {
				return fmt.Errorf("liquidate %s: %w", p.ID, err)
			}
			if err := tx.UpdatePosition(ctx, p); err != nil {
				return err
			}
			pnl := red.RealizedPnL
			if err := tx.InsertTrade(ctx, &model.Trade{
				PositionID:    p.ID,
				AccountID:     acct.ID,
				MarketID:      p.MarketID,
				Side:          model.SideSell,
				Direction:     p.Direction,
				Price:         red.ExitPrice,
				Amount:        red.Proceeds,
				Shares:        red.Shares,
				RealizedPnL:   &pnl,
				Slippage:      decimal.Zero,
				ExecutedAt:    now,
				ClosureReason: model.ClosurePromotion,
			}); err != nil {
				return err
			}
			liquidated++
		}
		// The reset supersedes crediting liquidation proceeds.
		return tx.SetBalance(ctx, acct.StartingBalance)
	})
	if errors.Is(err, store.ErrGuardFailed) {
		e.log.Warn("promotion skipped: account already transitioned", "account_id", acct.ID)
		res.Phase = model.PhaseFunded
		res.Reason = model.ErrAlreadyTransitioned.With("account %s is no longer in evaluation", acct.ID).Error()
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", acct.ID, err)
	}

	e.log.Info("account promoted to funded",
		"account_id", acct.ID,
		"equity", val.Equity.StringFixed(2),
		"profit", profit.StringFixed(2),
		"positions_liquidated", liquidated,
	)
	e.sink.Publish(ctx, events.New(events.AccountFunded, acct.ID, map[string]any{
		"equity":               val.Equity.StringFixed(2),
		"profit":               profit.StringFixed(2),
		"positions_liquidated": liquidated,
	}))
	res.Outcome = OutcomePassed
	res.Phase = model.PhaseFunded
	res.Reason = "Profit target reached; promoted to funded"
	return res, nil
}

// TrackActivity refreshes a funded account's trading-day count and
// consistency flag from its trades in the current payout cycle.
func (e *Evaluator) TrackActivity(ctx context.Context, accountID string) error {
	var flaggedNow bool
	err := e.store.InTx(ctx, accountID, func(tx store.Tx) error {
		acct := tx.Account()
		if acct.Phase != model.PhaseFunded || acct.PayoutCycleStart == nil {
			return nil
		}
		trades, err := e.store.ListTrades(ctx, accountID, *acct.PayoutCycleStart)
		if err != nil {
			return err
		}
		a := Summarize(trades, *acct.PayoutCycleStart)
		flaggedNow = a.Flagged && !acct.ConsistencyFlagged
		return tx.RecordActivity(ctx, a.LastActiveDay, a.ActiveDays, a.Flagged)
	})
	if err != nil {
		return fmt.Errorf("track activity %s: %w", accountID, err)
	}
	if flaggedNow {
		e.log.Warn("funded account flagged for consistency", "account_id", accountID)
		e.sink.Publish(ctx, events.New(events.ConsistencyFlagged, accountID, nil))
	}
	return nil
}

// Sweep evaluates every Active account. Individual failures are logged and
// do not stop the sweep; the count of failures is returned as an error.
func (e *Evaluator) Sweep(ctx context.Context) error {
	ids, err := e.store.ListActiveAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.Evaluate(ctx, id); err != nil {
			failed++
			e.log.Error("sweep evaluation failed", "account_id", id, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("sweep: %d of %d evaluations failed", failed, len(ids))
	}
	return nil
}

// ResetDay starts a new trading day for every Active account.
func (e *Evaluator) ResetDay(ctx context.Context) error {
	n, err := e.store.ResetStartOfDay(ctx)
	if err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	e.log.Info("daily balances reset", "accounts", n)
	return nil
}
