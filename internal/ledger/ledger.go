// Package ledger applies fills to positions and cash balances.
//
// Position and balance changes are always made through a Tx so that a debit
// never lands without its position (or a credit without its reduction). A
// failure half way through is an invariant violation, not something to retry.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
)

// Epsilon is the share remainder below which a position counts as closed.
var Epsilon = decimal.New(1, -6)

// Tx is the slice of a store transaction the ledger needs. The account it
// exposes must already be locked by the caller.
type Tx interface {
	Account() *model.Account
	FindOpenPosition(ctx context.Context, marketID string, dir model.Direction) (*model.Position, error)
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	SetBalance(ctx context.Context, balance decimal.Decimal) error
}

// Open creates a new open position from a first fill.
func Open(accountID, marketID string, dir model.Direction, shares decimal.Decimal, price model.EffectivePrice, notional decimal.Decimal, now time.Time) (*model.Position, error) {
	if !price.Tradable() {
		return nil, model.ErrInvalidPrice.With("entry price %s outside (0.01, 0.99)", price.String())
	}
	if !shares.IsPositive() {
		return nil, model.ErrInvalidRequest.With("shares must be positive")
	}
	return &model.Position{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		MarketID:     marketID,
		Direction:    dir,
		Shares:       shares,
		EntryPrice:   price,
		SizeAmount:   notional,
		CurrentPrice: price,
		Status:       model.PositionOpen,
		RealizedPnL:  decimal.Zero,
		OpenedAt:     now,
	}, nil
}

// AddTo re-averages an open position with an additional fill:
//
//	avg = (oldShares*oldAvg + extraShares*extraPrice) / (oldShares + extraShares)
func AddTo(p *model.Position, shares decimal.Decimal, price model.EffectivePrice, notional decimal.Decimal) error {
	if !price.Tradable() {
		return model.ErrInvalidPrice.With("entry price %s outside (0.01, 0.99)", price.String())
	}
	if !shares.IsPositive() {
		return model.ErrInvalidRequest.With("shares must be positive")
	}
	total := p.Shares.Add(shares)
	cost := p.Shares.Mul(p.EntryPrice.Decimal).Add(shares.Mul(price.Decimal))
	p.EntryPrice = model.Effective(cost.Div(total))
	p.Shares = total
	p.SizeAmount = p.SizeAmount.Add(notional)
	p.CurrentPrice = price
	return nil
}

// Reduction describes the effect of a sell on one position.
type Reduction struct {
	Shares      decimal.Decimal
	ExitPrice   model.EffectivePrice
	Proceeds    decimal.Decimal
	RealizedPnL decimal.Decimal
	Closed      bool
}

// Reduce sells shares out of p. When exit is nil (no live price) the last
// stored price is used. The exit price must be tradable either way.
func Reduce(p *model.Position, shares decimal.Decimal, exit *model.EffectivePrice, now time.Time) (Reduction, error) {
	if p.Status != model.PositionOpen {
		return Reduction{}, model.ErrPositionNotFound.With("position %s is not open", p.ID)
	}
	if !shares.IsPositive() {
		return Reduction{}, model.ErrInvalidRequest.With("shares must be positive")
	}
	if shares.GreaterThan(p.Shares.Add(Epsilon)) {
		return Reduction{}, model.ErrInvalidRequest.With("cannot sell %s of %s shares", shares.String(), p.Shares.String())
	}
	if shares.GreaterThan(p.Shares) {
		shares = p.Shares
	}

	price := p.CurrentPrice
	if exit != nil {
		price = *exit
	}
	if !price.Tradable() {
		return Reduction{}, model.ErrInvalidPrice.With("exit price %s outside (0.01, 0.99)", price.String())
	}

	r := Reduction{
		Shares:      shares,
		ExitPrice:   price,
		Proceeds:    shares.Mul(price.Decimal),
		RealizedPnL: price.Sub(p.EntryPrice.Decimal).Mul(shares),
	}

	remaining := p.Shares.Sub(shares)
	p.RealizedPnL = p.RealizedPnL.Add(r.RealizedPnL)
	p.CurrentPrice = price
	if remaining.LessThanOrEqual(Epsilon) {
		closed := price
		p.Status = model.PositionClosed
		p.ClosedPrice = &closed
		p.ClosedAt = &now
		r.Closed = true
		return r, nil
	}
	p.SizeAmount = p.SizeAmount.Mul(remaining).Div(p.Shares)
	p.Shares = remaining
	return r, nil
}

// Buy debits notional and opens or averages into the position for
// (marketID, dir) inside tx.
func Buy(ctx context.Context, tx Tx, marketID string, dir model.Direction, shares decimal.Decimal, price model.EffectivePrice, notional decimal.Decimal, now time.Time) (*model.Position, error) {
	acct := tx.Account()
	if notional.GreaterThan(acct.CurrentBalance) {
		return nil, model.ErrInsufficientFunds.With("balance %s < cost %s", acct.CurrentBalance.StringFixed(2), notional.StringFixed(2))
	}

	pos, err := tx.FindOpenPosition(ctx, marketID, dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: find position: %w", err)
	}
	if pos == nil {
		if pos, err = Open(acct.ID, marketID, dir, shares, price, notional, now); err != nil {
			return nil, err
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return nil, fmt.Errorf("ledger: insert position: %w", err)
		}
	} else {
		if err := AddTo(pos, shares, price, notional); err != nil {
			return nil, err
		}
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return nil, fmt.Errorf("ledger: update position: %w", err)
		}
	}

	if err := tx.SetBalance(ctx, acct.CurrentBalance.Sub(notional)); err != nil {
		return nil, fmt.Errorf("ledger: debit: %w", err)
	}
	return pos, nil
}

// Sell reduces the open position for (marketID, dir) and credits the
// proceeds inside tx.
func Sell(ctx context.Context, tx Tx, marketID string, dir model.Direction, shares decimal.Decimal, exit *model.EffectivePrice, now time.Time) (*model.Position, Reduction, error) {
	pos, err := tx.FindOpenPosition(ctx, marketID, dir)
	if err != nil {
		return nil, Reduction{}, fmt.Errorf("ledger: find position: %w", err)
	}
	if pos == nil {
		return nil, Reduction{}, model.ErrPositionNotFound.With("no open %s position on %s", dir, marketID)
	}

	red, err := Reduce(pos, shares, exit, now)
	if err != nil {
		return nil, Reduction{}, err
	}
	if err := tx.UpdatePosition(ctx, pos); err != nil {
		return nil, Reduction{}, fmt.Errorf("ledger: update position: %w", err)
	}
	acct := tx.Account()
	if err := tx.SetBalance(ctx, acct.CurrentBalance.Add(red.Proceeds)); err != nil {
		return nil, Reduction{}, fmt.Errorf("ledger: credit: %w", err)
	}
	return pos, red, nil
}
