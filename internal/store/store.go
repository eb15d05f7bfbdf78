// Package store defines the persistence interface for the prop engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and local development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrGuardFailed is returned when a guarded update matched no row because
	// the account was no longer in the expected status/phase.
	ErrGuardFailed = errors.New("store: guarded update matched no row")
)

// Store is the persistence interface. Every balance or position mutation
// goes through InTx, which serializes writers on the account row.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListActiveAccountIDs returns the IDs of every Active account.
	ListActiveAccountIDs(ctx context.Context) ([]string, error)

	// RaiseHighWaterMark sets the high-water-mark to hwm if it is higher.
	RaiseHighWaterMark(ctx context.Context, id string, hwm decimal.Decimal) error

	// SetPendingFailure sets or clears (at == nil) the daily-loss marker.
	SetPendingFailure(ctx context.Context, id string, at *time.Time) error

	// FailAccount moves an Active account to Failed. Returns ErrGuardFailed
	// if the account was not Active.
	FailAccount(ctx context.Context, id, reason string) error

	// ResetStartOfDay copies the cash balance into startOfDayBalance for all
	// Active accounts and returns how many were touched.
	ResetStartOfDay(ctx context.Context) (int, error)

	// --- Positions & trades ---

	// ListOpenPositions returns every open position of an account in one read.
	ListOpenPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListTrades returns an account's trades executed at or after since, oldest first.
	ListTrades(ctx context.Context, accountID string, since time.Time) ([]model.Trade, error)

	// --- Transactions ---

	// InTx runs fn inside one transaction holding an exclusive lock on the
	// account row. fn's writes are committed only if it returns nil.
	InTx(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// --- Outages ---

	// OpenOutage returns the outage with no end time, or ErrNotFound.
	OpenOutage(ctx context.Context) (*model.OutageEvent, error)

	// LatestOutage returns the most recently started outage, or ErrNotFound.
	LatestOutage(ctx context.Context) (*model.OutageEvent, error)

	// StartOutage inserts e unless an outage is already open, in which case it
	// returns the open one and created=false.
	StartOutage(ctx context.Context, e *model.OutageEvent) (open *model.OutageEvent, created bool, err error)

	// EndOutage closes the open outage and extends the deadline of every
	// Active account by the outage duration, atomically.
	EndOutage(ctx context.Context, endedAt, graceEndsAt time.Time) (*model.OutageEvent, error)
}

// Tx is a unit of work scoped to one locked account.
type Tx interface {
	// Account is the locked account as re-read inside the transaction.
	Account() *model.Account

	// OpenPositions lists the locked account's open positions.
	OpenPositions(ctx context.Context) ([]model.Position, error)

	FindOpenPosition(ctx context.Context, marketID string, dir model.Direction) (*model.Position, error)
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	InsertTrade(ctx context.Context, t *model.Trade) error

	// SetBalance writes the cash balance and updates Account().
	SetBalance(ctx context.Context, balance decimal.Decimal) error

	// PromoteToFunded is a guarded update: it only applies while the account
	// is in the Evaluation phase and Active, else ErrGuardFailed.
	PromoteToFunded(ctx context.Context, now time.Time) error

	// RecordActivity stores funded-phase activity tracking fields.
	RecordActivity(ctx context.Context, lastActiveDay string, activeDays int, consistencyFlagged bool) error
}
