package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		raw := pairs[i].(string)
		dst := pairs[i+1].(*decimal.Decimal)
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", raw, err)
		}
		*dst = v
	}
	return nil
}

// --- Accounts ---

const accountColumns = `id, user_id, tier, phase, status,
	starting_balance::TEXT, current_balance::TEXT, high_water_mark::TEXT, start_of_day_balance::TEXT,
	rules, pending_failure_at, failure_reason, ends_at, created_at, funded_at, payout_cycle_start,
	profit_split::TEXT, payout_cap::TEXT, active_trading_days, last_active_day, consistency_flagged`

func scanAccount(row scanner) (*model.Account, error) {
	var a model.Account
	var starting, current, hwm, sod, split, payoutCap string
	var rules []byte

	err := row.Scan(&a.ID, &a.UserID, &a.Tier, &a.Phase, &a.Status,
		&starting, &current, &hwm, &sod,
		&rules, &a.PendingFailureAt, &a.FailureReason, &a.EndsAt, &a.CreatedAt, &a.FundedAt, &a.PayoutCycleStart,
		&split, &payoutCap, &a.ActiveTradingDays, &a.LastActiveDay, &a.ConsistencyFlagged)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := parseDecimals(
		starting, &a.StartingBalance,
		current, &a.CurrentBalance,
		hwm, &a.HighWaterMark,
		sod, &a.StartOfDayBalance,
		split, &a.ProfitSplit,
		payoutCap, &a.PayoutCap,
	); err != nil {
		return nil, err
	}

	raw := model.RawRules{}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &raw); err != nil {
			return nil, fmt.Errorf("decode rules of account %s: %w", a.ID, err)
		}
	}
	a.Rules, err = model.NormalizeRules(raw, a.StartingBalance)
	if err != nil {
		return nil, fmt.Errorf("rules of account %s: %w", a.ID, err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	rules, err := json.Marshal(a.Rules.Raw())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, tier, phase, status,
		        starting_balance, current_balance, high_water_mark, start_of_day_balance,
		        rules, pending_failure_at, failure_reason, ends_at, created_at, funded_at, payout_cycle_start,
		        profit_split, payout_cap, active_trading_days, last_active_day, consistency_flagged)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10, $11, $12, $13, $14, $15, $16,
		         $17::NUMERIC, $18::NUMERIC, $19, $20, $21)`,
		a.ID, a.UserID, a.Tier, a.Phase, a.Status,
		a.StartingBalance.String(), a.CurrentBalance.String(), a.HighWaterMark.String(), a.StartOfDayBalance.String(),
		rules, a.PendingFailureAt, a.FailureReason, a.EndsAt, a.CreatedAt, a.FundedAt, a.PayoutCycleStart,
		a.ProfitSplit.String(), a.PayoutCap.String(), a.ActiveTradingDays, a.LastActiveDay, a.ConsistencyFlagged,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListActiveAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RaiseHighWaterMark(ctx context.Context, id string, hwm decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET high_water_mark = $2::NUMERIC
		 WHERE id = $1 AND high_water_mark < $2::NUMERIC`,
		id, hwm.String())
	return err
}

func (s *PostgresStore) SetPendingFailure(ctx context.Context, id string, at *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET pending_failure_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) FailAccount(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET status = 'failed', failure_reason = $2
		 WHERE id = $1 AND status = 'active'`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGuardFailed
	}
	return nil
}

func (s *PostgresStore) ResetStartOfDay(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET start_of_day_balance = current_balance WHERE status = 'active'`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Positions & trades ---

const positionColumns = `id, account_id, market_id, direction,
	shares::TEXT, entry_price::TEXT, size_amount::TEXT, current_price::TEXT,
	status, closed_price::TEXT, realized_pnl::TEXT, opened_at, closed_at`

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var shares, entry, size, current, realized string
	var closed *string

	if err := row.Scan(&p.ID, &p.AccountID, &p.MarketID, &p.Direction,
		&shares, &entry, &size, &current,
		&p.Status, &closed, &realized, &p.OpenedAt, &p.ClosedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := parseDecimals(
		shares, &p.Shares,
		entry, &p.EntryPrice.Decimal,
		size, &p.SizeAmount,
		current, &p.CurrentPrice.Decimal,
		realized, &p.RealizedPnL,
	); err != nil {
		return nil, err
	}
	if closed != nil {
		var cp model.EffectivePrice
		if err := parseDecimals(*closed, &cp.Decimal); err != nil {
			return nil, err
		}
		p.ClosedPrice = &cp
	}
	return &p, nil
}

func listOpenPositions(ctx context.Context, q queryer, accountID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND status = 'open' ORDER BY opened_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return listOpenPositions(ctx, s.pool, accountID)
}

func (s *PostgresStore) ListTrades(ctx context.Context, accountID string, since time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, account_id, market_id, side, direction,
		        price::TEXT, amount::TEXT, shares::TEXT, realized_pnl::TEXT, slippage::TEXT,
		        closure_reason, executed_at
		 FROM trades WHERE account_id = $1 AND executed_at >= $2 ORDER BY executed_at`,
		accountID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, amount, shares, slippage string
		var realized *string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.AccountID, &t.MarketID, &t.Side, &t.Direction,
			&price, &amount, &shares, &realized, &slippage,
			&t.ClosureReason, &t.ExecutedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			price, &t.Price.Decimal,
			amount, &t.Amount,
			shares, &t.Shares,
			slippage, &t.Slippage,
		); err != nil {
			return nil, err
		}
		if realized != nil {
			var pnl decimal.Decimal
			if err := parseDecimals(*realized, &pnl); err != nil {
				return nil, err
			}
			t.RealizedPnL = &pnl
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}

	if err := fn(&pgTx{tx: tx, acct: acct}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx   pgx.Tx
	acct *model.Account
}

func (t *pgTx) Account() *model.Account { return t.acct }

func (t *pgTx) OpenPositions(ctx context.Context) ([]model.Position, error) {
	return listOpenPositions(ctx, t.tx, t.acct.ID)
}

func (t *pgTx) FindOpenPosition(ctx context.Context, marketID string, dir model.Direction) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND market_id = $2 AND direction = $3 AND status = 'open'
		 FOR UPDATE`, t.acct.ID, marketID, dir))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func nullableDecimal(d *model.EffectivePrice) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, account_id, market_id, direction,
		        shares, entry_price, size_amount, current_price,
		        status, closed_price, realized_pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		p.ID, p.AccountID, p.MarketID, p.Direction,
		p.Shares.String(), p.EntryPrice.String(), p.SizeAmount.String(), p.CurrentPrice.String(),
		p.Status, nullableDecimal(p.ClosedPrice), p.RealizedPnL.String(), p.OpenedAt, p.ClosedAt,
	)
	return err
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET shares = $2::NUMERIC, entry_price = $3::NUMERIC, size_amount = $4::NUMERIC,
		     current_price = $5::NUMERIC, status = $6, closed_price = $7::NUMERIC,
		     realized_pnl = $8::NUMERIC, closed_at = $9
		 WHERE id = $1 AND account_id = $10`,
		p.ID, p.Shares.String(), p.EntryPrice.String(), p.SizeAmount.String(),
		p.CurrentPrice.String(), p.Status, nullableDecimal(p.ClosedPrice),
		p.RealizedPnL.String(), p.ClosedAt, t.acct.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	var realized *string
	if tr.RealizedPnL != nil {
		s := tr.RealizedPnL.String()
		realized = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, position_id, account_id, market_id, side, direction,
		        price, amount, shares, realized_pnl, slippage, closure_reason, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		tr.ID, tr.PositionID, tr.AccountID, tr.MarketID, tr.Side, tr.Direction,
		tr.Price.String(), tr.Amount.String(), tr.Shares.String(),
		realized, tr.Slippage.String(), tr.ClosureReason, tr.ExecutedAt,
	)
	return err
}

func (t *pgTx) SetBalance(ctx context.Context, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return model.ErrInsufficientFunds.With("balance would become %s", balance.StringFixed(2))
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET current_balance = $2::NUMERIC WHERE id = $1`,
		t.acct.ID, balance.String()); err != nil {
		return err
	}
	t.acct.CurrentBalance = balance
	return nil
}

func (t *pgTx) PromoteToFunded(ctx context.Context, now time.Time) error {
	a := t.acct
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts
		 SET phase = 'funded', high_water_mark = starting_balance, start_of_day_balance = starting_balance,
		     pending_failure_at = NULL, ends_at = NULL, funded_at = $2, payout_cycle_start = $2,
		     active_trading_days = 0, last_active_day = '', consistency_flagged = false,
		     profit_split = $3::NUMERIC, payout_cap = $4::NUMERIC
		 WHERE id = $1 AND phase = 'evaluation' AND status = 'active'`,
		a.ID, now, a.Rules.ProfitSplit.String(), a.Rules.PayoutCap.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGuardFailed
	}
	applyPromotion(a, now)
	return nil
}

func (t *pgTx) RecordActivity(ctx context.Context, lastActiveDay string, activeDays int, flagged bool) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET last_active_day = $2, active_trading_days = $3, consistency_flagged = $4
		 WHERE id = $1`, t.acct.ID, lastActiveDay, activeDays, flagged); err != nil {
		return err
	}
	t.acct.LastActiveDay = lastActiveDay
	t.acct.ActiveTradingDays = activeDays
	t.acct.ConsistencyFlagged = flagged
	return nil
}

// --- Outages ---

const outageColumns = `id, reason, started_at, ended_at, duration_ms, grace_window_ends_at, accounts_extended`

func scanOutage(row scanner) (*model.OutageEvent, error) {
	var e model.OutageEvent
	if err := row.Scan(&e.ID, &e.Reason, &e.StartedAt, &e.EndedAt,
		&e.DurationMs, &e.GraceWindowEndsAt, &e.AccountsExtended); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) OpenOutage(ctx context.Context) (*model.OutageEvent, error) {
	return scanOutage(s.pool.QueryRow(ctx,
		`SELECT `+outageColumns+` FROM outage_events WHERE ended_at IS NULL LIMIT 1`))
}

func (s *PostgresStore) LatestOutage(ctx context.Context) (*model.OutageEvent, error) {
	return scanOutage(s.pool.QueryRow(ctx,
		`SELECT `+outageColumns+` FROM outage_events ORDER BY started_at DESC LIMIT 1`))
}

func (s *PostgresStore) StartOutage(ctx context.Context, e *model.OutageEvent) (*model.OutageEvent, bool, error) {
	// The partial unique index admits a single open row.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO outage_events (id, reason, started_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		e.ID, e.Reason, e.StartedAt)
	if err != nil {
		return nil, false, err
	}
	open, err := s.OpenOutage(ctx)
	if err != nil {
		return nil, false, err
	}
	return open, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) EndOutage(ctx context.Context, endedAt, graceEndsAt time.Time) (*model.OutageEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	open, err := scanOutage(tx.QueryRow(ctx,
		`SELECT `+outageColumns+` FROM outage_events WHERE ended_at IS NULL FOR UPDATE`))
	if err != nil {
		return nil, err
	}

	duration := endedAt.Sub(open.StartedAt)
	if duration < 0 {
		duration = 0
	}
	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET ends_at = ends_at + make_interval(secs => $1)
		 WHERE status = 'active' AND ends_at IS NOT NULL`,
		duration.Seconds())
	if err != nil {
		return nil, fmt.Errorf("extend deadlines: %w", err)
	}

	open.EndedAt = &endedAt
	open.DurationMs = duration.Milliseconds()
	open.GraceWindowEndsAt = &graceEndsAt
	open.AccountsExtended = int(tag.RowsAffected())

	if _, err := tx.Exec(ctx,
		`UPDATE outage_events
		 SET ended_at = $2, duration_ms = $3, grace_window_ends_at = $4, accounts_extended = $5
		 WHERE id = $1`,
		open.ID, endedAt, open.DurationMs, graceEndsAt, open.AccountsExtended); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return open, nil
}
