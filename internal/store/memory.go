package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Per-account mutexes stand in for row locks: every write to an account,
// transactional or not, holds that account's mutex first and the map mutex
// second.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	trades    []model.Trade
	outages   []*model.OutageEvent

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListActiveAccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, a := range s.accounts {
		if a.Status == model.StatusActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// update applies fn to the stored account under its lock.
func (s *MemoryStore) update(id string, fn func(a *model.Account) error) error {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return fn(a)
}

func (s *MemoryStore) RaiseHighWaterMark(_ context.Context, id string, hwm decimal.Decimal) error {
	return s.update(id, func(a *model.Account) error {
		if hwm.GreaterThan(a.HighWaterMark) {
			a.HighWaterMark = hwm
		}
		return nil
	})
}

func (s *MemoryStore) SetPendingFailure(_ context.Context, id string, at *time.Time) error {
	return s.update(id, func(a *model.Account) error {
		a.PendingFailureAt = at
		return nil
	})
}

func (s *MemoryStore) FailAccount(_ context.Context, id, reason string) error {
	return s.update(id, func(a *model.Account) error {
		if a.Status != model.StatusActive {
			return ErrGuardFailed
		}
		a.Status = model.StatusFailed
		a.FailureReason = reason
		return nil
	})
}

func (s *MemoryStore) ResetStartOfDay(ctx context.Context) (int, error) {
	ids, err := s.ListActiveAccountIDs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		err := s.update(id, func(a *model.Account) error {
			if a.Status != model.StatusActive {
				return nil
			}
			a.StartOfDayBalance = a.CurrentBalance
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openPositionsLocked(accountID), nil
}

func (s *MemoryStore) openPositionsLocked(accountID string) []model.Position {
	var out []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID && p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (s *MemoryStore) ListTrades(_ context.Context, accountID string, since time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID && !t.ExecutedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- Transactions ---

func (s *MemoryStore) InTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	unlock := s.lock(accountID)
	defer unlock()

	s.mu.RLock()
	a, ok := s.accounts[accountID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	acct := *a
	open := s.openPositionsLocked(accountID)
	s.mu.RUnlock()

	tx := &memTx{
		acct:      &acct,
		positions: make(map[string]*model.Position, len(open)),
	}
	for i := range open {
		p := open[i]
		tx.positions[p.ID] = &p
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit.
	s.mu.Lock()
	defer s.mu.Unlock()
	committed := *tx.acct
	s.accounts[accountID] = &committed
	for id, p := range tx.positions {
		if _, dirty := tx.dirty[id]; dirty {
			cp := *p
			s.positions[id] = &cp
		}
	}
	s.trades = append(s.trades, tx.trades...)
	return nil
}

type memTx struct {
	acct      *model.Account
	positions map[string]*model.Position
	dirty     map[string]struct{}
	trades    []model.Trade
}

func (t *memTx) markDirty(id string) {
	if t.dirty == nil {
		t.dirty = make(map[string]struct{})
	}
	t.dirty[id] = struct{}{}
}

func (t *memTx) Account() *model.Account { return t.acct }

func (t *memTx) OpenPositions(_ context.Context) ([]model.Position, error) {
	var out []model.Position
	for _, p := range t.positions {
		if p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (t *memTx) FindOpenPosition(_ context.Context, marketID string, dir model.Direction) (*model.Position, error) {
	for _, p := range t.positions {
		if p.MarketID == marketID && p.Direction == dir && p.Status == model.PositionOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if existing, _ := t.FindOpenPosition(ctx, p.MarketID, p.Direction); existing != nil {
		return fmt.Errorf("open %s position on %s already exists", p.Direction, p.MarketID)
	}
	cp := *p
	t.positions[p.ID] = &cp
	t.markDirty(p.ID)
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	if _, ok := t.positions[p.ID]; !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	cp := *p
	t.positions[p.ID] = &cp
	t.markDirty(p.ID)
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *memTx) SetBalance(_ context.Context, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return model.ErrInsufficientFunds.With("balance would become %s", balance.StringFixed(2))
	}
	t.acct.CurrentBalance = balance
	return nil
}

func (t *memTx) PromoteToFunded(_ context.Context, now time.Time) error {
	if t.acct.Phase != model.PhaseEvaluation || t.acct.Status != model.StatusActive {
		return ErrGuardFailed
	}
	applyPromotion(t.acct, now)
	return nil
}

func (t *memTx) RecordActivity(_ context.Context, lastActiveDay string, activeDays int, flagged bool) error {
	t.acct.LastActiveDay = lastActiveDay
	t.acct.ActiveTradingDays = activeDays
	t.acct.ConsistencyFlagged = flagged
	return nil
}

// applyPromotion sets every funded-phase field except the cash balance,
// which the caller resets explicitly.
func applyPromotion(a *model.Account, now time.Time) {
	a.Phase = model.PhaseFunded
	a.HighWaterMark = a.StartingBalance
	a.StartOfDayBalance = a.StartingBalance
	a.PendingFailureAt = nil
	a.EndsAt = nil
	a.FundedAt = &now
	a.PayoutCycleStart = &now
	a.ActiveTradingDays = 0
	a.LastActiveDay = ""
	a.ConsistencyFlagged = false
	a.ProfitSplit = a.Rules.ProfitSplit
	a.PayoutCap = a.Rules.PayoutCap
}

// --- Outages ---

func (s *MemoryStore) OpenOutage(_ context.Context) (*model.OutageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.outages {
		if o.Open() {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestOutage(_ context.Context) (*model.OutageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.outages) == 0 {
		return nil, ErrNotFound
	}
	cp := *s.outages[len(s.outages)-1]
	return &cp, nil
}

func (s *MemoryStore) StartOutage(_ context.Context, e *model.OutageEvent) (*model.OutageEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.outages {
		if o.Open() {
			cp := *o
			return &cp, false, nil
		}
	}
	cp := *e
	s.outages = append(s.outages, &cp)
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) EndOutage(ctx context.Context, endedAt, graceEndsAt time.Time) (*model.OutageEvent, error) {
	s.mu.Lock()
	var open *model.OutageEvent
	for _, o := range s.outages {
		if o.Open() {
			open = o
			break
		}
	}
	if open == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	duration := endedAt.Sub(open.StartedAt)
	if duration < 0 {
		duration = 0
	}
	open.EndedAt = &endedAt
	open.DurationMs = duration.Milliseconds()
	open.GraceWindowEndsAt = &graceEndsAt
	s.mu.Unlock()

	ids, err := s.ListActiveAccountIDs(ctx)
	if err != nil {
		return nil, err
	}
	extended := 0
	for _, id := range ids {
		err := s.update(id, func(a *model.Account) error {
			if a.Status != model.StatusActive || a.EndsAt == nil {
				return nil
			}
			ends := a.EndsAt.Add(duration)
			a.EndsAt = &ends
			extended++
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	open.AccountsExtended = extended
	cp := *open
	return &cp, nil
}
