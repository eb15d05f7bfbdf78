package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prop-engine/internal/ledger"
	"github.com/atmx/prop-engine/internal/model"
)

func testAccount(id string) *model.Account {
	start := decimal.NewFromInt(10000)
	ends := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return &model.Account{
		ID:                id,
		UserID:            "user-" + id,
		Tier:              "10k",
		Phase:             model.PhaseEvaluation,
		Status:            model.StatusActive,
		StartingBalance:   start,
		CurrentBalance:    start,
		HighWaterMark:     start,
		StartOfDayBalance: start,
		Rules:             model.DefaultRules(),
		EndsAt:            &ends,
		CreatedAt:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestInTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, testAccount("a1")))

	now := time.Now()
	err := s.InTx(ctx, "a1", func(tx Tx) error {
		pos, err := ledger.Buy(ctx, tx, "m1", model.DirectionYes,
			decimal.NewFromInt(200), model.Effective(decimal.RequireFromString("0.5")), decimal.NewFromInt(100), now)
		if err != nil {
			return err
		}
		return tx.InsertTrade(ctx, &model.Trade{
			PositionID: pos.ID, AccountID: "a1", MarketID: "m1",
			Side: model.SideBuy, Direction: model.DirectionYes,
			Amount: decimal.NewFromInt(100), Shares: decimal.NewFromInt(200), ExecutedAt: now,
		})
	})
	require.NoError(t, err)

	a, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, a.CurrentBalance.Equal(decimal.NewFromInt(9900)))

	open, err := s.ListOpenPositions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Shares.Equal(decimal.NewFromInt(200)))

	trades, err := s.ListTrades(ctx, "a1", now.Add(-time.Second))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.NotEmpty(t, trades[0].ID)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, testAccount("a1")))

	boom := errors.New("boom")
	err := s.InTx(ctx, "a1", func(tx Tx) error {
		if _, err := ledger.Buy(ctx, tx, "m1", model.DirectionYes,
			decimal.NewFromInt(200), model.Effective(decimal.RequireFromString("0.5")), decimal.NewFromInt(100), time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, _ := s.GetAccount(ctx, "a1")
	assert.True(t, a.CurrentBalance.Equal(decimal.NewFromInt(10000)))
	open, _ := s.ListOpenPositions(ctx, "a1")
	assert.Empty(t, open)
}

func TestInTxUnknownAccount(t *testing.T) {
	s := NewMemoryStore()
	err := s.InTx(context.Background(), "nope", func(Tx) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentBuysNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, testAccount("a1")))

	// 30 buys of 500 against 10000: exactly 20 can succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, "a1", func(tx Tx) error {
				_, err := ledger.Buy(ctx, tx, "m1", model.DirectionYes,
					decimal.NewFromInt(1000), model.Effective(decimal.RequireFromString("0.5")), decimal.NewFromInt(500), time.Now())
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, succeeded)
	a, _ := s.GetAccount(ctx, "a1")
	assert.True(t, a.CurrentBalance.IsZero(), "balance = %s", a.CurrentBalance)
	open, _ := s.ListOpenPositions(ctx, "a1")
	require.Len(t, open, 1)
	assert.True(t, open[0].Shares.Equal(decimal.NewFromInt(20000)))
}

func TestPromoteToFundedIsGuarded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, testAccount("a1")))

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InTx(ctx, "a1", func(tx Tx) error {
		return tx.PromoteToFunded(ctx, now)
	}))

	a, _ := s.GetAccount(ctx, "a1")
	assert.Equal(t, model.PhaseFunded, a.Phase)
	assert.Equal(t, model.StatusActive, a.Status)
	assert.Nil(t, a.EndsAt)
	require.NotNil(t, a.PayoutCycleStart)
	assert.True(t, a.PayoutCycleStart.Equal(now))
	assert.True(t, a.ProfitSplit.Equal(model.DefaultRules().ProfitSplit))

	err := s.InTx(ctx, "a1", func(tx Tx) error {
		return tx.PromoteToFunded(ctx, now)
	})
	assert.ErrorIs(t, err, ErrGuardFailed)
}

func TestFailAccountIsGuarded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, testAccount("a1")))

	require.NoError(t, s.FailAccount(ctx, "a1", "max drawdown"))
	assert.ErrorIs(t, s.FailAccount(ctx, "a1", "again"), ErrGuardFailed)

	a, _ := s.GetAccount(ctx, "a1")
	assert.Equal(t, model.StatusFailed, a.Status)
	assert.Equal(t, "max drawdown", a.FailureReason)

	ids, _ := s.ListActiveAccountIDs(ctx)
	assert.Empty(t, ids)
}

func TestRaiseHighWaterMarkOnlyRaises(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, testAccount("a1")))

	require.NoError(t, s.RaiseHighWaterMark(ctx, "a1", decimal.NewFromInt(10500)))
	require.NoError(t, s.RaiseHighWaterMark(ctx, "a1", decimal.NewFromInt(10200)))

	a, _ := s.GetAccount(ctx, "a1")
	assert.True(t, a.HighWaterMark.Equal(decimal.NewFromInt(10500)))
}

func TestResetStartOfDaySkipsInactive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a1 := testAccount("a1")
	a1.CurrentBalance = decimal.NewFromInt(9500)
	a2 := testAccount("a2")
	a2.Status = model.StatusFailed
	a2.CurrentBalance = decimal.NewFromInt(100)
	require.NoError(t, s.CreateAccount(ctx, a1))
	require.NoError(t, s.CreateAccount(ctx, a2))

	n, err := s.ResetStartOfDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got1, _ := s.GetAccount(ctx, "a1")
	got2, _ := s.GetAccount(ctx, "a2")
	assert.True(t, got1.StartOfDayBalance.Equal(decimal.NewFromInt(9500)))
	assert.True(t, got2.StartOfDayBalance.Equal(decimal.NewFromInt(10000)))
}

func TestOutageLifecycleExtendsDeadlines(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, testAccount("a1")))
	funded := testAccount("a2")
	funded.EndsAt = nil
	require.NoError(t, s.CreateAccount(ctx, funded))

	_, err := s.OpenOutage(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	open, created, err := s.StartOutage(ctx, &model.OutageEvent{ID: "o1", Reason: "feed down", StartedAt: start})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "o1", open.ID)

	again, created, err := s.StartOutage(ctx, &model.OutageEvent{ID: "o2", Reason: "dup", StartedAt: start.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "o1", again.ID)

	end := start.Add(2 * time.Hour)
	closed, err := s.EndOutage(ctx, end, end.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64((2 * time.Hour).Milliseconds()), closed.DurationMs)
	assert.Equal(t, 1, closed.AccountsExtended)

	a, _ := s.GetAccount(ctx, "a1")
	assert.True(t, a.EndsAt.Equal(time.Date(2026, 2, 1, 2, 0, 0, 0, time.UTC)))

	_, err = s.EndOutage(ctx, end, end)
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := s.LatestOutage(ctx)
	require.NoError(t, err)
	assert.False(t, latest.Open())
}
