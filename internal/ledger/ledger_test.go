package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prop-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func eff(f float64) model.EffectivePrice {
	return model.Effective(d(f))
}

// fakeTx is an in-memory Tx for exercising Buy and Sell.
type fakeTx struct {
	acct      *model.Account
	positions map[model.PositionKey]*model.Position
}

func newFakeTx(balance float64) *fakeTx {
	return &fakeTx{
		acct:      &model.Account{ID: "acct-1", CurrentBalance: d(balance), StartingBalance: d(balance)},
		positions: make(map[model.PositionKey]*model.Position),
	}
}

func (f *fakeTx) Account() *model.Account { return f.acct }

func (f *fakeTx) FindOpenPosition(_ context.Context, marketID string, dir model.Direction) (*model.Position, error) {
	p, ok := f.positions[model.PositionKey{MarketID: marketID, Direction: dir}]
	if !ok || p.Status != model.PositionOpen {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeTx) InsertPosition(_ context.Context, p *model.Position) error {
	cp := *p
	f.positions[p.Key()] = &cp
	return nil
}

func (f *fakeTx) UpdatePosition(_ context.Context, p *model.Position) error {
	cp := *p
	f.positions[p.Key()] = &cp
	return nil
}

func (f *fakeTx) SetBalance(_ context.Context, b decimal.Decimal) error {
	f.acct.CurrentBalance = b
	return nil
}

func TestOpen_RejectsOutOfBandPrice(t *testing.T) {
	for _, p := range []float64{0.01, 0.99, 0, 1} {
		_, err := Open("a", "m", model.DirectionYes, d(10), eff(p), d(5), time.Now())
		assert.True(t, errors.Is(err, model.ErrInvalidPrice), "price %v", p)
	}
}

func TestAddTo_ReAverages(t *testing.T) {
	pos, err := Open("a", "m", model.DirectionYes, d(100), eff(0.50), d(50), time.Now())
	require.NoError(t, err)

	require.NoError(t, AddTo(pos, d(100), eff(0.60), d(60)))
	assert.True(t, pos.EntryPrice.Equal(d(0.55)), "got %s", pos.EntryPrice)
	assert.True(t, pos.Shares.Equal(d(200)))
	assert.True(t, pos.SizeAmount.Equal(d(110)))
	assert.True(t, pos.CurrentPrice.Equal(d(0.60)))
}

func TestReduce_Partial(t *testing.T) {
	pos, _ := Open("a", "m", model.DirectionYes, d(200), eff(0.50), d(100), time.Now())
	exit := eff(0.60)

	r, err := Reduce(pos, d(50), &exit, time.Now())
	require.NoError(t, err)
	assert.False(t, r.Closed)
	assert.True(t, r.Proceeds.Equal(d(30)))
	assert.True(t, r.RealizedPnL.Equal(d(5)))
	assert.True(t, pos.Shares.Equal(d(150)))
	assert.True(t, pos.SizeAmount.Equal(d(75)))
	assert.Equal(t, model.PositionOpen, pos.Status)
}

func TestReduce_FullClosesAndFallsBackToStoredPrice(t *testing.T) {
	pos, _ := Open("a", "m", model.DirectionNo, d(100), eff(0.60), d(60), time.Now())
	pos.CurrentPrice = eff(0.70)

	r, err := Reduce(pos, d(100), nil, time.Now())
	require.NoError(t, err)
	assert.True(t, r.Closed)
	assert.True(t, r.ExitPrice.Equal(d(0.70)))
	assert.True(t, r.RealizedPnL.Equal(d(10)))
	assert.Equal(t, model.PositionClosed, pos.Status)
	require.NotNil(t, pos.ClosedPrice)
	assert.True(t, pos.ClosedPrice.Equal(d(0.70)))
}

func TestReduce_Guards(t *testing.T) {
	pos, _ := Open("a", "m", model.DirectionYes, d(100), eff(0.50), d(50), time.Now())

	bad := eff(0.995)
	_, err := Reduce(pos, d(10), &bad, time.Now())
	assert.True(t, errors.Is(err, model.ErrInvalidPrice))

	_, err = Reduce(pos, d(101), nil, time.Now())
	assert.True(t, errors.Is(err, model.ErrInvalidRequest))

	pos.Status = model.PositionClosed
	_, err = Reduce(pos, d(10), nil, time.Now())
	assert.True(t, errors.Is(err, model.ErrPositionNotFound))
}

func TestBuySell_BalanceConservation(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx(10000)
	now := time.Now()

	_, err := Buy(ctx, tx, "m1", model.DirectionYes, d(2000), eff(0.50), d(1000), now)
	require.NoError(t, err)
	_, err = Buy(ctx, tx, "m1", model.DirectionYes, d(1000), eff(0.60), d(600), now)
	require.NoError(t, err)
	_, err = Buy(ctx, tx, "m2", model.DirectionNo, d(500), eff(0.40), d(200), now)
	require.NoError(t, err)

	exit := eff(0.70)
	_, red1, err := Sell(ctx, tx, "m1", model.DirectionYes, d(1500), &exit, now)
	require.NoError(t, err)
	_, red2, err := Sell(ctx, tx, "m2", model.DirectionNo, d(500), nil, now)
	require.NoError(t, err)

	want := d(10000).Sub(d(1000)).Sub(d(600)).Sub(d(200)).Add(red1.Proceeds).Add(red2.Proceeds)
	assert.True(t, tx.acct.CurrentBalance.Equal(want), "got %s want %s", tx.acct.CurrentBalance, want)
	assert.True(t, red2.Closed)

	// m1 and m2/NO are separate slots; YES on m2 is untouched.
	p, _ := tx.FindOpenPosition(ctx, "m2", model.DirectionYes)
	assert.Nil(t, p)
}

func TestBuy_InsufficientFunds(t *testing.T) {
	tx := newFakeTx(100)
	_, err := Buy(context.Background(), tx, "m1", model.DirectionYes, d(400), eff(0.50), d(200), time.Now())
	assert.True(t, errors.Is(err, model.ErrInsufficientFunds))
	assert.True(t, tx.acct.CurrentBalance.Equal(d(100)))
	assert.Empty(t, tx.positions)
}

func TestSell_NoPosition(t *testing.T) {
	tx := newFakeTx(100)
	_, _, err := Sell(context.Background(), tx, "m1", model.DirectionYes, d(10), nil, time.Now())
	assert.True(t, errors.Is(err, model.ErrPositionNotFound))
}
