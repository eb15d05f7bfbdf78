package outage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prop-engine/internal/events"
	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newManager(s store.Store) (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	m := NewManager(s, events.Nop{}, 30*time.Minute, quiet())
	m.now = c.now
	return m, c
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) OpenOutage(context.Context) (*model.OutageEvent, error) {
	return nil, errors.New("connection refused")
}

func TestStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ends := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateAccount(ctx, &model.Account{
		ID: "a1", Status: model.StatusActive, Phase: model.PhaseEvaluation,
		StartingBalance: decimal.NewFromInt(10000), CurrentBalance: decimal.NewFromInt(10000),
		EndsAt: &ends,
	}))
	m, c := newManager(s)

	assert.False(t, m.Status(ctx).Paused())

	first, err := m.RecordStart(ctx, "feed down")
	require.NoError(t, err)
	second, err := m.RecordStart(ctx, "feed down again")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "start is idempotent while open")

	st := m.Status(ctx)
	assert.True(t, st.Active)
	assert.Contains(t, st.Reason(), "evaluation paused")

	c.advance(90 * time.Minute)
	closed, err := m.RecordEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, (90 * time.Minute).Milliseconds(), closed.DurationMs)
	assert.Equal(t, 1, closed.AccountsExtended)

	a, _ := s.GetAccount(ctx, "a1")
	assert.True(t, a.EndsAt.Equal(ends.Add(90*time.Minute)))

	st = m.Status(ctx)
	assert.False(t, st.Active)
	assert.True(t, st.InGrace)
	assert.True(t, st.Paused())

	c.advance(31 * time.Minute)
	assert.False(t, m.Status(ctx).Paused())

	_, err = m.RecordEnd(ctx)
	assert.ErrorIs(t, err, ErrNoOpenOutage)
}

func TestStatusFailsOpen(t *testing.T) {
	m, _ := newManager(brokenStore{store.NewMemoryStore()})

	st := m.Status(context.Background())
	assert.False(t, st.Paused())
}

func TestWatchdog(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m, c := newManager(s)
	feed := marketdata.NewStatic(marketdata.SourceLive)
	feed.SetClock(c.now)
	w := NewWatchdog(m, feed, time.Minute, quiet())

	// Never beat: stale.
	require.NoError(t, w.Check(ctx))
	assert.True(t, m.Status(ctx).Active)

	feed.Beat()
	c.advance(10 * time.Second)
	require.NoError(t, w.Check(ctx))
	st := m.Status(ctx)
	assert.False(t, st.Active)
	assert.True(t, st.InGrace)

	c.advance(2 * time.Minute)
	require.NoError(t, w.Check(ctx))
	assert.True(t, m.Status(ctx).Active)
}

func TestWatchdogLeavesManualOutagesOpen(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(store.NewMemoryStore())
	feed := marketdata.NewStatic(marketdata.SourceLive)
	feed.SetClock(c.now)
	feed.Beat()
	w := NewWatchdog(m, feed, time.Minute, quiet())

	_, err := m.RecordStart(ctx, "maintenance")
	require.NoError(t, err)

	require.NoError(t, w.Check(ctx))
	assert.True(t, m.Status(ctx).Active)
}
