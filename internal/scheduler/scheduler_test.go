package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEvaluator struct {
	resets, sweeps atomic.Int32
	sweepErr       error
}

func (f *fakeEvaluator) ResetDay(context.Context) error {
	f.resets.Add(1)
	return nil
}

func (f *fakeEvaluator) Sweep(context.Context) error {
	f.sweeps.Add(1)
	return f.sweepErr
}

type fakeProbe struct{ calls atomic.Int32 }

func (p *fakeProbe) Check(context.Context) error {
	p.calls.Add(1)
	return nil
}

func TestRegister_RunsJobs(t *testing.T) {
	s := New(context.Background(), time.Second, testLogger())
	ev := &fakeEvaluator{sweepErr: errors.New("boom")}
	wd := &fakeProbe{}
	require.NoError(t, s.Register(ev, wd, Specs{}))

	require.NoError(t, s.RunNow("daily_reset"))
	require.NoError(t, s.RunNow("evaluation_sweep"))
	require.NoError(t, s.RunNow("outage_watchdog"))

	assert.Equal(t, int32(1), ev.resets.Load())
	assert.Equal(t, int32(1), ev.sweeps.Load(), "a failing job still runs and is only logged")
	assert.Equal(t, int32(1), wd.calls.Load())
}

func TestRegister_WithoutWatchdog(t *testing.T) {
	s := New(context.Background(), time.Second, testLogger())
	require.NoError(t, s.Register(&fakeEvaluator{}, nil, Specs{}))

	assert.Error(t, s.RunNow("outage_watchdog"))
}

func TestAdd_Errors(t *testing.T) {
	s := New(context.Background(), time.Second, testLogger())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add("bad", "not a spec", noop))
	require.NoError(t, s.Add("job", "0 * * * * *", noop))
	assert.Error(t, s.Add("job", "0 * * * * *", noop), "duplicate name")
}

func TestRun_RecoversPanic(t *testing.T) {
	s := New(context.Background(), time.Second, testLogger())
	require.NoError(t, s.Add("panics", "0 * * * * *", func(context.Context) error {
		panic("job exploded")
	}))

	assert.NotPanics(t, func() { _ = s.RunNow("panics") })
}

func TestRun_ContextHasTimeout(t *testing.T) {
	s := New(context.Background(), 50*time.Millisecond, testLogger())
	var hadDeadline atomic.Bool
	require.NoError(t, s.Add("deadline", "0 * * * * *", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		return nil
	}))

	require.NoError(t, s.RunNow("deadline"))
	assert.True(t, hadDeadline.Load())
}

func TestStartStop_SchedulesDailyResetAtMidnightUTC(t *testing.T) {
	s := New(context.Background(), time.Second, testLogger())
	require.NoError(t, s.Register(&fakeEvaluator{}, nil, Specs{}))

	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	next := s.Next("daily_reset")
	require.False(t, next.IsZero())
	next = next.UTC()
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, 0, next.Second())
}
