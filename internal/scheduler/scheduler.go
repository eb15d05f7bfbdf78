// Package scheduler runs the periodic maintenance jobs: the 00:00 UTC daily
// reset, the evaluation sweep and the market-data watchdog.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/prop-engine/internal/metrics"
)

// Default schedules, six-field (seconds first), evaluated in UTC.
const (
	DailyResetSpec = "0 0 0 * * *"
	SweepSpec      = "0 * * * * *"
	WatchdogSpec   = "*/15 * * * * *"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron instance. A job that is still running when its next
// tick fires is skipped rather than stacked.
type Scheduler struct {
	cron    *cron.Cron
	baseCtx context.Context
	timeout time.Duration
	log     *slog.Logger
	ids     map[string]cron.EntryID
}

// New creates a stopped scheduler. Every job run gets a context derived from
// baseCtx bounded by timeout.
func New(baseCtx context.Context, timeout time.Duration, log *slog.Logger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		baseCtx: baseCtx,
		timeout: timeout,
		log:     log,
		ids:     make(map[string]cron.EntryID),
	}
}

// Add registers job under name with a six-field cron spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if _, dup := s.ids[name]; dup {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("scheduler: add %q: %w", name, err)
	}
	s.ids[name] = id
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		metrics.SchedulerRuns.WithLabelValues(name, "error").Inc()
		s.log.Error("scheduled job failed", "job", name, "error", err, "elapsed", time.Since(start))
		return
	}
	metrics.SchedulerRuns.WithLabelValues(name, "ok").Inc()
	s.log.Debug("scheduled job done", "job", name, "elapsed", time.Since(start))
}

// Next reports when the named job fires next; zero if unknown or not started.
func (s *Scheduler) Next(name string) time.Time {
	id, ok := s.ids[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// RunNow executes the named job synchronously through the same wrappers a
// scheduled tick uses.
func (s *Scheduler) RunNow(name string) error {
	id, ok := s.ids[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// Start begins firing jobs in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.ids))
}

// Stop halts the scheduler and waits for running jobs or ctx, whichever
// finishes first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kv, "error", err)...)
}
