// Package tasks runs post-commit side effects (evaluation, activity
// tracking) on a bounded worker pool with retries. A task that exhausts its
// attempts is logged, counted and published as an event; it is never
// dropped silently.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/prop-engine/internal/events"
	"github.com/atmx/prop-engine/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when the buffer is full.
	ErrQueueFull = errors.New("tasks: queue full")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("tasks: queue stopped")
)

// Task is one unit of work. Key identifies the subject (an account id) in
// logs and failure events.
type Task struct {
	Name string
	Key  string
	Run  func(ctx context.Context) error
}

// Config tunes the queue.
type Config struct {
	Workers     int
	Buffer      int
	MaxAttempts int
	BaseBackoff time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Queue is a bounded worker pool.
type Queue struct {
	cfg  Config
	ch   chan Task
	sink events.Sink
	log  *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewQueue creates a queue; call Start to run workers.
func NewQueue(cfg Config, sink events.Sink, log *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:  cfg,
		ch:   make(chan Task, cfg.Buffer),
		sink: sink,
		log:  log,
	}
}

// Start launches the workers. They run until Stop drains the queue.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue schedules t without blocking.
func (q *Queue) Enqueue(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.ch <- t:
		metrics.TaskQueueDepth.Inc()
		return nil
	default:
		metrics.TaskRuns.WithLabelValues(t.Name, "dropped").Inc()
		return ErrQueueFull
	}
}

// Stop refuses new tasks and waits for queued ones to finish or ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for t := range q.ch {
		metrics.TaskQueueDepth.Dec()
		q.run(ctx, t)
	}
}

func (q *Queue) run(ctx context.Context, t Task) {
	var err error
retry:
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		err = q.attempt(ctx, t)
		if err == nil {
			metrics.TaskRuns.WithLabelValues(t.Name, "ok").Inc()
			return
		}
		metrics.TaskRuns.WithLabelValues(t.Name, "retry").Inc()
		q.log.Warn("task attempt failed",
			"task", t.Name,
			"key", t.Key,
			"attempt", attempt,
			"error", err,
		)
		if attempt == q.cfg.MaxAttempts {
			break
		}
		wait := q.cfg.BaseBackoff << (attempt - 1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		}
	}

	metrics.TaskRuns.WithLabelValues(t.Name, "failed").Inc()
	q.log.Error("task failed", "task", t.Name, "key", t.Key, "attempts", q.cfg.MaxAttempts, "error", err)
	q.sink.Publish(context.WithoutCancel(ctx), events.New(events.TaskFailed, t.Key, map[string]string{
		"task":  t.Name,
		"error": err.Error(),
	}))
}

func (q *Queue) attempt(ctx context.Context, t Task) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
