// Package outage tracks upstream market-data outages. While an outage is
// open, and for a grace window after it ends, account evaluation is paused;
// when it ends every Active account's deadline is pushed back by exactly
// the outage duration.
package outage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/prop-engine/internal/events"
	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/store"
)

// DefaultGrace is the post-recovery window during which evaluation stays
// paused.
const DefaultGrace = 30 * time.Minute

// ErrNoOpenOutage is returned by RecordEnd when nothing is open.
var ErrNoOpenOutage = errors.New("outage: no open outage")

// Status is the outage state as seen by the evaluator and trade submission.
type Status struct {
	// Active is true while an outage is open.
	Active bool `json:"active"`
	// InGrace is true after an outage ended but before its grace window closed.
	InGrace bool               `json:"in_grace"`
	Outage  *model.OutageEvent `json:"outage,omitempty"`
}

// Paused reports whether evaluation must be skipped.
func (s Status) Paused() bool { return s.Active || s.InGrace }

// Reason is a human readable explanation for a pause.
func (s Status) Reason() string {
	switch {
	case s.Active:
		return "evaluation paused: market data outage in progress"
	case s.InGrace:
		return "evaluation paused: post-outage grace window"
	default:
		return ""
	}
}

// Manager records outage transitions.
type Manager struct {
	store store.Store
	sink  events.Sink
	grace time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// NewManager creates an outage manager.
func NewManager(s store.Store, sink events.Sink, grace time.Duration, log *slog.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Manager{store: s, sink: sink, grace: grace, now: time.Now, log: log}
}

// RecordStart opens an outage. If one is already open it is returned
// unchanged; concurrent starts are no-ops.
func (m *Manager) RecordStart(ctx context.Context, reason string) (*model.OutageEvent, error) {
	e := &model.OutageEvent{
		ID:        uuid.New().String(),
		Reason:    reason,
		StartedAt: m.now().UTC(),
	}
	open, created, err := m.store.StartOutage(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("record outage start: %w", err)
	}
	if created {
		metrics.OutageOpen.Set(1)
		m.log.Warn("market data outage started", "outage_id", open.ID, "reason", reason)
		m.sink.Publish(ctx, events.New(events.OutageStarted, "", open))
	}
	return open, nil
}

// RecordEnd closes the open outage, starts the grace window and extends
// Active accounts' deadlines by the outage duration.
func (m *Manager) RecordEnd(ctx context.Context) (*model.OutageEvent, error) {
	now := m.now().UTC()
	closed, err := m.store.EndOutage(ctx, now, now.Add(m.grace))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoOpenOutage
	}
	if err != nil {
		return nil, fmt.Errorf("record outage end: %w", err)
	}
	metrics.OutageOpen.Set(0)
	m.log.Info("market data outage ended",
		"outage_id", closed.ID,
		"duration_ms", closed.DurationMs,
		"accounts_extended", closed.AccountsExtended,
		"grace_until", closed.GraceWindowEndsAt,
	)
	m.sink.Publish(ctx, events.New(events.OutageEnded, "", closed))
	return closed, nil
}

// Status returns the current outage state. Lookup failures fail open:
// they are logged and reported as no outage, so a broken store cannot
// freeze evaluation forever.
func (m *Manager) Status(ctx context.Context) Status {
	open, err := m.store.OpenOutage(ctx)
	if err == nil {
		return Status{Active: true, Outage: open}
	}
	if !errors.Is(err, store.ErrNotFound) {
		m.log.Warn("outage lookup failed, assuming none", "error", err)
		return Status{}
	}

	latest, err := m.store.LatestOutage(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("outage lookup failed, assuming none", "error", err)
		}
		return Status{}
	}
	if latest.GraceWindowEndsAt != nil && m.now().Before(*latest.GraceWindowEndsAt) {
		return Status{InGrace: true, Outage: latest}
	}
	return Status{}
}
