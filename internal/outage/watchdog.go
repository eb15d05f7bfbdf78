package outage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/prop-engine/internal/marketdata"
)

// WatchdogReason tags outages opened by the watchdog. The watchdog only
// closes outages it opened itself; manual ones are left to an operator.
const WatchdogReason = "market data feed stale"

// Watchdog opens and closes outages from the ingestion heartbeat.
type Watchdog struct {
	m          *Manager
	hb         marketdata.Heartbeater
	staleAfter time.Duration
	log        *slog.Logger
}

// NewWatchdog creates a watchdog that treats a heartbeat older than
// staleAfter as an outage.
func NewWatchdog(m *Manager, hb marketdata.Heartbeater, staleAfter time.Duration, log *slog.Logger) *Watchdog {
	return &Watchdog{m: m, hb: hb, staleAfter: staleAfter, log: log}
}

// Check compares the feed heartbeat with the stale threshold once.
func (w *Watchdog) Check(ctx context.Context) error {
	now := w.m.now()
	beat, err := w.hb.Heartbeat(ctx)
	stale := err != nil || beat.IsZero() || now.Sub(beat) > w.staleAfter
	if err != nil {
		w.log.Warn("heartbeat read failed", "error", err)
	}

	if stale {
		_, err := w.m.RecordStart(ctx, WatchdogReason)
		return err
	}

	open, err := w.m.store.OpenOutage(ctx)
	if err != nil || open.Reason != WatchdogReason {
		return nil
	}
	if _, err := w.m.RecordEnd(ctx); err != nil && !errors.Is(err, ErrNoOpenOutage) {
		return err
	}
	return nil
}
