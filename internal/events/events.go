// Package events publishes domain events (trades, account transitions,
// outages) to downstream consumers. Publishing is best effort: a sink never
// returns an error to the caller and never blocks a financial path.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/prop-engine/internal/metrics"
)

// Type identifies an event.
type Type string

const (
	TradeExecuted      Type = "trade.executed"
	AccountFailed      Type = "account.failed"
	AccountFunded      Type = "account.funded"
	AccountAtRisk      Type = "account.pending_failure"
	PromotionBlocked   Type = "account.promotion_blocked"
	PromotionAlert     Type = "account.promotion_alert"
	ConsistencyFlagged Type = "account.consistency_flagged"
	OutageStarted      Type = "outage.started"
	OutageEnded        Type = "outage.ended"
	TaskFailed         Type = "task.failed"
)

// Event is one domain event.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	AccountID  string    `json:"account_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// New stamps an event with an id and the current time.
func New(t Type, accountID string, payload any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		AccountID:  accountID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// LogSink writes events to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, e Event) {
	s.log.InfoContext(ctx, "domain event",
		"event_id", e.ID,
		"type", e.Type,
		"account_id", e.AccountID,
		"payload", e.Payload,
	)
	metrics.EventsPublished.WithLabelValues("log", "ok").Inc()
}
