package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/prop-engine/internal/metrics"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON messages keyed by account id, so all
// events of one account land on one partition in order.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
	log     *slog.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, log *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.EventsPublished.WithLabelValues("kafka", "error").Add(float64(len(messages)))
				log.Error("kafka publish failed", "messages", len(messages), "error", err)
				return
			}
			metrics.EventsPublished.WithLabelValues("kafka", "ok").Add(float64(len(messages)))
		},
	}
	return &KafkaSink{w: w, timeout: 2 * time.Second, log: log}
}

func (s *KafkaSink) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.log.Error("marshal event", "type", e.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.AccountID),
		Value: data,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "event-id", Value: []byte(e.ID)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		s.log.Error("kafka publish failed", "type", e.Type, "event_id", e.ID, "error", err)
	}
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
