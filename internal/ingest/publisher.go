package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/safety"
)

// Topic names shared with downstream consumers.
const (
	TopicEvents   = "ride-events"
	TopicOutcomes = "trip-outcomes"
	TopicSafety   = "safety-alerts"
	TopicPresence = "driver-presence"
)

// MessageWriter is the part of *kafka.Writer the publishers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

type publisher struct {
	w       MessageWriter
	timeout time.Duration
}

func (p publisher) publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

// EventPublisher mirrors every audience emission to the events topic, keyed
// by audience so one room's events stay ordered within a partition.
type EventPublisher struct {
	publisher
}

func NewEventPublisher(w MessageWriter) *EventPublisher {
	return &EventPublisher{publisher{w: w, timeout: 2 * time.Second}}
}

func (e *EventPublisher) Emit(ctx context.Context, to dispatch.Audience, name string, payload any) error {
	ev := dispatch.Event{Name: name, Audience: to.String(), Payload: payload, EmittedAt: time.Now().UTC()}
	if err := e.publish(ctx, ev.Audience, ev); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (e *EventPublisher) Close() error { return e.w.Close() }

// OutcomePublisher hands finished trips to the score, fraud and payment
// services, and safety alerts to the ops tooling.
type OutcomePublisher struct {
	outcomes publisher
	alerts   publisher
}

func NewOutcomePublisher(outcomes, alerts MessageWriter) *OutcomePublisher {
	return &OutcomePublisher{
		outcomes: publisher{w: outcomes, timeout: 2 * time.Second},
		alerts:   publisher{w: alerts, timeout: 2 * time.Second},
	}
}

type outcomeMessage struct {
	Kind string `json:"kind"`
	models.TripOutcome
}

func (o *OutcomePublisher) TripCompleted(ctx context.Context, out models.TripOutcome) error {
	return o.outcomes.publish(ctx, out.TripID, outcomeMessage{Kind: "completed", TripOutcome: out})
}

func (o *OutcomePublisher) TripCancelled(ctx context.Context, out models.TripOutcome) error {
	return o.outcomes.publish(ctx, out.TripID, outcomeMessage{Kind: "cancelled", TripOutcome: out})
}

func (o *OutcomePublisher) SafetyAlert(ctx context.Context, a safety.Alert) error {
	return o.alerts.publish(ctx, a.TripID, a)
}

func (o *OutcomePublisher) Close() error {
	err := o.outcomes.w.Close()
	if aerr := o.alerts.w.Close(); err == nil {
		err = aerr
	}
	return err
}
