package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a notification raised by an order-form session.
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// Notifier reacts to emitted events (e.g. logging, metrics, pub/sub).
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Bus fans events out to the configured notifiers.
type Bus struct {
	Notifiers []Notifier
	Now       func() time.Time
}

// Emit builds the event and dispatches it to every notifier. Notifier errors
// are joined; one failing notifier does not stop the others.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (Event, error) {
	if b == nil {
		return Event{}, errors.New("events: bus not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return Event{}, errors.New("events: aggregate id is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ev := Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     encoded,
		OccurredAt:  now().UTC(),
	}
	var joined error
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		if notifyErr := notifier.Notify(ctx, ev); notifyErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", notifyErr))
		}
	}
	return ev, joined
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case []byte:
		return rawJSON(v)
	case json.RawMessage:
		return rawJSON(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return []byte("{}"), nil
		}
		return rawJSON([]byte(v))
	default:
		return json.Marshal(v)
	}
}

func rawJSON(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(v) {
		return nil, errors.New("payload is not valid json")
	}
	return append([]byte(nil), v...), nil
}
