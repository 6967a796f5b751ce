package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogNotifier writes every event to the logger at debug level.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Logger.Debug().
		Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		Str("session_id", ev.AggregateID).
		RawJSON("payload", ev.Payload).
		Msg("order_form_event")
	return nil
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

// Notify implements Notifier.
func (p RedisPublisher) Notify(ctx context.Context, ev Event) error {
	if p.Client == nil || p.Channel == "" {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Channel, data).Err()
}

// CounterNotifier counts events by topic.
type CounterNotifier struct {
	Inc func(topic string)
}

// Notify implements Notifier.
func (n CounterNotifier) Notify(_ context.Context, ev Event) error {
	if n.Inc != nil {
		n.Inc(ev.Topic)
	}
	return nil
}
