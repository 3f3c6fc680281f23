package syncbus

import (
	"context"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-trylock/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub. Topics map to channels.
type RedisBus struct {
	fanout
	client *redis.Client

	wireMu sync.Mutex
	wire   map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		wire:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("trylock.bus.topic", evt.Topic)))
	defer span.End()
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, evt.Topic, data).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.wireMu.Lock()
	ch, first := b.add(topic)
	if first {
		ps := b.client.Subscribe(context.Background(), topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.remove(topic, ch)
			b.wireMu.Unlock()
			return nil, err
		}
		b.wire[topic] = ps
		go b.dispatch(topic, ps)
	}
	b.wireMu.Unlock()
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		evt, err := decodeEvent(topic, []byte(msg.Payload))
		if err != nil {
			slog.Warn("trylock: dropping malformed redis event", "channel", msg.Channel, "error", err)
			continue
		}
		b.deliver(evt)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.wireMu.Lock()
	defer b.wireMu.Unlock()
	if _, last := b.remove(topic, ch); !last {
		return nil
	}
	ps, ok := b.wire[topic]
	if !ok {
		return nil
	}
	delete(b.wire, topic)
	return ps.Close()
}
