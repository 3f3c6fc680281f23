package syncbus

import (
	"context"
	"log/slog"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. Topics map to subjects.
type NATSBus struct {
	fanout
	conn *nats.Conn

	wireMu sync.Mutex
	wire   map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		wire: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(evt.Topic, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.wireMu.Lock()
	ch, first := b.add(topic)
	if first {
		sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			evt, err := decodeEvent(topic, msg.Data)
			if err != nil {
				slog.Warn("trylock: dropping malformed nats event", "subject", msg.Subject, "error", err)
				return
			}
			b.deliver(evt)
		})
		if err == nil {
			// Make sure the server registered the interest before returning,
			// otherwise an immediate publish could be missed.
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.remove(topic, ch)
			b.wireMu.Unlock()
			return nil, err
		}
		b.wire[topic] = sub
	}
	b.wireMu.Unlock()
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.wireMu.Lock()
	defer b.wireMu.Unlock()
	if _, last := b.remove(topic, ch); !last {
		return nil
	}
	sub, ok := b.wire[topic]
	if !ok {
		return nil
	}
	delete(b.wire, topic)
	return sub.Unsubscribe()
}
