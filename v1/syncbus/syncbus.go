// Package syncbus carries lock and unlock events between lockers running on
// different nodes. Delivery is best effort: a subscriber that falls behind
// drops events rather than blocking publishers.
package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the number of events a subscription holds before new
// ones are dropped.
const subscriberBuffer = 256

// LocksTopic is the topic lockers use to announce acquisitions and releases.
// Every key shares it so subscribers see one publisher's events in order.
const LocksTopic = "trylock.locks"

// Event is a single lock state change published on a topic.
type Event struct {
	Topic string `json:"-"`
	// Source identifies the publishing locker so it can ignore its own events.
	Source string `json:"s"`
	Key    string `json:"k,omitempty"`
	// Held is true when Source acquired Key and false when it released it.
	Held bool `json:"h,omitempty"`
	// TTL is how long a held event stays valid without a matching release.
	// Zero means until released.
	TTL time.Duration `json:"t,omitempty"`
	// Sync asks peers to announce every key they currently hold.
	Sync bool `json:"q,omitempty"`
}

// Bus is a topic based pub/sub used by lockers to coordinate across nodes.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

func encodeEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

func decodeEvent(topic string, payload []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, err
	}
	evt.Topic = topic
	return evt, nil
}

// fanout tracks the local subscribers of every topic and delivers events to
// them. Transports embed it and only deal with the wire. The zero value is
// ready to use.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// add registers a new subscriber channel and reports whether it is the first
// one for topic.
func (f *fanout) add(topic string) (chan Event, bool) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan Event)
	}
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left. It is a
// no-op if ch is not subscribed to topic.
func (f *fanout) remove(topic string, ch <-chan Event) (removed, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			removed = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return removed, removed
	}
	f.subs[topic] = subs
	return removed, false
}

func (f *fanout) deliver(evt Event) {
	f.mu.Lock()
	for _, ch := range f.subs[evt.Topic] {
		select {
		case ch <- evt:
			f.delivered.Add(1)
		default:
		}
	}
	f.mu.Unlock()
}

// unsubscribeOnDone removes ch once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan Event) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// Metrics returns the published and delivered counts.
func (f *fanout) Metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// InMemoryBus connects lockers living in the same process, mainly for tests
// and for several lockers sharing one process.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(evt)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.remove(topic, ch)
	return nil
}
