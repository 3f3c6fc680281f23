package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	tlerrors "github.com/mirkobrombin/go-trylock/v1/errors"
	"github.com/mirkobrombin/go-trylock/v1/mutex"
	"github.com/mirkobrombin/go-trylock/v1/syncbus"
)

// pumpInterval is how often pending bus events are applied when the locker
// is idle.
const pumpInterval = 5 * time.Millisecond

type lockState struct {
	timer    *time.Timer
	deadline time.Time
}

// remoteHold records a key announced as held by another locker on the bus.
type remoteHold struct {
	source string
	timer  *time.Timer
}

// InMemory implements Locker with one mutex.Mutex per key. Slots are created
// on first use and kept for the lifetime of the locker.
//
// With WithBus, lock and unlock events are propagated so several InMemory
// lockers, possibly on different nodes, refuse keys held by each other. A
// locker joining the bus asks its peers to announce what they hold. The
// coordination is eventually consistent: two lockers probing the same key
// before either event arrives can both succeed. Use Redis when that matters.
type InMemory struct {
	id     string
	opts   options
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	slots  map[string]*mutex.Mutex[lockState]
	held   map[string]*mutex.Guard[lockState]
	remote map[string]*remoteHold
	events <-chan syncbus.Event
}

// NewInMemory returns a new in-memory locker.
func NewInMemory(opts ...Option) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	l := &InMemory{
		id:     uuid.NewString(),
		opts:   newOptions(opts),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[string]*mutex.Mutex[lockState]),
		held:   make(map[string]*mutex.Guard[lockState]),
		remote: make(map[string]*remoteHold),
	}
	if err := l.join(); err != nil {
		l.opts.logger.Warn("trylock: bus subscribe failed, retrying on next use", "error", err)
	}
	return l
}

// Close stops listening to the bus. Locks held by l are not released.
func (l *InMemory) Close() {
	l.cancel()
}

func (l *InMemory) slot(key string) *mutex.Mutex[lockState] {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = mutex.New(lockState{})
		l.slots[key] = s
	}
	return s
}

// join subscribes to the locks topic once and asks peers for their holds.
func (l *InMemory) join() error {
	if l.opts.bus == nil || l.ctx.Err() != nil {
		return nil
	}
	l.mu.Lock()
	joined := l.events != nil
	l.mu.Unlock()
	if joined {
		return nil
	}

	ch, err := l.opts.bus.Subscribe(l.ctx, syncbus.LocksTopic)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.events != nil {
		l.mu.Unlock()
		return l.opts.bus.Unsubscribe(l.ctx, syncbus.LocksTopic, ch)
	}
	l.events = ch
	l.mu.Unlock()

	go l.pump()
	l.opts.publish(l.ctx, syncbus.Event{Topic: syncbus.LocksTopic, Source: l.id, Sync: true})
	return nil
}

func (l *InMemory) pump() {
	t := time.NewTicker(pumpInterval)
	defer t.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
			l.refresh(l.ctx)
		}
	}
}

// refresh applies pending bus events and answers the peers asking for holds.
func (l *InMemory) refresh(ctx context.Context) {
	l.mu.Lock()
	replies := l.drainLocked()
	l.mu.Unlock()
	for _, evt := range replies {
		l.opts.publish(ctx, evt)
	}
}

// drainLocked applies every event already delivered. Events are only
// received with l.mu held, so a TryLock never misses one that is in flight.
func (l *InMemory) drainLocked() []syncbus.Event {
	var replies []syncbus.Event
	for l.events != nil {
		select {
		case evt, ok := <-l.events:
			if !ok {
				l.events = nil
				return replies
			}
			replies = append(replies, l.applyLocked(evt)...)
		default:
			return replies
		}
	}
	return replies
}

func (l *InMemory) applyLocked(evt syncbus.Event) []syncbus.Event {
	if evt.Source == l.id {
		return nil
	}
	switch {
	case evt.Sync:
		var replies []syncbus.Event
		for key, g := range l.held {
			var ttl time.Duration
			if d := g.Value().deadline; !d.IsZero() {
				if ttl = time.Until(d); ttl <= 0 {
					continue
				}
			}
			replies = append(replies, syncbus.Event{Topic: syncbus.LocksTopic, Source: l.id, Key: key, Held: true, TTL: ttl})
		}
		return replies
	case evt.Held:
		if prev, ok := l.remote[evt.Key]; ok && prev.timer != nil {
			prev.timer.Stop()
		}
		h := &remoteHold{source: evt.Source}
		if evt.TTL > 0 {
			key := evt.Key
			h.timer = time.AfterFunc(evt.TTL, func() {
				l.dropRemote(key, h)
			})
		}
		l.remote[evt.Key] = h
	default:
		if prev, ok := l.remote[evt.Key]; ok && prev.source == evt.Source {
			if prev.timer != nil {
				prev.timer.Stop()
			}
			delete(l.remote, evt.Key)
		}
	}
	return nil
}

// dropRemote forgets h only if it is still the recorded holder of key.
func (l *InMemory) dropRemote(key string, h *remoteHold) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote[key] == h {
		delete(l.remote, key)
	}
}

// TryLock attempts to obtain the lock without waiting. It returns true on success.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := l.join(); err != nil {
		return false, err
	}
	l.mu.Lock()
	replies := l.drainLocked()
	_, busy := l.remote[key]
	l.mu.Unlock()
	for _, evt := range replies {
		l.opts.publish(ctx, evt)
	}
	if busy {
		return false, nil
	}

	g, ok := l.slot(key).TryLock()
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.held[key] = g
	if ttl > 0 {
		g.Value().deadline = time.Now().Add(ttl)
		g.Value().timer = time.AfterFunc(ttl, func() {
			l.expire(key, g)
		})
	}
	l.mu.Unlock()
	l.opts.publish(ctx, syncbus.Event{Topic: syncbus.LocksTopic, Source: l.id, Key: key, Held: true, TTL: ttl})
	return true, nil
}

// Acquire retries TryLock until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	return l.opts.acquire(ctx, key, func(ctx context.Context) (bool, error) {
		return l.TryLock(ctx, key, ttl)
	})
}

// Release frees the lock for the given key.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	g, ok := l.held[key]
	if ok {
		delete(l.held, key)
		if t := g.Value().timer; t != nil {
			t.Stop()
		}
	}
	l.mu.Unlock()
	if !ok {
		return tlerrors.ErrNotHeld
	}
	g.Unlock()
	l.opts.publish(ctx, syncbus.Event{Topic: syncbus.LocksTopic, Source: l.id, Key: key})
	return nil
}

// expire releases key only if g is still the acquisition holding it.
func (l *InMemory) expire(key string, g *mutex.Guard[lockState]) {
	l.mu.Lock()
	if l.held[key] != g {
		l.mu.Unlock()
		return
	}
	delete(l.held, key)
	l.mu.Unlock()
	l.opts.logger.Debug("trylock: lock ttl expired", "key", key)
	g.Unlock()
	l.opts.publish(context.Background(), syncbus.Event{Topic: syncbus.LocksTopic, Source: l.id, Key: key})
}
