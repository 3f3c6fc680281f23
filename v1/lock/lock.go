package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-trylock/v1/retry"
	"github.com/mirkobrombin/go-trylock/v1/syncbus"
)

// Locker is a set of named, non-reentrant locks.
type Locker interface {
	// TryLock attempts to obtain the lock for key without waiting. A
	// positive ttl releases the lock automatically once it elapses.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire retries TryLock under the locker's policy until it succeeds,
	// the policy gives up or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees the lock for key. It returns errors.ErrNotHeld if this
	// locker does not hold key.
	Release(ctx context.Context, key string) error
}

var (
	_ Locker = (*InMemory)(nil)
	_ Locker = (*Redis)(nil)
)

type options struct {
	policy retry.Policy
	logger *slog.Logger
	bus    syncbus.Bus
}

// Option configures a Locker.
type Option func(*options)

// WithPolicy sets the retry policy used by Acquire.
func WithPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithBus publishes lock and unlock events on bus. InMemory lockers sharing a
// bus refuse keys held by their peers, and Acquire wakes up as soon as a
// release of its key is announced instead of waiting out the backoff.
func WithBus(b syncbus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// acquire calls try under the configured policy, trying again early whenever
// a release of key is announced on the bus.
func (o options) acquire(ctx context.Context, key string, try func(context.Context) (bool, error)) error {
	if o.bus == nil {
		return retry.Do(ctx, o.policy, try)
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := o.bus.Subscribe(wctx, syncbus.LocksTopic)
	if err != nil {
		return err
	}
	wake := make(chan struct{}, 1)
	go func() {
		for evt := range events {
			if evt.Key != key || evt.Held || evt.Sync {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return retry.DoWake[struct{}](ctx, o.policy, wake, try)
}

func (o options) publish(ctx context.Context, evt syncbus.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, evt); err != nil {
		o.logger.Warn("trylock: publish lock event failed", "topic", evt.Topic, "error", err)
	}
}
