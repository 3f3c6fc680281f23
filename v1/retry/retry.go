// Package retry layers waiting policies on top of non-blocking try-locks.
// The mutex itself never blocks; callers that want to wait for it compose
// this package instead.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	tlerrors "github.com/mirkobrombin/go-trylock/v1/errors"
)

const (
	defaultMin    = time.Microsecond
	defaultMax    = 10 * time.Millisecond
	defaultFactor = 2
)

// Policy describes how long to wait between acquisition attempts.
type Policy struct {
	// Min is the first delay. Defaults to one microsecond.
	Min time.Duration
	// Max caps the delay. Defaults to ten milliseconds.
	Max time.Duration
	// Factor multiplies the delay after each failed attempt. Defaults to 2.
	Factor float64
	// Jitter randomizes each delay.
	Jitter bool
	// Attempts bounds the number of tries. Zero or less means unlimited.
	Attempts int
}

func (p Policy) backoff() *backoff.Backoff {
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}
	if b.Min <= 0 {
		b.Min = defaultMin
	}
	if b.Max <= 0 {
		b.Max = defaultMax
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor <= 0 {
		b.Factor = defaultFactor
	}
	return b
}

// Do calls try until it reports success, backing off between attempts.
//
// It returns the first error try returns, errors.ErrTimeout wrapping the
// context error once ctx is done, or errors.ErrContended when the policy runs
// out of attempts.
func Do(ctx context.Context, p Policy, try func(ctx context.Context) (bool, error)) error {
	return DoWake[struct{}](ctx, p, nil, try)
}

// DoWake behaves like Do but also tries again as soon as wake delivers a
// value, resetting the backoff. A nil or closed wake channel only disables
// the early wakeups.
func DoWake[E any](ctx context.Context, p Policy, wake <-chan E, try func(ctx context.Context) (bool, error)) error {
	b := p.backoff()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", tlerrors.ErrTimeout, err)
		}
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if p.Attempts > 0 && attempt >= p.Attempts {
			return fmt.Errorf("%w after %d attempts", tlerrors.ErrContended, attempt)
		}
		d := b.Duration()
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		select {
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
			b.Reset()
			timer.Stop()
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", tlerrors.ErrTimeout, ctx.Err())
		}
	}
}

// TryLocker is anything offering a single non-blocking acquisition attempt that
// yields a handle G, such as *mutex.Mutex[T].
type TryLocker[G any] interface {
	TryLock() (G, bool)
}

// Acquire tries l under policy p until it yields a handle or Do gives up.
func Acquire[G any](ctx context.Context, l TryLocker[G], p Policy) (G, error) {
	var g G
	err := Do(ctx, p, func(context.Context) (bool, error) {
		var ok bool
		g, ok = l.TryLock()
		return ok, nil
	})
	if err != nil {
		var zero G
		return zero, err
	}
	return g, nil
}
