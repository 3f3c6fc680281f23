package mutex

import (
	"sync/atomic"

	tlerrors "github.com/mirkobrombin/go-trylock/v1/errors"
)

// Guard is the exclusive handle returned by a successful TryLock. It does not
// own the value; every access forwards to the Mutex it came from.
//
// A Guard must be released exactly once with Unlock, usually deferred right
// after TryLock. Using it afterwards panics with errors.ErrGuardReleased.
type Guard[T any] struct {
	_        noCopy
	m        *Mutex[T]
	released atomic.Bool
}

// Get returns a copy of the protected value.
func (g *Guard[T]) Get() T {
	g.check()
	return g.m.value
}

// Set replaces the protected value.
func (g *Guard[T]) Set(v T) {
	g.check()
	g.m.value = v
}

// Value returns a pointer to the protected value. The pointer must not be
// retained past Unlock.
func (g *Guard[T]) Value() *T {
	g.check()
	return &g.m.value
}

// Unlock releases the mutex. Only the first call has an effect, so a deferred
// Unlock can safely follow an explicit one.
func (g *Guard[T]) Unlock() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.m.unlock()
}

func (g *Guard[T]) check() {
	if g.released.Load() {
		panic(tlerrors.ErrGuardReleased)
	}
}
