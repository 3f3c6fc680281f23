package mutex

import "sync/atomic"

const (
	free uint32 = iota
	held
)

// noCopy may be embedded into structs which must not be copied after first
// use. See https://golang.org/issues/8005#issuecomment-190753527.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Mutex owns a value of type T and allows at most one Guard over it at a time.
//
// The zero Mutex is unlocked and holds the zero T. A Mutex must not be copied
// after first use.
type Mutex[T any] struct {
	_      noCopy
	status atomic.Uint32
	value  T
}

// New returns an unlocked Mutex holding v.
func New[T any](v T) *Mutex[T] {
	return &Mutex[T]{value: v}
}

// TryLock attempts to acquire the mutex without waiting. On success it returns
// a Guard that must be released with Unlock. If the mutex is already held it
// returns nil and false and has no other effect.
func (m *Mutex[T]) TryLock() (*Guard[T], bool) {
	if !m.status.CompareAndSwap(free, held) {
		return nil, false
	}
	return &Guard[T]{m: m}, true
}

// TryDo attempts to acquire the mutex once and, on success, calls fn with a
// pointer to the protected value. The mutex is released when fn returns or
// panics; a panic is propagated after the release.
//
// It reports whether fn ran, together with the error fn returned.
func (m *Mutex[T]) TryDo(fn func(v *T) error) (bool, error) {
	g, ok := m.TryLock()
	if !ok {
		return false, nil
	}
	defer g.Unlock()
	return true, fn(&m.value)
}

func (m *Mutex[T]) unlock() {
	m.status.Store(free)
}
