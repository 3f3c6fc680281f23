package errors

import "errors"

var (
	// ErrGuardReleased is the panic value raised when a guard is used after Unlock.
	ErrGuardReleased = errors.New("trylock: guard used after unlock")
	// ErrContended is returned when a retry policy runs out of attempts.
	ErrContended = errors.New("trylock: lock contended")
	// ErrTimeout is returned when the context ends before the lock is acquired.
	ErrTimeout = errors.New("trylock: timeout")
	// ErrNotHeld is returned when releasing a key the locker does not hold.
	ErrNotHeld = errors.New("trylock: lock not held")
)
