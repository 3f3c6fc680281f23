// Package mutex provides Mutex, a container that owns a value and hands out
// exclusive access to it through a non-blocking TryLock.
//
// A successful TryLock returns a Guard, the only path to the protected value.
// Releasing the guard publishes every write made through it to the next
// goroutine that acquires the mutex. Contention is reported as a false result,
// never as an error, and the mutex never blocks, spins or parks: retry and
// backoff policies belong to the caller (see package retry).
//
//	g, ok := m.TryLock()
//	if !ok {
//		return
//	}
//	defer g.Unlock()
//	g.Value().hits++
//
// A holder that panics still releases when Unlock is deferred, but the value
// is not poisoned: it may be left partially updated.
package mutex
