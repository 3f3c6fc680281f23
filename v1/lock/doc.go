// Package lock provides keyed lockers built on the same try-acquire contract
// as package mutex: TryLock tries once and reports contention as false,
// Acquire layers a retry policy on top, and Release frees the key. InMemory
// coordinates goroutines of one process, or several processes when they share
// a syncbus.Bus through WithBus. Redis coordinates processes sharing a Redis
// server. Locks can carry an optional TTL so a lost holder cannot keep a
// key forever.
package lock
