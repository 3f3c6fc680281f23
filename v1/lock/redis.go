package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	tlerrors "github.com/mirkobrombin/go-trylock/v1/errors"
	"github.com/mirkobrombin/go-trylock/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Locker using a Redis backend. Each acquisition stores a
// random token so Release never deletes a lock taken by someone else. Redis
// is the authority on who holds a key; a bus set with WithBus only lets
// waiting Acquire calls wake up when a release is announced.
type Redis struct {
	id     string
	client *redis.Client
	opts   options

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{id: uuid.NewString(), client: client, opts: newOptions(opts), tokens: make(map[string]string)}
}

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
		r.opts.publish(ctx, syncbus.Event{Topic: syncbus.LocksTopic, Key: key, Source: r.id, Held: true, TTL: ttl})
	}
	return ok, nil
}

// Acquire retries TryLock until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	return r.opts.acquire(ctx, key, func(ctx context.Context) (bool, error) {
		return r.TryLock(ctx, key, ttl)
	})
}

// Release frees the lock for the given key. If the lock expired and was taken
// by another holder, it is left alone and errors.ErrNotHeld is returned.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return tlerrors.ErrNotHeld
	}
	n, err := delScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.tokens[key] == token {
		delete(r.tokens, key)
	}
	r.mu.Unlock()
	if n == 0 {
		r.opts.logger.Warn("trylock: redis lock lost before release", "key", key)
		return tlerrors.ErrNotHeld
	}
	r.opts.publish(ctx, syncbus.Event{Topic: syncbus.LocksTopic, Key: key, Source: r.id})
	return nil
}
