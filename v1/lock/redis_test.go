package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	tlerrors "github.com/mirkobrombin/go-trylock/v1/errors"
	"github.com/mirkobrombin/go-trylock/v1/retry"
)

func newRedisLocker(t *testing.T, opts ...Option) (*Redis, *miniredis.Miniredis, context.Context, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedis(client, opts...)
	ctx := context.Background()
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return locker, mr, ctx, cleanup
}

func TestRedisTryLockAcquireRelease(t *testing.T) {
	l, _, ctx, cleanup := newRedisLocker(t)
	defer cleanup()

	if err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := l.TryLock(ctx, "k", time.Second); err != nil || ok {
		t.Fatalf("expected lock held, ok %v err %v", ok, err)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	l.mu.Lock()
	if _, ok := l.tokens["k"]; ok {
		t.Fatal("token not cleaned up on release")
	}
	l.mu.Unlock()

	ok, err := l.TryLock(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, "k"); !errors.Is(err, tlerrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}

func TestRedisAcquireTimeout(t *testing.T) {
	l1, _, ctx, cleanup := newRedisLocker(t)
	defer cleanup()
	l2 := NewRedis(l1.client, WithPolicy(retry.Policy{Max: time.Millisecond}))

	if ok, err := l1.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("initial trylock: %v ok %v", err, ok)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l2.Acquire(cctx, "k", 0); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("acquire did not respect context timeout")
	}
}

func TestRedisReleaseAfterExpiryLeavesNewHolder(t *testing.T) {
	l1, mr, ctx, cleanup := newRedisLocker(t)
	defer cleanup()
	l2 := NewRedis(l1.client)

	if ok, err := l1.TryLock(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	mr.FastForward(2 * time.Second)
	if ok, err := l2.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("expected expired lock to be free, ok %v err %v", ok, err)
	}
	if err := l1.Release(ctx, "k"); !errors.Is(err, tlerrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for lost lock, got %v", err)
	}
	if !mr.Exists("k") {
		t.Fatal("stale release deleted the new holder's lock")
	}
	if err := l2.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisTryLockBackendError(t *testing.T) {
	l, mr, ctx, cleanup := newRedisLocker(t)
	defer cleanup()
	mr.SetError("boom")
	if ok, err := l.TryLock(ctx, "k", 0); err == nil || ok {
		t.Fatalf("expected backend error, ok %v err %v", ok, err)
	}
}
