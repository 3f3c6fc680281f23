package mutex

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	tlerrors "github.com/mirkobrombin/go-trylock/v1/errors"
)

func TestTryLockAfterNewSucceedsOnce(t *testing.T) {
	m := New(42)
	g, ok := m.TryLock()
	if !ok || g == nil {
		t.Fatalf("first trylock failed")
	}
	if _, ok := m.TryLock(); ok {
		t.Fatal("second trylock succeeded while held")
	}
	if v := g.Get(); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	g.Unlock()
}

func TestZeroMutexIsUnlocked(t *testing.T) {
	var m Mutex[string]
	g, ok := m.TryLock()
	if !ok {
		t.Fatal("zero mutex should be free")
	}
	defer g.Unlock()
	if g.Get() != "" {
		t.Fatalf("expected zero value, got %q", g.Get())
	}
}

func TestLivenessAfterRelease(t *testing.T) {
	m := New(0)
	a, ok := m.TryLock()
	if !ok {
		t.Fatal("trylock a failed")
	}
	a.Set(1)
	a.Unlock()

	b, ok := m.TryLock()
	if !ok {
		t.Fatal("trylock b failed after release")
	}
	defer b.Unlock()
	if v := b.Get(); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
}

func TestContentionReportedAsAbsent(t *testing.T) {
	m := New(0)
	a, ok := m.TryLock()
	if !ok {
		t.Fatal("trylock a failed")
	}
	g, ok := m.TryLock()
	if ok || g != nil {
		t.Fatalf("expected absent guard while held, got %v %v", g, ok)
	}
	a.Unlock()
	g, ok = m.TryLock()
	if !ok {
		t.Fatal("expected guard after release")
	}
	g.Unlock()
}

func TestValueMutatesInPlace(t *testing.T) {
	type counter struct{ n int }
	m := New(counter{})
	g, _ := m.TryLock()
	g.Value().n += 5
	g.Unlock()

	g, _ = m.TryLock()
	defer g.Unlock()
	if g.Get().n != 5 {
		t.Fatalf("expected 5, got %d", g.Get().n)
	}
}

func TestDoubleUnlockDoesNotReleaseNextHolder(t *testing.T) {
	m := New(0)
	a, _ := m.TryLock()
	a.Unlock()
	b, ok := m.TryLock()
	if !ok {
		t.Fatal("trylock b failed")
	}
	a.Unlock()
	if _, ok := m.TryLock(); ok {
		t.Fatal("stale unlock released a newer acquisition")
	}
	b.Unlock()
	if m.status.Load() != free {
		t.Fatal("expected mutex free")
	}
}

func TestGuardUseAfterUnlockPanics(t *testing.T) {
	m := New(1)
	g, _ := m.TryLock()
	g.Unlock()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, tlerrors.ErrGuardReleased) {
			t.Fatalf("expected ErrGuardReleased panic, got %v", r)
		}
	}()
	_ = g.Get()
}

func TestEarlyReturnReleases(t *testing.T) {
	m := New(0)
	errBoom := errors.New("boom")
	update := func() error {
		g, ok := m.TryLock()
		if !ok {
			t.Fatal("trylock failed")
		}
		defer g.Unlock()
		g.Set(1)
		if g.Get() == 1 {
			return errBoom
		}
		g.Set(2)
		return nil
	}
	if err := update(); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if m.status.Load() != free {
		t.Fatal("mutex left held after early return")
	}
}

func TestTryDoReleasesOnPanic(t *testing.T) {
	m := New(0)
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected propagated panic, got %v", r)
			}
		}()
		_, _ = m.TryDo(func(v *int) error {
			*v = 7
			panic("boom")
		})
	}()
	if m.status.Load() != free {
		t.Fatal("mutex left held after panic")
	}
	g, ok := m.TryLock()
	if !ok {
		t.Fatal("trylock failed after panic")
	}
	defer g.Unlock()
	if g.Get() != 7 {
		t.Fatalf("expected partial write 7 to survive, got %d", g.Get())
	}
}

func TestTryDo(t *testing.T) {
	m := New(0)
	errBoom := errors.New("boom")

	ran, err := m.TryDo(func(v *int) error {
		*v++
		return errBoom
	})
	if !ran || !errors.Is(err, errBoom) {
		t.Fatalf("expected ran with boom, got %v %v", ran, err)
	}

	g, _ := m.TryLock()
	ran, err = m.TryDo(func(v *int) error {
		t.Fatal("fn must not run while held")
		return nil
	})
	if ran || err != nil {
		t.Fatalf("expected contended result, got %v %v", ran, err)
	}
	if g.Get() != 1 {
		t.Fatalf("expected 1, got %d", g.Get())
	}
	g.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	const (
		workers = 8
		rounds  = 2000
	)
	m := New(0)
	var inside atomic.Int32
	var acquired atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; {
				g, ok := m.TryLock()
				if !ok {
					runtime.Gosched()
					continue
				}
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d holders inside critical section", n)
				}
				*g.Value()++
				inside.Add(-1)
				g.Unlock()
				acquired.Add(1)
				j++
			}
		}()
	}
	wg.Wait()

	g, ok := m.TryLock()
	if !ok {
		t.Fatal("trylock failed after workers finished")
	}
	defer g.Unlock()
	if got, want := g.Get(), int(acquired.Load()); got != want || want != workers*rounds {
		t.Fatalf("lost updates: counter %d, acquisitions %d", got, want)
	}
}

func TestWritesVisibleToNextHolder(t *testing.T) {
	type pair struct{ a, b, c uint64 }
	m := New(pair{})
	var wg sync.WaitGroup
	const workers = 6
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; {
				g, ok := m.TryLock()
				if !ok {
					runtime.Gosched()
					continue
				}
				p := g.Value()
				if p.a != p.b || p.b != p.c {
					t.Errorf("torn value observed: %+v", *p)
				}
				p.a++
				p.b++
				p.c++
				g.Unlock()
				j++
			}
		}()
	}
	wg.Wait()
	g, _ := m.TryLock()
	defer g.Unlock()
	if p := g.Get(); p.a != workers*1000 || p.a != p.b || p.b != p.c {
		t.Fatalf("unexpected final value %+v", p)
	}
}

func BenchmarkTryLockUncontended(b *testing.B) {
	m := New(0)
	for i := 0; i < b.N; i++ {
		g, _ := m.TryLock()
		g.Unlock()
	}
}

func BenchmarkTryLockCrowded(b *testing.B) {
	mxs := make([]*Mutex[int], 128)
	for i := range mxs {
		mxs[i] = New(0)
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if g, ok := mxs[i%len(mxs)].TryLock(); ok {
				*g.Value()++
				g.Unlock()
			}
			i++
		}
	})
}
