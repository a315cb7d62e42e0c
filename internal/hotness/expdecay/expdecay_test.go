package expdecay

import (
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTracker(hl time.Duration) (*Tracker, *fakeClock) {
	fc := &fakeClock{now: time.Unix(0, 0).UTC()}
	return NewWithClock(hl, fc.Now), fc
}

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func TestInc_Accumulates(t *testing.T) {
	tr, _ := newTracker(time.Minute)
	for i := 1; i <= 3; i++ {
		tr.Inc("parcels")
		almostEq(t, tr.Score("parcels"), float64(i), 1e-9)
	}
	if tr.Score("") != 0 || tr.Score("roads") != 0 {
		t.Fatalf("unknown keys must score 0")
	}
}

func TestHalfLife_DecaysByHalf(t *testing.T) {
	hl := 2 * time.Second
	tr, fc := newTracker(hl)

	tr.Inc("parcels")
	fc.Add(hl)
	almostEq(t, tr.Score("parcels"), 0.5, 1e-6)
	fc.Add(hl)
	almostEq(t, tr.Score("parcels"), 0.25, 1e-6)

	// the decayed score carries into the next increment
	tr.Inc("parcels")
	almostEq(t, tr.Score("parcels"), 1.25, 1e-6)
}

func TestConcurrentInc(t *testing.T) {
	tr, _ := newTracker(time.Minute)
	const n = 256
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			tr.Inc("buildings")
			wg.Done()
		}()
	}
	wg.Wait()
	almostEq(t, tr.Score("buildings"), n, 1e-9)
}

func TestResetAndPrune(t *testing.T) {
	tr, fc := newTracker(time.Second)
	tr.Inc("a")
	tr.Inc("b")
	tr.Reset("a")
	if tr.Score("a") != 0 || tr.Score("b") <= 0 {
		t.Fatalf("reset touched the wrong key")
	}

	tr.Inc("c")
	fc.Add(10 * time.Second)
	tr.Inc("c")
	if got := tr.Prune(0.01); got != 1 {
		t.Fatalf("pruned=%d want 1", got)
	}
	if tr.Size() != 1 {
		t.Fatalf("size=%d want 1", tr.Size())
	}
}

func TestDecay_Edges(t *testing.T) {
	if got := decay(0, 10, 60); got != 0 {
		t.Fatalf("got %g", got)
	}
	if got := decay(5, 0, 60); got != 5 {
		t.Fatalf("got %g", got)
	}
	if got := decay(5, 10, 0); got != 5 {
		t.Fatalf("got %g", got)
	}
}
