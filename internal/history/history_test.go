package history

import (
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
)

func snap(c, before, after string, n int64) Snapshot {
	return Snapshot{
		Collection: c,
		Before:     catalog.FilterState{Expression: before},
		After:      catalog.FilterState{Expression: after, Count: n, CountKnown: true},
	}
}

func newLog() *Log {
	t0 := time.Unix(1_700_000_000, 0)
	return New(10, func() time.Time { return t0 })
}

func TestUndoRedo_RoundTripGlobal(t *testing.T) {
	l := newLog()
	pushed, err := l.Push("run1", "combined", []Snapshot{snap("roads", "", "r1", 4), snap("buildings", "b0", "b1", 9)})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if pushed.Kind != KindGlobal || pushed.Collections()[0] != "buildings" {
		t.Fatalf("entry=%+v", pushed)
	}

	// undo through one of its collections reverts the whole entry
	u, err := l.Undo("roads")
	if err != nil || u.ID != pushed.ID || len(u.Snapshots) != 2 {
		t.Fatalf("undo=%+v err=%v", u, err)
	}
	r, err := l.Redo("")
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	for i, s := range r.Snapshots {
		if s.After != pushed.Snapshots[i].After {
			t.Fatalf("redo state %d=%+v want %+v", i, s.After, pushed.Snapshots[i].After)
		}
	}
	if a, d := l.Depth(); a != 1 || d != 0 {
		t.Fatalf("depth applied=%d undone=%d", a, d)
	}
}

func TestUndo_PerCollectionAndBlocked(t *testing.T) {
	l := newLog()
	_, _ = l.Push("r1", "", []Snapshot{snap("a", "", "a1", 1)})
	_, _ = l.Push("r2", "", []Snapshot{snap("b", "", "b1", 1)})
	_, _ = l.Push("r3", "", []Snapshot{snap("a", "a1", "a2", 1), snap("c", "", "c1", 1)})
	_, _ = l.Push("r4", "", []Snapshot{snap("c", "c1", "c2", 1)})

	e, err := l.Undo("b")
	if err != nil || e.RunID != "r2" {
		t.Fatalf("undo b: %+v %v", e, err)
	}
	// r3 covers a and c, and r4 changed c afterwards
	if _, err := l.Undo("a"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("undo a: %v", err)
	}
	if e, _ := l.Undo("c"); e.RunID != "r4" {
		t.Fatalf("undo c=%s", e.RunID)
	}
	if e, err := l.Undo("a"); err != nil || e.RunID != "r3" {
		t.Fatalf("undo a after c: %+v %v", e, err)
	}
	if _, err := l.Undo("zzz"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("unknown collection: %v", err)
	}
}

func TestPush_DiscardsRedo(t *testing.T) {
	l := newLog()
	_, _ = l.Push("r1", "", []Snapshot{snap("a", "", "a1", 1)})
	_, _ = l.Undo("")
	_, _ = l.Push("r2", "", []Snapshot{snap("b", "", "b1", 1)})
	if _, err := l.Redo(""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("redo after push: %v", err)
	}
	if _, err := l.Push("r3", "", nil); err == nil {
		t.Fatalf("empty push accepted")
	}
	if _, err := l.Push("r3", "", []Snapshot{snap("a", "", "", 0), snap("a", "", "", 0)}); err == nil {
		t.Fatalf("duplicate collection accepted")
	}
}

func TestMaxDepth(t *testing.T) {
	l := New(3, nil)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		_, _ = l.Push(id, "", []Snapshot{snap("a", "", id, 1)})
	}
	es := l.Entries()
	if len(es) != 3 || es[0].RunID != "r2" {
		t.Fatalf("entries=%+v", es)
	}
	l.SetMaxDepth(1)
	if es := l.Entries(); len(es) != 1 || es[0].RunID != "r4" {
		t.Fatalf("after shrink=%+v", es)
	}
}

func TestRestoreAndForget(t *testing.T) {
	l := newLog()
	_, _ = l.Push("r1", "", []Snapshot{snap("a", "", "a1", 1), snap("b", "", "b1", 1)})
	e, _ := l.Undo("a")
	l.Restore(e, true)
	if a, d := l.Depth(); a != 1 || d != 0 {
		t.Fatalf("restore: applied=%d undone=%d", a, d)
	}
	l.Forget("a")
	es := l.Entries()
	if len(es) != 1 || es[0].Kind != KindSingle || es[0].Snapshots[0].Collection != "b" {
		t.Fatalf("forget=%+v", es)
	}
	l.Forget("b")
	if a, _ := l.Depth(); a != 0 {
		t.Fatalf("empty entry kept")
	}
}
