// Package history keeps the undo/redo log of applied filters. Single
// entries cover one collection; global entries cover every collection of
// a combined run and are undone and redone as a unit.
package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

var (
	ErrEmpty = errors.New("nothing to undo or redo")
	// ErrBlocked is returned when a later entry touches one of the
	// collections of the entry being moved.
	ErrBlocked = errors.New("a later filter on an affected collection must be reverted first")
)

type Kind string

const (
	KindSingle Kind = "single"
	KindGlobal Kind = "global"
)

// Snapshot is one collection's filter state before and after an apply.
type Snapshot struct {
	Collection string
	Before     catalog.FilterState
	After      catalog.FilterState
}

type Entry struct {
	ID          uint64
	Kind        Kind
	RunID       string
	Description string
	At          time.Time
	Snapshots   []Snapshot
}

func (e Entry) Collections() []string {
	out := make([]string, 0, len(e.Snapshots))
	for _, s := range e.Snapshots {
		out = append(out, s.Collection)
	}
	return out
}

func (e Entry) touches(c string) bool {
	for _, s := range e.Snapshots {
		if s.Collection == c {
			return true
		}
	}
	return false
}

func (e Entry) overlaps(o Entry) bool {
	for _, s := range e.Snapshots {
		if o.touches(s.Collection) {
			return true
		}
	}
	return false
}

// Log is one ordered list of applied entries plus the entries undone
// since the last push. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	applied  []Entry
	undone   []Entry // top of the redo stack is the last element
	maxDepth int
	now      func() time.Time
	nextID   atomic.Uint64
}

func New(maxDepth int, now func() time.Time) *Log {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	if now == nil {
		now = time.Now
	}
	return &Log{maxDepth: maxDepth, now: now}
}

// Push records an applied run. More than one snapshot makes a global
// entry. The redo stack is discarded.
func (l *Log) Push(runID, description string, snaps []Snapshot) (Entry, error) {
	if len(snaps) == 0 {
		return Entry{}, fmt.Errorf("%w: history entry without collections", model.ErrInput)
	}
	seen := make(map[string]struct{}, len(snaps))
	for _, s := range snaps {
		if _, dup := seen[s.Collection]; dup {
			return Entry{}, fmt.Errorf("%w: collection %q snapshotted twice", model.ErrInput, s.Collection)
		}
		seen[s.Collection] = struct{}{}
	}
	e := Entry{
		ID:          l.nextID.Add(1),
		Kind:        KindSingle,
		RunID:       runID,
		Description: description,
		Snapshots:   append([]Snapshot(nil), snaps...),
	}
	if len(snaps) > 1 {
		e.Kind = KindGlobal
	}
	sort.Slice(e.Snapshots, func(i, j int) bool { return e.Snapshots[i].Collection < e.Snapshots[j].Collection })

	l.mu.Lock()
	defer l.mu.Unlock()
	e.At = l.now()
	l.applied = append(l.applied, e)
	if over := len(l.applied) - l.maxDepth; over > 0 {
		l.applied = append([]Entry(nil), l.applied[over:]...)
	}
	l.undone = nil
	l.report()
	return e, nil
}

// Undo moves the newest entry touching collection to the redo stack and
// returns it; the caller restores each snapshot's Before state. An empty
// collection picks the newest entry of any kind.
func (l *Log) Undo(collection string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, err := pick(l.applied, collection)
	if err != nil {
		return Entry{}, err
	}
	e := l.applied[i]
	l.applied = append(l.applied[:i:i], l.applied[i+1:]...)
	l.undone = append(l.undone, e)
	l.report()
	return e, nil
}

// Redo reapplies the most recently undone entry touching collection; the
// caller restores each snapshot's After state.
func (l *Log) Redo(collection string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, err := pick(l.undone, collection)
	if err != nil {
		return Entry{}, err
	}
	e := l.undone[i]
	l.undone = append(l.undone[:i:i], l.undone[i+1:]...)
	l.applied = append(l.applied, e)
	l.report()
	return e, nil
}

// Restore puts an entry back where it was taken from when the caller
// could not apply the snapshots it returned.
func (l *Log) Restore(e Entry, undone bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if undone {
		l.undone = remove(l.undone, e.ID)
		l.applied = append(l.applied, e)
	} else {
		l.applied = remove(l.applied, e.ID)
		l.undone = append(l.undone, e)
	}
	l.report()
}

// pick finds the newest entry touching collection in stack. The entry may
// only move when no newer one overlaps any of its collections.
func pick(stack []Entry, collection string) (int, error) {
	if len(stack) == 0 {
		return 0, ErrEmpty
	}
	if collection == "" {
		return len(stack) - 1, nil
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if !stack[i].touches(collection) {
			continue
		}
		for _, newer := range stack[i+1:] {
			if newer.overlaps(stack[i]) {
				return 0, fmt.Errorf("%w: entry %d", ErrBlocked, newer.ID)
			}
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w for %q", ErrEmpty, collection)
}

func remove(stack []Entry, id uint64) []Entry {
	out := stack[:0]
	for _, e := range stack {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// SetMaxDepth trims the oldest applied entries beyond n.
func (l *Log) SetMaxDepth(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxDepth = n
	if over := len(l.applied) - n; over > 0 {
		l.applied = append([]Entry(nil), l.applied[over:]...)
	}
	l.report()
}

// Depth returns the number of applied and undone entries.
func (l *Log) Depth() (applied, undone int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied), len(l.undone)
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.applied...)
}

// Forget removes a collection from every entry, dropping entries left
// empty. Used when a collection leaves the catalog.
func (l *Log) Forget(collection string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = forget(l.applied, collection)
	l.undone = forget(l.undone, collection)
	l.report()
}

func forget(stack []Entry, collection string) []Entry {
	out := stack[:0]
	for _, e := range stack {
		snaps := e.Snapshots[:0:0]
		for _, s := range e.Snapshots {
			if s.Collection != collection {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) == 0 {
			continue
		}
		e.Snapshots = snaps
		if len(snaps) == 1 {
			e.Kind = KindSingle
		}
		out = append(out, e)
	}
	return out
}

func (l *Log) report() {
	observability.SetHistoryDepth(len(l.applied))
}
