// Package catalog keeps the collections the engine can filter, their
// backend descriptors and the filter currently applied to each.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

const sridWGS84 = 4326

// FilterState is what a collection currently shows.
type FilterState struct {
	Expression  string
	Count       int64
	CountKnown  bool
	Description string
	UpdatedAt   time.Time
}

type Collection struct {
	ID         string
	Kind       model.BackendKind
	Schema     string
	Table      string
	GeomColumn string
	PKColumn   string
	SRID       int
	Path       string // file layers
	Override   model.BackendKind
	Fallback   string // file source used when the primary backend is unavailable

	Estimate      int64
	EstimateKnown bool
	EstimateExact bool
	Version       int64
	Filter        FilterState
}

func (c Collection) Geographic() bool { return c.SRID == sridWGS84 }

// Descriptor is the selector's view of the collection.
func (c Collection) Descriptor(available bool) model.BackendDescriptor {
	src := c.Path
	if src == "" {
		src = strings.TrimPrefix(c.Schema+"."+c.Table, ".")
	}
	return model.BackendDescriptor{
		Collection:    c.ID,
		Kind:          c.Kind,
		Source:        src,
		Estimate:      c.Estimate,
		EstimateExact: c.EstimateExact,
		Geographic:    c.Geographic(),
		Available:     available,
		HasFallback:   c.Fallback != "",
		Override:      c.Override,
	}
}

type ChangeOp string

const (
	OpEdit           ChangeOp = "edit"
	OpRemove         ChangeOp = "remove"
	OpBackendChanged ChangeOp = "backend_changed"
)

type Change struct {
	Collection string
	Op         ChangeOp
	Version    int64
}

type Catalog struct {
	mu        sync.RWMutex
	cols      map[string]*Collection
	locks     map[string]*sync.Mutex
	listeners []func(Change)
	now       func() time.Time
}

func New() *Catalog {
	return &Catalog{
		cols:  map[string]*Collection{},
		locks: map[string]*sync.Mutex{},
		now:   time.Now,
	}
}

// Subscribe registers fn for edit, removal and backend changes. Listeners
// run synchronously after the catalog lock is released.
func (c *Catalog) Subscribe(fn func(Change)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Catalog) Register(col Collection) error {
	col.ID = strings.TrimSpace(col.ID)
	if col.ID == "" {
		return fmt.Errorf("%w: collection id is required", model.ErrInput)
	}
	if !col.Kind.Valid() {
		return fmt.Errorf("%w: collection %q has unknown backend %q", model.ErrInput, col.ID, col.Kind)
	}
	if col.Override != "" && !col.Override.Valid() {
		return fmt.Errorf("%w: collection %q has unknown override %q", model.ErrInput, col.ID, col.Override)
	}
	if col.GeomColumn == "" {
		col.GeomColumn = "geom"
	}
	if col.PKColumn == "" {
		col.PKColumn = "fid"
	}
	if col.Table == "" && col.Path == "" {
		col.Table = col.ID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cols[col.ID]; ok {
		return fmt.Errorf("%w: collection %q already registered", model.ErrInput, col.ID)
	}
	c.cols[col.ID] = &col
	c.locks[col.ID] = &sync.Mutex{}
	return nil
}

func (c *Catalog) Get(id string) (Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.cols[id]
	if !ok {
		return Collection{}, fmt.Errorf("%w: collection %q", model.ErrNotFound, id)
	}
	return *col, nil
}

func (c *Catalog) List() []Collection {
	c.mu.RLock()
	out := make([]Collection, 0, len(c.cols))
	for _, col := range c.cols {
		out = append(out, *col)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	col, ok := c.cols[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: collection %q", model.ErrNotFound, id)
	}
	delete(c.cols, id)
	delete(c.locks, id)
	ch := Change{Collection: id, Op: OpRemove, Version: col.Version + 1}
	ls := c.listeners
	c.mu.Unlock()
	notify(ls, ch)
	return nil
}

// Edited records that the collection's data changed. The estimate is
// cleared so the next selection refreshes it.
func (c *Catalog) Edited(id string) error {
	ch, ls, err := c.mutate(id, OpEdit, func(col *Collection) {
		col.EstimateKnown = false
		col.EstimateExact = false
	})
	if err != nil {
		return err
	}
	notify(ls, ch)
	return nil
}

// SetOverride forces a backend for the collection; the empty kind clears it.
func (c *Catalog) SetOverride(id string, k model.BackendKind) error {
	if k != "" && !k.Valid() {
		return fmt.Errorf("%w: unknown backend %q", model.ErrInput, k)
	}
	ch, ls, err := c.mutate(id, OpBackendChanged, func(col *Collection) {
		col.Override = k
	})
	if err != nil {
		return err
	}
	notify(ls, ch)
	return nil
}

// BackendChanged is an external notice that the collection moved backend.
func (c *Catalog) BackendChanged(id string) error {
	ch, ls, err := c.mutate(id, OpBackendChanged, func(col *Collection) {
		col.EstimateKnown = false
	})
	if err != nil {
		return err
	}
	notify(ls, ch)
	return nil
}

func (c *Catalog) mutate(id string, op ChangeOp, fn func(*Collection)) (Change, []func(Change), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.cols[id]
	if !ok {
		return Change{}, nil, fmt.Errorf("%w: collection %q", model.ErrNotFound, id)
	}
	fn(col)
	col.Version++
	return Change{Collection: id, Op: op, Version: col.Version}, c.listeners, nil
}

func (c *Catalog) SetEstimate(id string, n int64, exact bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.cols[id]
	if !ok {
		return fmt.Errorf("%w: collection %q", model.ErrNotFound, id)
	}
	col.Estimate, col.EstimateKnown, col.EstimateExact = n, true, exact
	return nil
}

func (c *Catalog) Filter(id string) (FilterState, error) {
	col, err := c.Get(id)
	if err != nil {
		return FilterState{}, err
	}
	return col.Filter, nil
}

func (c *Catalog) SetFilter(id string, f FilterState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.cols[id]
	if !ok {
		return fmt.Errorf("%w: collection %q", model.ErrNotFound, id)
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = c.now()
	}
	col.Filter = f
	return nil
}

// Lock takes the per-collection locks of ids in sorted order and returns
// the function releasing them. Unknown ids are reported before any lock
// is taken.
func (c *Catalog) Lock(ids ...string) (func(), error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	c.mu.RLock()
	ms := make([]*sync.Mutex, 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		m, ok := c.locks[id]
		if !ok {
			c.mu.RUnlock()
			return nil, fmt.Errorf("%w: collection %q", model.ErrNotFound, id)
		}
		ms = append(ms, m)
	}
	c.mu.RUnlock()
	for _, m := range ms {
		m.Lock()
	}
	return func() {
		for i := len(ms) - 1; i >= 0; i-- {
			ms[i].Unlock()
		}
	}, nil
}

func notify(ls []func(Change), ch Change) {
	for _, fn := range ls {
		fn(ch)
	}
}
