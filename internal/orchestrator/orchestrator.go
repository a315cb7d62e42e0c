// Package orchestrator runs filter requests: it prepares the source
// geometry once, picks a backend per target, builds and merges the
// expressions, applies them together and records one history entry.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/cache"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/filterevents"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/history"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/structures"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive"
)

type Config struct {
	Workers      int
	JobRetention time.Duration
	PingTimeout  time.Duration
	MaxPrecision int // part of the geometry cache key
}

// Deps are the collaborators of a run. Structures and Events are optional.
type Deps struct {
	Catalog    *catalog.Catalog
	Backends   *backend.Registry
	Selector   adaptive.Selector
	Structures *structures.Manager
	Caches     *cache.Set
	Preparer   *geometry.Preparer
	History    *history.Log
	Events     filterevents.Publisher
	Log        zerolog.Logger
	Now        func() time.Time
}

type Orchestrator struct {
	cfg Config
	d   Deps
	log zerolog.Logger

	jobsMu sync.Mutex
	jobs   map[string]*Job
	wg     sync.WaitGroup
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Catalog == nil || d.Backends == nil || d.Selector == nil || d.Caches == nil || d.Preparer == nil || d.History == nil {
		return nil, errors.New("orchestrator: catalog, backends, selector, caches, preparer and history are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 30 * time.Minute
	}
	if d.Events == nil {
		d.Events = filterevents.Noop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	o := &Orchestrator{
		cfg:  cfg,
		d:    d,
		log:  d.Log.With().Str("component", "orchestrator").Logger(),
		jobs: map[string]*Job{},
	}
	d.Catalog.Subscribe(o.onChange)
	if d.Structures != nil {
		d.Structures.PinWith(o.referenced)
	}
	return o, nil
}

// referenced reports whether a current filter or a history snapshot names
// the structure, so undo keeps working after the data moved on.
func (o *Orchestrator) referenced(name string) bool {
	q := `"` + name + `"`
	for _, c := range o.d.Catalog.List() {
		if strings.Contains(c.Filter.Expression, q) {
			return true
		}
	}
	for _, e := range o.d.History.Entries() {
		for _, sn := range e.Snapshots {
			if strings.Contains(sn.Before.Expression, q) || strings.Contains(sn.After.Expression, q) {
				return true
			}
		}
	}
	return false
}

// sweep drops retired structures nothing references after a filter change.
func (o *Orchestrator) sweep(ctx context.Context) {
	if o.d.Structures == nil {
		return
	}
	if dropped := o.d.Structures.Sweep(context.WithoutCancel(ctx)); len(dropped) > 0 {
		logger.FromContext(ctx, &o.log).Debug().Strs("structures", dropped).Msg("retired_structures_dropped")
	}
}

func (o *Orchestrator) now() time.Time { return o.d.Now() }

// onChange drops everything derived from a collection whose data, backend
// or membership changed.
func (o *Orchestrator) onChange(ch catalog.Change) {
	n := o.d.Caches.InvalidateCollection(ch.Collection)
	// a removed collection's history no longer pins its structures
	if ch.Op == catalog.OpRemove {
		o.d.History.Forget(ch.Collection)
	}
	dropped := 0
	if o.d.Structures != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		dropped = o.d.Structures.ForgetCollection(ctx, ch.Collection)
		cancel()
	}
	o.log.Info().
		Str("collection", ch.Collection).
		Str("op", string(ch.Op)).
		Int64("version", ch.Version).
		Int("cache_entries", n).
		Int("structures", dropped).
		Msg("collection_invalidated")
}

// fallbackOf points a collection at its fallback file.
func fallbackOf(col catalog.Collection) catalog.Collection {
	fb := col
	fb.Kind = model.BackendOGR
	fb.Path = col.Fallback
	fb.Schema, fb.Table = "", ""
	return fb
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
