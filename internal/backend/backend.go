// Package backend defines how the engine talks to a collection's storage and
// keeps the dispatch table from backend kind to implementation.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
)

type Feature struct {
	ID    string
	Geom  orb.Geometry
	Attrs map[string]any
}

// Query narrows Features. Zero value means every feature.
type Query struct {
	IDs   []string
	Bound *orb.Bound // in the collection's SRID
}

type Backend interface {
	Kind() model.BackendKind
	Dialect() expr.Dialect
	Ping(ctx context.Context) error
	// Estimate returns a feature count, from storage statistics where the
	// backend keeps them. exact is false for statistical estimates.
	Estimate(ctx context.Context, col catalog.Collection) (n int64, exact bool, err error)
	Features(ctx context.Context, col catalog.Collection, q Query) ([]Feature, error)
	// Count applies expression to the collection and returns the number of
	// matching features. An empty expression counts everything.
	Count(ctx context.Context, col catalog.Collection, expression string) (int64, error)
}

type StructureSpec struct {
	Name           string
	Target         expr.Target
	Where          string
	NonDurable     bool
	ClusterMaxRows int64 // no clustering above this; 0 never clusters
}

type StructureInfo struct {
	Schema    string
	Rows      int64
	Durable   bool
	Indexed   bool
	Clustered bool
}

// Structurer is implemented by backends that can hold intermediate
// structures.
type Structurer interface {
	StructureSchema() string
	CreateStructure(ctx context.Context, spec StructureSpec) (StructureInfo, error)
	DropStructure(ctx context.Context, name string) error
	ListStructures(ctx context.Context, prefix string) ([]string, error)
}

// Indexer is implemented by backends that build their spatial index on
// demand.
type Indexer interface {
	EnsureIndex(ctx context.Context, col catalog.Collection) (created bool, err error)
}

type Registry struct {
	mu sync.RWMutex
	m  map[model.BackendKind]Backend
}

func NewRegistry(bs ...Backend) *Registry {
	r := &Registry{m: make(map[model.BackendKind]Backend, len(bs))}
	for _, b := range bs {
		r.Register(b)
	}
	return r
}

// Register replaces any backend already registered for the same kind.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	r.m[b.Kind()] = b
	r.mu.Unlock()
}

func (r *Registry) Get(k model.BackendKind) (Backend, error) {
	r.mu.RLock()
	b, ok := r.m[k]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no %s backend configured", model.ErrUnavailable, k)
	}
	return b, nil
}

func (r *Registry) Kinds() []model.BackendKind {
	r.mu.RLock()
	out := make([]model.BackendKind, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TargetOf(col catalog.Collection) expr.Target {
	return expr.Target{
		Schema:     col.Schema,
		Table:      col.Table,
		GeomColumn: col.GeomColumn,
		PKColumn:   col.PKColumn,
		SRID:       col.SRID,
	}
}
