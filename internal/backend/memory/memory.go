// Package memory keeps collections in process and evaluates CEL filters over
// them. Its Layer and Evaluator also back the file backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
)

type Backend struct {
	eval  *Evaluator
	h3Res int

	mu     sync.RWMutex
	layers map[string]*Layer
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Indexer = (*Backend)(nil)
)

func New(eval *Evaluator, h3Res int) *Backend {
	return &Backend{eval: eval, h3Res: h3Res, layers: map[string]*Layer{}}
}

// Put replaces the features of a collection.
func (b *Backend) Put(collection string, srid int, fs []backend.Feature) {
	l := NewLayer(srid, fs)
	b.mu.Lock()
	b.layers[collection] = l
	b.mu.Unlock()
}

func (b *Backend) Drop(collection string) {
	b.mu.Lock()
	delete(b.layers, collection)
	b.mu.Unlock()
}

func (b *Backend) layer(id string) (*Layer, error) {
	b.mu.RLock()
	l, ok := b.layers[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no in-memory layer %q", model.ErrNotFound, id)
	}
	return l, nil
}

func (b *Backend) Kind() model.BackendKind { return model.BackendMemory }

func (b *Backend) Dialect() expr.Dialect { return expr.CEL{} }

func (b *Backend) Ping(context.Context) error { return nil }

func (b *Backend) Estimate(_ context.Context, col catalog.Collection) (int64, bool, error) {
	l, err := b.layer(col.ID)
	if err != nil {
		return 0, false, err
	}
	return int64(l.Len()), true, nil
}

func (b *Backend) Features(_ context.Context, col catalog.Collection, q backend.Query) ([]backend.Feature, error) {
	l, err := b.layer(col.ID)
	if err != nil {
		return nil, err
	}
	return l.Select(q, b.h3Res), nil
}

func (b *Backend) Count(ctx context.Context, col catalog.Collection, expression string) (int64, error) {
	ids, err := b.Select(ctx, col, expression)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (b *Backend) Select(ctx context.Context, col catalog.Collection, expression string) ([]string, error) {
	l, err := b.layer(col.ID)
	if err != nil {
		return nil, err
	}
	return b.eval.Select(ctx, l, expression)
}

func (b *Backend) EnsureIndex(_ context.Context, col catalog.Collection) (bool, error) {
	l, err := b.layer(col.ID)
	if err != nil {
		return false, err
	}
	_, created := l.EnsureIndex(b.h3Res)
	return created, nil
}
