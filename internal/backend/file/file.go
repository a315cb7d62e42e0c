// Package file serves GeoJSON collections from disk. Layers are loaded on
// first use, reloaded when the file changes and always evaluated in process
// over a spatial index.
package file

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/backend/memory"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
)

const defaultSRID = 4326

type Backend struct {
	eval  *memory.Evaluator
	h3Res int

	mu     sync.Mutex
	layers map[string]*loaded
}

type loaded struct {
	layer *memory.Layer
	mod   time.Time
	size  int64
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Indexer = (*Backend)(nil)
)

func New(eval *memory.Evaluator, h3Res int) *Backend {
	return &Backend{eval: eval, h3Res: h3Res, layers: map[string]*loaded{}}
}

func (b *Backend) Kind() model.BackendKind { return model.BackendOGR }

func (b *Backend) Dialect() expr.Dialect { return expr.CEL{} }

func (b *Backend) Ping(context.Context) error { return nil }

func (b *Backend) layer(col catalog.Collection) (*memory.Layer, error) {
	if col.Path == "" {
		return nil, fmt.Errorf("%w: collection %q has no file path", model.ErrInput, col.ID)
	}
	st, err := os.Stat(col.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.layers[col.Path]; ok && l.mod.Equal(st.ModTime()) && l.size == st.Size() {
		return l.layer, nil
	}
	raw, err := os.ReadFile(col.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrUnavailable, col.Path, err)
	}
	srid := col.SRID
	if srid <= 0 {
		srid = defaultSRID
	}
	l := memory.NewLayer(srid, features(fc, col.PKColumn))
	b.layers[col.Path] = &loaded{layer: l, mod: st.ModTime(), size: st.Size()}
	return l, nil
}

// features takes the id from the key property, then the GeoJSON id, then
// the position in the file.
func features(fc *geojson.FeatureCollection, key string) []backend.Feature {
	out := make([]backend.Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		id := ""
		if v, ok := f.Properties[key]; ok && key != "" {
			id = idString(v)
		}
		if id == "" && f.ID != nil {
			id = idString(f.ID)
		}
		if id == "" {
			id = strconv.Itoa(i)
		}
		out = append(out, backend.Feature{ID: id, Geom: f.Geometry, Attrs: map[string]any(f.Properties)})
	}
	return out
}

func idString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func (b *Backend) Estimate(_ context.Context, col catalog.Collection) (int64, bool, error) {
	l, err := b.layer(col)
	if err != nil {
		return 0, false, err
	}
	return int64(l.Len()), true, nil
}

func (b *Backend) Features(_ context.Context, col catalog.Collection, q backend.Query) ([]backend.Feature, error) {
	l, err := b.layer(col)
	if err != nil {
		return nil, err
	}
	return l.Select(q, b.h3Res), nil
}

func (b *Backend) Count(ctx context.Context, col catalog.Collection, expression string) (int64, error) {
	l, err := b.layer(col)
	if err != nil {
		return 0, err
	}
	ids, err := b.eval.Select(ctx, l, expression)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (b *Backend) EnsureIndex(_ context.Context, col catalog.Collection) (bool, error) {
	l, err := b.layer(col)
	if err != nil {
		return false, err
	}
	_, created := l.EnsureIndex(b.h3Res)
	return created, nil
}
