package memory

import (
	"sort"
	"sync"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/spatialindex"
)

// Layer holds the features of one collection. The spatial index is built
// on first use and reset whenever the features are replaced.
type Layer struct {
	srid     int
	features []backend.Feature
	byID     map[string]int

	mu    sync.Mutex
	index spatialindex.Index
}

func NewLayer(srid int, fs []backend.Feature) *Layer {
	l := &Layer{srid: srid, features: fs, byID: make(map[string]int, len(fs))}
	for i, f := range fs {
		l.byID[f.ID] = i
	}
	return l
}

func (l *Layer) SRID() int { return l.srid }

func (l *Layer) Len() int { return len(l.features) }

// EnsureIndex builds the spatial index if it does not exist yet.
func (l *Layer) EnsureIndex(h3Res int) (spatialindex.Index, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index != nil {
		return l.index, false
	}
	idx := spatialindex.New(l.srid == 4326, h3Res)
	for _, f := range l.features {
		if f.Geom != nil {
			idx.Insert(f.ID, f.Geom.Bound())
		}
	}
	l.index = idx
	return idx, true
}

func (l *Layer) Indexed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index != nil
}

func (l *Layer) Feature(id string) (backend.Feature, bool) {
	i, ok := l.byID[id]
	if !ok {
		return backend.Feature{}, false
	}
	return l.features[i], true
}

// Select applies q. Results keep the layer order.
func (l *Layer) Select(q backend.Query, h3Res int) []backend.Feature {
	var pick map[int]struct{}
	if len(q.IDs) > 0 {
		pick = make(map[int]struct{}, len(q.IDs))
		for _, id := range q.IDs {
			if i, ok := l.byID[id]; ok {
				pick[i] = struct{}{}
			}
		}
	}
	if q.Bound != nil {
		idx, _ := l.EnsureIndex(h3Res)
		inBound := make(map[int]struct{})
		for _, id := range idx.Search(*q.Bound) {
			i := l.byID[id]
			if pick == nil {
				inBound[i] = struct{}{}
			} else if _, ok := pick[i]; ok {
				inBound[i] = struct{}{}
			}
		}
		pick = inBound
	}
	if pick == nil {
		return append([]backend.Feature(nil), l.features...)
	}
	order := make([]int, 0, len(pick))
	for i := range pick {
		order = append(order, i)
	}
	sort.Ints(order)
	out := make([]backend.Feature, len(order))
	for k, i := range order {
		out[k] = l.features[i]
	}
	return out
}
