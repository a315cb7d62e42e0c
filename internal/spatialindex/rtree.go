package spatialindex

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"
)

type RTree struct {
	mu sync.RWMutex
	tr rtree.RTreeG[string]
}

func NewRTree() *RTree { return &RTree{} }

func (r *RTree) Kind() string { return "rtree" }

func (r *RTree) Insert(id string, b orb.Bound) {
	r.mu.Lock()
	r.tr.Insert([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, id)
	r.mu.Unlock()
}

func (r *RTree) Search(b orb.Bound) []string {
	var out []string
	r.mu.RLock()
	r.tr.Search([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]},
		func(_, _ [2]float64, id string) bool {
			out = append(out, id)
			return true
		})
	r.mu.RUnlock()
	return sortedUnique(out)
}

func (r *RTree) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tr.Len()
}
