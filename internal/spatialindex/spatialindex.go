// Package spatialindex narrows local predicate evaluation to features whose
// bounds can match. Geographic layers are bucketed by H3 cells, projected
// layers go into an R-tree.
package spatialindex

import (
	"sort"

	"github.com/paulmach/orb"
)

type Index interface {
	Insert(id string, b orb.Bound)
	// Search returns the sorted ids whose bounds intersect b.
	Search(b orb.Bound) []string
	Len() int
	Kind() string
}

const DefaultH3Resolution = 7

// New picks the index for a layer. res is only used for geographic layers.
func New(geographic bool, res int) Index {
	if geographic {
		return NewH3(res)
	}
	return NewRTree()
}

// Expand grows b by d on every side; d is in layer units.
func Expand(b orb.Bound, d float64) orb.Bound {
	if d <= 0 {
		return b
	}
	return orb.Bound{
		Min: orb.Point{b.Min[0] - d, b.Min[1] - d},
		Max: orb.Point{b.Max[0] + d, b.Max[1] + d},
	}
}

func boundsOverlap(a, b orb.Bound) bool {
	return a.Min[0] <= b.Max[0] && b.Min[0] <= a.Max[0] &&
		a.Min[1] <= b.Max[1] && b.Min[1] <= a.Max[1]
}

func sortedUnique(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i > 0 && s == in[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
