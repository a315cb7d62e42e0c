package backend

import (
	"sort"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
)

// CandidateBound is the bound a matching feature must overlap, or false when
// a negative predicate lets features anywhere match.
func CandidateBound(preds []model.Predicate, source orb.Geometry, distance float64) (orb.Bound, bool) {
	if source == nil {
		return orb.Bound{}, false
	}
	b := source.Bound()
	grow := 0.0
	for _, p := range preds {
		switch p {
		case model.PredDisjoint:
			return orb.Bound{}, false
		case model.PredDWithin:
			if distance > grow {
				grow = distance
			}
		}
	}
	if grow > 0 {
		b = orb.Bound{
			Min: orb.Point{b.Min[0] - grow, b.Min[1] - grow},
			Max: orb.Point{b.Max[0] + grow, b.Max[1] + grow},
		}
	}
	return b, true
}

// Match evaluates the predicates locally and returns the sorted ids of the
// matching features. source must be in the features' SRID.
func Match(fs []Feature, preds []model.Predicate, op model.CombineOp, source orb.Geometry, distance float64) []string {
	var ids []string
	for _, f := range fs {
		if matches(f.Geom, preds, op, source, distance) {
			ids = append(ids, f.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func matches(g orb.Geometry, preds []model.Predicate, op model.CombineOp, source orb.Geometry, distance float64) bool {
	if g == nil {
		return false
	}
	for _, p := range preds {
		ok := geometry.Evaluate(p, g, source, distance)
		if op == model.CombineOr && ok {
			return true
		}
		if op != model.CombineOr && !ok {
			return false
		}
	}
	return op != model.CombineOr
}
