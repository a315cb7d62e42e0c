package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// Evaluate tests pred(target, source) the way ST_<Pred>(target, source)
// does. distance is only used by dwithin.
func Evaluate(pred model.Predicate, target, source orb.Geometry, distance float64) bool {
	if target == nil || source == nil {
		return false
	}
	switch pred {
	case model.PredIntersects:
		return Intersects(target, source)
	case model.PredDisjoint:
		return !Intersects(target, source)
	case model.PredContains:
		return Contains(target, source)
	case model.PredWithin:
		return Contains(source, target)
	case model.PredEquals:
		return Contains(target, source) && Contains(source, target)
	case model.PredTouches:
		return Touches(target, source)
	case model.PredOverlaps:
		return Overlaps(target, source)
	case model.PredCrosses:
		return Crosses(target, source)
	case model.PredDWithin:
		return Distance(target, source) <= distance
	}
	return false
}

func tolerance(g orb.Geometry) float64 {
	b := g.Bound()
	return 1e-9 * math.Max(1, math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]))
}

// coveredBy reports whether pt lies in g's interior or on its boundary.
func coveredBy(pt orb.Point, g orb.Geometry) bool {
	for _, p := range polygonsOf(g) {
		if planar.PolygonContains(p, pt) {
			return true
		}
	}
	for _, s := range lineSegments(g) {
		if onSegment(pt, s) {
			return true
		}
	}
	for _, q := range pointsOf(g) {
		if q == pt {
			return true
		}
	}
	return false
}

// interiorAt reports whether pt lies strictly inside g.
func interiorAt(pt orb.Point, g orb.Geometry) bool {
	tol := tolerance(g)
	for _, p := range polygonsOf(g) {
		if planar.PolygonContains(p, pt) && boundaryDistance(p, pt) > tol {
			return true
		}
	}
	for _, l := range linesOf(g) {
		if len(l) < 2 || pt == l[0] || pt == l[len(l)-1] {
			continue
		}
		for i := 0; i+1 < len(l); i++ {
			if onSegment(pt, segment{l[i], l[i+1]}) {
				return true
			}
		}
	}
	for _, q := range pointsOf(g) {
		if q == pt {
			return true
		}
	}
	return false
}

// samplePoints returns points of g that probe its interior: every vertex,
// every segment midpoint and, for areal parts, an interior label point.
func samplePoints(g orb.Geometry) []orb.Point {
	out := vertices(g)
	for _, s := range allSegments(g) {
		out = append(out, mid(s))
	}
	for _, p := range polygonsOf(g) {
		c, _ := planar.CentroidArea(p)
		if finite(c) && planar.PolygonContains(p, c) && boundaryDistance(p, c) > tolerance(p) {
			out = append(out, c)
			continue
		}
		if lp, d := polylabel(p, 0); d > 0 {
			out = append(out, lp)
		}
	}
	return out
}

func Intersects(a, b orb.Geometry) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	sa, sb := allSegments(a), allSegments(b)
	for _, s := range sa {
		for _, t := range sb {
			if segmentsIntersect(s, t) {
				return true
			}
		}
	}
	for _, v := range vertices(a) {
		if coveredBy(v, b) {
			return true
		}
	}
	for _, v := range vertices(b) {
		if coveredBy(v, a) {
			return true
		}
	}
	return false
}

func interiorsIntersect(a, b orb.Geometry) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, s := range allSegments(a) {
		for _, t := range allSegments(b) {
			if properCross(s, t) {
				return true
			}
		}
	}
	for _, v := range samplePoints(a) {
		if interiorAt(v, b) && (dimension(b) == 2 || interiorAt(v, a)) {
			return true
		}
	}
	for _, v := range samplePoints(b) {
		if interiorAt(v, a) && (dimension(a) == 2 || interiorAt(v, b)) {
			return true
		}
	}
	return false
}

// Contains reports whether b lies in a with at least one interior point in
// common.
func Contains(a, b orb.Geometry) bool {
	if !Intersects(a, b) {
		return false
	}
	if dimension(b) > dimension(a) {
		return false
	}
	for _, v := range samplePoints(b) {
		if !coveredBy(v, a) {
			return false
		}
	}
	for _, s := range allSegments(b) {
		for _, t := range boundarySegments(a) {
			if properCross(s, t) {
				return false
			}
		}
	}
	// holes of a must not sit inside b
	for _, p := range polygonsOf(a) {
		for _, h := range p[1:] {
			for _, v := range h {
				if interiorAt(v, b) {
					return false
				}
			}
		}
	}
	return interiorsIntersect(a, b)
}

func Touches(a, b orb.Geometry) bool {
	if dimension(a) == 0 && dimension(b) == 0 {
		return false
	}
	return Intersects(a, b) && !interiorsIntersect(a, b)
}

func Overlaps(a, b orb.Geometry) bool {
	da, db := dimension(a), dimension(b)
	if da != db || da < 0 {
		return false
	}
	if Contains(a, b) || Contains(b, a) {
		return false
	}
	if da == 1 {
		for _, s := range lineSegments(a) {
			if coveredBy(mid(s), b) {
				return true
			}
		}
		for _, s := range lineSegments(b) {
			if coveredBy(mid(s), a) {
				return true
			}
		}
		return false
	}
	return interiorsIntersect(a, b)
}

func Crosses(a, b orb.Geometry) bool {
	if dimension(a) > dimension(b) {
		a, b = b, a
	}
	da, db := dimension(a), dimension(b)
	switch {
	case da == 2 || da < 0:
		return false
	case da == 1 && db == 1:
		crossed := false
		for _, s := range lineSegments(a) {
			for _, t := range lineSegments(b) {
				if properCross(s, t) {
					crossed = true
				}
			}
		}
		if !crossed {
			return false
		}
		for _, s := range lineSegments(a) {
			if coveredBy(mid(s), b) {
				return false
			}
		}
		return true
	}
	if !interiorsIntersect(a, b) {
		return false
	}
	for _, v := range samplePoints(a) {
		if !coveredBy(v, b) {
			return true
		}
	}
	return false
}

// Distance is the planar distance between two geometries, zero when they
// intersect.
func Distance(a, b orb.Geometry) float64 {
	if Intersects(a, b) {
		return 0
	}
	best := math.Inf(1)
	sa, sb := allSegments(a), allSegments(b)
	for _, v := range vertices(a) {
		for _, s := range sb {
			best = math.Min(best, segmentDistance(v, s))
		}
		for _, q := range pointsOf(b) {
			best = math.Min(best, math.Hypot(v[0]-q[0], v[1]-q[1]))
		}
	}
	for _, v := range vertices(b) {
		for _, s := range sa {
			best = math.Min(best, segmentDistance(v, s))
		}
	}
	return best
}
