package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

const eps = 1e-9

func polygonsOf(g orb.Geometry) []orb.Polygon {
	switch v := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{v}
	case orb.MultiPolygon:
		return []orb.Polygon(v)
	case orb.Bound:
		return []orb.Polygon{v.ToPolygon()}
	case orb.Ring:
		return []orb.Polygon{{v}}
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range v {
			out = append(out, polygonsOf(c)...)
		}
		return out
	}
	return nil
}

func linesOf(g orb.Geometry) []orb.LineString {
	switch v := g.(type) {
	case orb.LineString:
		return []orb.LineString{v}
	case orb.MultiLineString:
		return []orb.LineString(v)
	case orb.Collection:
		var out []orb.LineString
		for _, c := range v {
			out = append(out, linesOf(c)...)
		}
		return out
	}
	return nil
}

func pointsOf(g orb.Geometry) []orb.Point {
	switch v := g.(type) {
	case orb.Point:
		return []orb.Point{v}
	case orb.MultiPoint:
		return []orb.Point(v)
	case orb.Collection:
		var out []orb.Point
		for _, c := range v {
			out = append(out, pointsOf(c)...)
		}
		return out
	}
	return nil
}

// dimension is 2 for areal, 1 for lineal, 0 for puntal and -1 for empty.
func dimension(g orb.Geometry) int {
	switch {
	case len(polygonsOf(g)) > 0:
		return 2
	case len(linesOf(g)) > 0:
		return 1
	case len(pointsOf(g)) > 0:
		return 0
	}
	return -1
}

type segment struct{ a, b orb.Point }

func ringSegments(r orb.Ring) []segment {
	if len(r) < 2 {
		return nil
	}
	out := make([]segment, 0, len(r))
	for i := 0; i+1 < len(r); i++ {
		out = append(out, segment{r[i], r[i+1]})
	}
	if r[0] != r[len(r)-1] {
		out = append(out, segment{r[len(r)-1], r[0]})
	}
	return out
}

func boundarySegments(g orb.Geometry) []segment {
	var out []segment
	for _, p := range polygonsOf(g) {
		for _, r := range p {
			out = append(out, ringSegments(r)...)
		}
	}
	return out
}

func lineSegments(g orb.Geometry) []segment {
	var out []segment
	for _, l := range linesOf(g) {
		for i := 0; i+1 < len(l); i++ {
			out = append(out, segment{l[i], l[i+1]})
		}
	}
	return out
}

func allSegments(g orb.Geometry) []segment {
	return append(boundarySegments(g), lineSegments(g)...)
}

func vertices(g orb.Geometry) []orb.Point {
	var out []orb.Point
	for _, p := range polygonsOf(g) {
		for _, r := range p {
			out = append(out, r...)
		}
	}
	for _, l := range linesOf(g) {
		out = append(out, l...)
	}
	return append(out, pointsOf(g)...)
}

// VertexCount counts every stored coordinate of g.
func VertexCount(g orb.Geometry) int {
	if g == nil {
		return 0
	}
	return len(vertices(g))
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// orient is the sign of the turn o->a->b, using the sine of the angle so the
// tolerance does not depend on coordinate magnitude.
func orient(o, a, b orb.Point) int {
	scale := math.Hypot(a[0]-o[0], a[1]-o[1]) * math.Hypot(b[0]-o[0], b[1]-o[1])
	if scale == 0 {
		return 0
	}
	return sign(cross(o, a, b) / scale)
}

func sign(v float64) int {
	switch {
	case v > eps:
		return 1
	case v < -eps:
		return -1
	}
	return 0
}

func onSegment(p orb.Point, s segment) bool {
	if orient(s.a, s.b, p) != 0 {
		return false
	}
	return p[0] >= math.Min(s.a[0], s.b[0])-eps && p[0] <= math.Max(s.a[0], s.b[0])+eps &&
		p[1] >= math.Min(s.a[1], s.b[1])-eps && p[1] <= math.Max(s.a[1], s.b[1])+eps
}

func segmentsIntersect(s, t segment) bool {
	d1 := orient(t.a, t.b, s.a)
	d2 := orient(t.a, t.b, s.b)
	d3 := orient(s.a, s.b, t.a)
	d4 := orient(s.a, s.b, t.b)
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(s.a, t)) || (d2 == 0 && onSegment(s.b, t)) ||
		(d3 == 0 && onSegment(t.a, s)) || (d4 == 0 && onSegment(t.b, s))
}

// properCross reports an intersection at a single point interior to both segments.
func properCross(s, t segment) bool {
	d1 := orient(t.a, t.b, s.a)
	d2 := orient(t.a, t.b, s.b)
	d3 := orient(s.a, s.b, t.a)
	d4 := orient(s.a, s.b, t.b)
	return d1*d2 < 0 && d3*d4 < 0
}

func intersection(s, t segment) (orb.Point, bool) {
	r := orb.Point{s.b[0] - s.a[0], s.b[1] - s.a[1]}
	q := orb.Point{t.b[0] - t.a[0], t.b[1] - t.a[1]}
	den := r[0]*q[1] - r[1]*q[0]
	if math.Abs(den) < 1e-15 {
		return orb.Point{}, false
	}
	u := ((t.a[0]-s.a[0])*q[1] - (t.a[1]-s.a[1])*q[0]) / den
	return orb.Point{s.a[0] + u*r[0], s.a[1] + u*r[1]}, true
}

func segmentDistance(p orb.Point, s segment) float64 {
	dx, dy := s.b[0]-s.a[0], s.b[1]-s.a[1]
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return math.Hypot(p[0]-s.a[0], p[1]-s.a[1])
	}
	t := ((p[0]-s.a[0])*dx + (p[1]-s.a[1])*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p[0]-(s.a[0]+t*dx), p[1]-(s.a[1]+t*dy))
}

func mid(s segment) orb.Point {
	return orb.Point{(s.a[0] + s.b[0]) / 2, (s.a[1] + s.b[1]) / 2}
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}
