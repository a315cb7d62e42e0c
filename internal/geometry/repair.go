package geometry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

const maxSplits = 32

// parts is a geometry split by dimension, the working form of the preparer.
type parts struct {
	polys  []orb.Polygon
	lines  []orb.LineString
	points []orb.Point
}

func (p parts) empty() bool {
	return len(p.polys) == 0 && len(p.lines) == 0 && len(p.points) == 0
}

func (p parts) geometry() orb.Geometry {
	var c orb.Collection
	switch len(p.polys) {
	case 0:
	case 1:
		c = append(c, p.polys[0])
	default:
		c = append(c, orb.MultiPolygon(p.polys))
	}
	switch len(p.lines) {
	case 0:
	case 1:
		c = append(c, p.lines[0])
	default:
		c = append(c, orb.MultiLineString(p.lines))
	}
	switch len(p.points) {
	case 0:
	case 1:
		c = append(c, p.points[0])
	default:
		c = append(c, orb.MultiPoint(p.points))
	}
	switch len(c) {
	case 0:
		return nil
	case 1:
		return c[0]
	}
	return c
}

func (p *parts) add(o parts) {
	p.polys = append(p.polys, o.polys...)
	p.lines = append(p.lines, o.lines...)
	p.points = append(p.points, o.points...)
}

// Repair closes and deduplicates rings, drops degenerate rings, splits
// self-intersecting rings at their crossings and normalizes orientation
// (shells counter-clockwise, holes clockwise).
func Repair(g orb.Geometry) (orb.Geometry, error) {
	p, err := repairParts(g)
	if err != nil {
		return nil, err
	}
	return p.geometry(), nil
}

func repairParts(g orb.Geometry) (parts, error) {
	var out parts
	if g == nil {
		return out, fmt.Errorf("%w: nil geometry", model.ErrGeometry)
	}
	for _, pt := range pointsOf(g) {
		if !finite(pt) {
			return out, fmt.Errorf("%w: non-finite coordinate", model.ErrGeometry)
		}
		out.points = append(out.points, pt)
	}
	for _, l := range linesOf(g) {
		cl, err := cleanLine(l)
		if err != nil {
			return out, err
		}
		out.lines = append(out.lines, cl)
	}
	for _, poly := range polygonsOf(g) {
		rp, err := repairPolygon(poly)
		if err != nil {
			return out, err
		}
		out.polys = append(out.polys, rp...)
	}
	if out.empty() {
		return out, fmt.Errorf("%w: empty geometry", model.ErrGeometry)
	}
	return out, nil
}

func cleanLine(l orb.LineString) (orb.LineString, error) {
	out := make(orb.LineString, 0, len(l))
	for _, p := range l {
		if !finite(p) {
			return nil, fmt.Errorf("%w: non-finite coordinate", model.ErrGeometry)
		}
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("%w: line with fewer than two distinct points", model.ErrGeometry)
	}
	return out, nil
}

// cleanRing returns nil for rings that collapse or enclose no area. A
// self-intersecting ring may net to zero area while its lobes do not, so
// rings that are still to be split go through closeRing instead.
func cleanRing(r orb.Ring) (orb.Ring, error) {
	ring, err := closeRing(r)
	if err != nil || ring == nil {
		return nil, err
	}
	if planar.Area(ring) == 0 {
		return nil, nil
	}
	return ring, nil
}

// closeRing deduplicates and closes r. It returns nil when fewer than three
// distinct non-collinear vertices remain.
func closeRing(r orb.Ring) (orb.Ring, error) {
	pts := make([]orb.Point, 0, len(r))
	for _, p := range r {
		if !finite(p) {
			return nil, fmt.Errorf("%w: non-finite coordinate", model.ErrGeometry)
		}
		if len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	pts = dropCollinear(pts)
	if len(pts) < 3 {
		return nil, nil
	}
	ring := make(orb.Ring, 0, len(pts)+1)
	ring = append(ring, pts...)
	ring = append(ring, pts[0])
	return ring, nil
}

// dropCollinear removes vertices lying on the line through their neighbours,
// spikes included. pts is an open ring.
func dropCollinear(pts []orb.Point) []orb.Point {
	for changed := true; changed && len(pts) >= 3; {
		changed = false
		n := len(pts)
		for i := 0; i < n; i++ {
			prev, cur, next := pts[(i+n-1)%n], pts[i], pts[(i+1)%n]
			if orient(prev, cur, next) == 0 {
				pts = append(pts[:i:i], pts[i+1:]...)
				changed = true
				break
			}
		}
	}
	return pts
}

func repairPolygon(p orb.Polygon) ([]orb.Polygon, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: polygon without rings", model.ErrGeometry)
	}
	shell, err := closeRing(p[0])
	if err != nil {
		return nil, err
	}
	var shells []orb.Ring
	if shell != nil {
		if shells, err = splitRing(shell, 0); err != nil {
			return nil, err
		}
	}
	if len(shells) == 0 {
		return nil, fmt.Errorf("%w: degenerate polygon shell", model.ErrGeometry)
	}
	out := make([]orb.Polygon, 0, len(shells))
	for _, s := range shells {
		if s.Orientation() != orb.CCW {
			s.Reverse()
		}
		out = append(out, orb.Polygon{s})
	}
	for _, h := range p[1:] {
		ch, err := closeRing(h)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			continue
		}
		holes, err := splitRing(ch, 0)
		if err != nil {
			return nil, err
		}
		for _, hr := range holes {
			if hr.Orientation() != orb.CW {
				hr.Reverse()
			}
			for i := range out {
				if planar.RingContains(out[i][0], hr[0]) {
					out[i] = append(out[i], hr)
					break
				}
			}
		}
	}
	return out, nil
}

// splitRing cuts a closed ring at self-intersections into simple rings and
// drops the pieces that enclose no area. The result may be empty.
func splitRing(r orb.Ring, depth int) ([]orb.Ring, error) {
	if depth > maxSplits {
		return nil, fmt.Errorf("%w: ring has too many self-intersections", model.ErrGeometry)
	}
	n := len(r) - 1
	seen := make(map[orb.Point]int, n)
	for i := 0; i < n; i++ {
		if j, ok := seen[r[i]]; ok {
			a := append(append(orb.Ring{}, r[:j+1]...), r[i+1:]...)
			b := append(orb.Ring{}, r[j:i+1]...)
			return splitBoth(a, b, depth)
		}
		seen[r[i]] = i
	}
	segs := ringSegments(r)
	for i := 0; i < len(segs); i++ {
		for j := i + 2; j < len(segs); j++ {
			if i == 0 && j == len(segs)-1 {
				continue
			}
			if !segmentsIntersect(segs[i], segs[j]) {
				continue
			}
			if !properCross(segs[i], segs[j]) {
				return nil, fmt.Errorf("%w: ring overlaps itself", model.ErrGeometry)
			}
			x, ok := intersection(segs[i], segs[j])
			if !ok {
				return nil, fmt.Errorf("%w: ring overlaps itself", model.ErrGeometry)
			}
			a := append(append(append(orb.Ring{}, r[:i+1]...), x), r[j+1:]...)
			b := append(append(orb.Ring{x}, r[i+1:j+1]...), x)
			return splitBoth(a, b, depth)
		}
	}
	if planar.Area(r) == 0 {
		return nil, nil
	}
	return []orb.Ring{r}, nil
}

func splitBoth(a, b orb.Ring, depth int) ([]orb.Ring, error) {
	var out []orb.Ring
	for _, part := range []orb.Ring{a, b} {
		c, err := closeRing(part)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		rs, err := splitRing(c, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}
	return out, nil
}

// simpleRing reports whether no two non-adjacent edges touch.
func simpleRing(r orb.Ring) bool {
	if len(r) < 4 || r[0] != r[len(r)-1] {
		return false
	}
	segs := ringSegments(r)
	for i := 0; i < len(segs); i++ {
		for j := i + 2; j < len(segs); j++ {
			if i == 0 && j == len(segs)-1 {
				continue
			}
			if segmentsIntersect(segs[i], segs[j]) {
				return false
			}
		}
	}
	return true
}

// Valid reports whether every ring of g is closed and simple and every
// line has two distinct points.
func Valid(g orb.Geometry) bool {
	if g == nil {
		return false
	}
	for _, p := range polygonsOf(g) {
		if len(p) == 0 {
			return false
		}
		for _, r := range p {
			if !simpleRing(r) || planar.Area(r) == 0 {
				return false
			}
		}
	}
	for _, l := range linesOf(g) {
		if len(l) < 2 {
			return false
		}
	}
	return true
}
