package geometry

import (
	"container/heap"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// bufferResult describes one feature after a signed buffer.
type bufferResult struct {
	parts       parts
	eroded      bool
	approximate bool
	overlapping bool
}

// buffer applies a signed distance to every part of one feature. A feature
// is eroded only when every one of its parts vanished.
func buffer(in parts, d float64, quadSegs int) bufferResult {
	if d == 0 {
		return bufferResult{parts: in}
	}
	if quadSegs < 1 {
		quadSegs = 8
	}
	var res bufferResult
	for _, pt := range in.points {
		if d > 0 {
			res.parts.polys = append(res.parts.polys, orb.Polygon{circle(pt, d, 4*quadSegs)})
		}
	}
	for _, l := range in.lines {
		if d > 0 {
			res.parts.polys = append(res.parts.polys, capsules(l, d, quadSegs)...)
			if len(l) > 2 {
				res.overlapping = true
			}
		}
	}
	for _, p := range in.polys {
		polys, approx, overlap := bufferPolygon(p, d, quadSegs)
		res.parts.polys = append(res.parts.polys, polys...)
		res.approximate = res.approximate || approx
		res.overlapping = res.overlapping || overlap
	}
	if len(in.points)+len(in.lines) > 0 && d > 0 && len(res.parts.polys) > 1 {
		res.overlapping = true
	}
	res.eroded = res.parts.empty()
	return res
}

func circle(c orb.Point, r float64, n int) orb.Ring {
	ring := make(orb.Ring, 0, n+1)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring = append(ring, orb.Point{c[0] + r*math.Cos(a), c[1] + r*math.Sin(a)})
	}
	return append(ring, ring[0])
}

func capsules(l orb.LineString, d float64, quadSegs int) []orb.Polygon {
	out := make([]orb.Polygon, 0, len(l)-1)
	for i := 0; i+1 < len(l); i++ {
		pts := append(circle(l[i], d, 4*quadSegs), circle(l[i+1], d, 4*quadSegs)...)
		out = append(out, orb.Polygon{convexHull(pts)})
	}
	return out
}

// convexHull returns the counter-clockwise closed hull (monotone chain).
func convexHull(pts []orb.Point) orb.Ring {
	ps := append([]orb.Point(nil), pts...)
	sort.Slice(ps, func(i, j int) bool {
		if ps[i][0] != ps[j][0] {
			return ps[i][0] < ps[j][0]
		}
		return ps[i][1] < ps[j][1]
	})
	if len(ps) < 3 {
		return nil
	}
	hull := make([]orb.Point, 0, 2*len(ps))
	for _, p := range ps {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(ps) - 2; i >= 0; i-- {
		p := ps[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return orb.Ring(hull)
}

func isConvex(r orb.Ring) bool {
	n := len(r) - 1
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		if orient(r[(i+n-1)%n], r[i], r[(i+1)%n]) < 0 {
			return false
		}
	}
	return true
}

func bufferPolygon(p orb.Polygon, d float64, quadSegs int) (out []orb.Polygon, approximate, overlapping bool) {
	if d > 0 {
		return dilate(p, d, quadSegs)
	}
	return erode(p, -d, quadSegs)
}

func dilate(p orb.Polygon, d float64, quadSegs int) ([]orb.Polygon, bool, bool) {
	if len(p) == 1 && isConvex(p[0]) {
		var pts []orb.Point
		for _, v := range p[0][:len(p[0])-1] {
			pts = append(pts, circle(v, d, 4*quadSegs)[:4*quadSegs]...)
		}
		return []orb.Polygon{{convexHull(pts)}}, false, false
	}
	shell := offsetRing(p[0], d, quadSegs)
	if simpleRing(shell) && shell.Orientation() == orb.CCW {
		out := orb.Polygon{shell}
		ok := true
		for _, h := range p[1:] {
			oh := offsetRing(h, d, quadSegs)
			if !simpleRing(oh) || oh.Orientation() != orb.CW {
				continue // hole filled in
			}
			if ringsCross(shell, oh) {
				ok = false
				break
			}
			out = append(out, oh)
		}
		if ok {
			return []orb.Polygon{out}, false, false
		}
	}
	// the union of the polygon with one capsule per boundary edge is exact
	out := []orb.Polygon{p}
	for _, r := range p {
		out = append(out, capsules(orb.LineString(r), d, quadSegs)...)
	}
	return out, false, true
}

func erode(p orb.Polygon, r float64, quadSegs int) ([]orb.Polygon, bool, bool) {
	b := p.Bound()
	w, h := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	if r >= math.Min(w, h)/2 {
		return nil, false, false
	}
	if r >= math.Sqrt(planar.Area(p)/math.Pi) {
		return nil, false, false
	}
	precision := math.Min(w, h) / 200
	pole, rin := polylabel(p, precision)
	if r >= rin+precision {
		return nil, false, false
	}
	if len(p) == 1 && isConvex(p[0]) {
		k := clipConvex(p[0], r)
		if k == nil {
			return nil, false, false
		}
		return []orb.Polygon{{k}}, false, false
	}

	shell := offsetRing(p[0], -r, quadSegs)
	var shells []orb.Ring
	if simpleRing(shell) && shell.Orientation() == orb.CCW {
		shells = []orb.Ring{shell}
	} else if pieces, err := splitRing(shell, 0); err == nil {
		for _, pc := range pieces {
			if pc.Orientation() != orb.CCW || !keepsClearance(pc, p, r) {
				continue
			}
			shells = append(shells, pc)
		}
	}
	if len(shells) == 0 {
		if rin-r <= 0 {
			return nil, false, false
		}
		return []orb.Polygon{{circle(pole, rin-r, 4*quadSegs)}}, true, false
	}

	out := make([]orb.Polygon, 0, len(shells))
	approximate := false
	for _, s := range shells {
		out = append(out, orb.Polygon{s})
	}
	for _, hr := range p[1:] {
		oh := offsetRing(hr, -r, quadSegs)
		if !simpleRing(oh) || oh.Orientation() != orb.CW {
			approximate = true
			continue
		}
		placed := false
		for i := range out {
			if ringsCross(out[i][0], oh) {
				continue
			}
			if planar.RingContains(out[i][0], oh[0]) {
				out[i] = append(out[i], oh)
				placed = true
				break
			}
		}
		if !placed {
			approximate = true
		}
	}
	return out, approximate, false
}

// keepsClearance reports whether a piece of an inward offset lies at least
// r away from the original boundary, which rejects loops left between
// offset edges.
func keepsClearance(piece orb.Ring, p orb.Polygon, r float64) bool {
	c, _ := planar.CentroidArea(piece)
	if !planar.RingContains(piece, c) {
		c = mid(segment{piece[0], piece[len(piece)/2]})
	}
	if !planar.PolygonContains(p, c) {
		return false
	}
	return boundaryDistance(p, c) >= r*(1-1e-6)
}

func ringsCross(a, b orb.Ring) bool {
	for _, s := range ringSegments(a) {
		for _, t := range ringSegments(b) {
			if segmentsIntersect(s, t) {
				return true
			}
		}
	}
	return false
}

// offsetRing moves every edge of a closed ring to its right by d (to the
// left for negative d), joining diverging edges with arcs and converging
// edges at their intersection.
func offsetRing(r orb.Ring, d float64, quadSegs int) orb.Ring {
	n := len(r) - 1
	if n < 3 {
		return nil
	}
	normal := make([]orb.Point, n)
	for i := 0; i < n; i++ {
		a, b := r[i], r[(i+1)%n]
		l := math.Hypot(b[0]-a[0], b[1]-a[1])
		normal[i] = orb.Point{(b[1] - a[1]) / l * d, -(b[0] - a[0]) / l * d}
	}
	out := make(orb.Ring, 0, n*2)
	for i := 0; i < n; i++ {
		// vertex i joins edge i-1 and edge i
		prev := (i + n - 1) % n
		v := r[i]
		o1, o2 := normal[prev], normal[i]
		turn := orient(r[prev], v, r[(i+1)%n])
		diverge := (turn > 0 && d > 0) || (turn < 0 && d < 0)
		switch {
		case turn == 0:
			out = append(out, orb.Point{v[0] + o2[0], v[1] + o2[1]})
		case diverge:
			a0 := math.Atan2(o1[1], o1[0])
			a1 := math.Atan2(o2[1], o2[0])
			delta := a1 - a0
			for delta > math.Pi {
				delta -= 2 * math.Pi
			}
			for delta <= -math.Pi {
				delta += 2 * math.Pi
			}
			steps := int(math.Ceil(math.Abs(delta) / (math.Pi / 2) * float64(quadSegs)))
			if steps < 1 {
				steps = 1
			}
			rad := math.Abs(d)
			for k := 0; k <= steps; k++ {
				a := a0 + delta*float64(k)/float64(steps)
				out = append(out, orb.Point{v[0] + rad*math.Cos(a), v[1] + rad*math.Sin(a)})
			}
		default:
			s1 := segment{orb.Point{r[prev][0] + o1[0], r[prev][1] + o1[1]}, orb.Point{v[0] + o1[0], v[1] + o1[1]}}
			s2 := segment{orb.Point{v[0] + o2[0], v[1] + o2[1]}, orb.Point{r[(i+1)%n][0] + o2[0], r[(i+1)%n][1] + o2[1]}}
			if x, ok := intersection(s1, s2); ok {
				out = append(out, x)
			} else {
				out = append(out, s2.a)
			}
		}
	}
	clean := out[:0:0]
	for _, p := range out {
		if len(clean) > 0 && clean[len(clean)-1] == p {
			continue
		}
		clean = append(clean, p)
	}
	if len(clean) < 3 {
		return nil
	}
	return append(clean, clean[0])
}

// clipConvex intersects the inward half-planes of a convex ring offset by r.
func clipConvex(r orb.Ring, dist float64) orb.Ring {
	n := len(r) - 1
	poly := append([]orb.Point(nil), r[:n]...)
	for i := 0; i < n && len(poly) > 0; i++ {
		a, b := r[i], r[i+1]
		l := math.Hypot(b[0]-a[0], b[1]-a[1])
		nl := orb.Point{-(b[1] - a[1]) / l, (b[0] - a[0]) / l}
		base := orb.Point{a[0] + dist*nl[0], a[1] + dist*nl[1]}
		side := func(p orb.Point) float64 { return (p[0]-base[0])*nl[0] + (p[1]-base[1])*nl[1] }
		var next []orb.Point
		for j := range poly {
			cur, nxt := poly[j], poly[(j+1)%len(poly)]
			sc, sn := side(cur), side(nxt)
			if sc >= 0 {
				next = append(next, cur)
			}
			if (sc >= 0) != (sn >= 0) {
				t := sc / (sc - sn)
				next = append(next, orb.Point{cur[0] + t*(nxt[0]-cur[0]), cur[1] + t*(nxt[1]-cur[1])})
			}
		}
		poly = next
	}
	ring, _ := cleanRing(append(orb.Ring(poly), poly[0:min(1, len(poly))]...))
	return ring
}

func boundaryDistance(p orb.Polygon, pt orb.Point) float64 {
	best := math.Inf(1)
	for _, r := range p {
		for _, s := range ringSegments(r) {
			best = math.Min(best, segmentDistance(pt, s))
		}
	}
	return best
}

func signedBoundaryDistance(p orb.Polygon, pt orb.Point) float64 {
	d := boundaryDistance(p, pt)
	if planar.PolygonContains(p, pt) {
		return d
	}
	return -d
}

type labelCell struct {
	c   orb.Point
	h   float64
	d   float64
	max float64
}

type cellQueue []labelCell

func (q cellQueue) Len() int           { return len(q) }
func (q cellQueue) Less(i, j int) bool { return q[i].max > q[j].max }
func (q cellQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *cellQueue) Push(x any)        { *q = append(*q, x.(labelCell)) }
func (q *cellQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

func newCell(p orb.Polygon, c orb.Point, h float64) labelCell {
	d := signedBoundaryDistance(p, c)
	return labelCell{c: c, h: h, d: d, max: d + h*math.Sqrt2}
}

// polylabel finds the pole of inaccessibility of p within precision and
// returns it with its distance to the boundary (the inscribed radius).
func polylabel(p orb.Polygon, precision float64) (orb.Point, float64) {
	b := p.Bound()
	w, h := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	size := math.Min(w, h)
	if size == 0 {
		return b.Min, 0
	}
	if precision <= 0 {
		precision = size / 100
	}
	half := size / 2
	q := &cellQueue{}
	for x := b.Min[0]; x < b.Max[0]; x += size {
		for y := b.Min[1]; y < b.Max[1]; y += size {
			heap.Push(q, newCell(p, orb.Point{x + half, y + half}, half))
		}
	}
	best := newCell(p, b.Center(), 0)
	if c, _ := planar.CentroidArea(p); finite(c) {
		if cc := newCell(p, c, 0); cc.d > best.d {
			best = cc
		}
	}
	for iter := 0; q.Len() > 0 && iter < 10000; iter++ {
		cell := heap.Pop(q).(labelCell)
		if cell.d > best.d {
			best = cell
		}
		if cell.max-best.d <= precision {
			continue
		}
		hh := cell.h / 2
		for _, off := range [4][2]float64{{-1, -1}, {1, -1}, {-1, 1}, {1, 1}} {
			heap.Push(q, newCell(p, orb.Point{cell.c[0] + off[0]*hh, cell.c[1] + off[1]*hh}, hh))
		}
	}
	return best.c, math.Max(best.d, 0)
}
