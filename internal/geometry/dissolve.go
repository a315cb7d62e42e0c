package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

type dedge struct{ a, b orb.Point }

// dissolve merges polygons across shared boundaries by cancelling edges
// that appear in both directions and re-tracing what is left. ok is false
// when tracing did not produce valid rings; the input is then returned.
func dissolve(polys []orb.Polygon) (out []orb.Polygon, ok bool) {
	if len(polys) < 2 {
		return polys, true
	}
	count := make(map[dedge]int)
	var order []dedge
	for _, p := range polys {
		for _, r := range p {
			for _, s := range ringSegments(r) {
				e := dedge{s.a, s.b}
				if count[e] == 0 {
					order = append(order, e)
				}
				count[e]++
			}
		}
	}
	for _, e := range order {
		rev := dedge{e.b, e.a}
		if n := min(count[e], count[rev]); n > 0 {
			count[e] -= n
			count[rev] -= n
		}
	}
	outgoing := make(map[orb.Point][]dedge)
	var remaining []dedge
	for _, e := range order {
		if count[e] > 0 {
			remaining = append(remaining, e)
			outgoing[e.a] = append(outgoing[e.a], e)
		}
	}
	if len(remaining) == 0 {
		return polys, false
	}

	used := make(map[dedge]bool, len(remaining))
	var shells, holes []orb.Ring
	for _, start := range remaining {
		if used[start] {
			continue
		}
		ring := orb.Ring{start.a, start.b}
		used[start] = true
		cur := start
		closed := false
		for steps := 0; steps <= len(remaining); steps++ {
			next, found := nextEdge(cur, outgoing[cur.b], used, start)
			if !found {
				break
			}
			if next == start {
				closed = true
				break
			}
			used[next] = true
			ring = append(ring, next.b)
			cur = next
		}
		if !closed {
			return polys, false
		}
		cr, err := cleanRing(ring)
		if err != nil || cr == nil {
			continue
		}
		if cr.Orientation() == orb.CCW {
			shells = append(shells, cr)
		} else {
			holes = append(holes, cr)
		}
	}
	if len(shells) == 0 {
		return polys, false
	}
	out = make([]orb.Polygon, len(shells))
	for i, s := range shells {
		out[i] = orb.Polygon{s}
	}
	for _, h := range holes {
		best, bestArea := -1, math.Inf(1)
		for i, s := range shells {
			if !planar.RingContains(s, h[0]) {
				continue
			}
			if a := planar.Area(s); a < bestArea {
				best, bestArea = i, a
			}
		}
		if best < 0 {
			return polys, false
		}
		out[best] = append(out[best], h)
	}
	for _, p := range out {
		for _, r := range p {
			if !simpleRing(r) {
				return polys, false
			}
		}
	}
	return out, true
}

// nextEdge picks, among the unused edges leaving cur.b, the first one
// clockwise from the reversed incoming edge, which keeps the traced face on
// the left.
func nextEdge(cur dedge, candidates []dedge, used map[dedge]bool, start dedge) (dedge, bool) {
	back := math.Atan2(cur.a[1]-cur.b[1], cur.a[0]-cur.b[0])
	var best dedge
	bestTurn := math.Inf(1)
	found := false
	for _, c := range candidates {
		if used[c] && c != start {
			continue
		}
		if c.b == cur.a && len(candidates) > 1 {
			continue
		}
		ang := math.Atan2(c.b[1]-c.a[1], c.b[0]-c.a[0])
		turn := back - ang
		for turn <= 0 {
			turn += 2 * math.Pi
		}
		for turn > 2*math.Pi {
			turn -= 2 * math.Pi
		}
		if turn < bestTurn {
			best, bestTurn, found = c, turn, true
		}
	}
	return best, found
}

// overlapping reports whether any two polygons share interior area.
func overlapping(polys []orb.Polygon) bool {
	for i := 0; i < len(polys); i++ {
		bi := polys[i].Bound()
		for j := i + 1; j < len(polys); j++ {
			if !bi.Intersects(polys[j].Bound()) {
				continue
			}
			if interiorsIntersect(polys[i], polys[j]) {
				return true
			}
		}
	}
	return false
}
