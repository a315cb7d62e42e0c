package spatialindex

import (
	"math"
	"sync"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"
)

// average hexagon edge length in km per resolution
var edgeKm = [16]float64{
	1281.256011, 483.0568391, 182.5129565, 68.97922179, 26.07175968, 9.854090990,
	3.724532667, 1.406475763, 0.531414010, 0.200786148, 0.075863783, 0.028663897,
	0.010830188, 0.004092010, 0.001546100, 0.000584169,
}

const (
	kmPerDegree = 111.32
	// bounds needing more perimeter samples than this are kept in a
	// catch-all bucket instead of being covered cell by cell
	maxPerimeterSamples = 2048
)

// H3 buckets feature bounds by the H3 cells covering them. Lookups cover
// the query bound the same way and confirm candidates with a bound test.
type H3 struct {
	res  int
	step float64 // perimeter sample spacing in degrees

	mu     sync.RWMutex
	cells  map[h3.Cell][]string
	bounds map[string]orb.Bound
	large  []string
}

func NewH3(res int) *H3 {
	if res < 0 || res > 15 {
		res = DefaultH3Resolution
	}
	return &H3{
		res:    res,
		step:   edgeKm[res] / kmPerDegree / 2,
		cells:  map[h3.Cell][]string{},
		bounds: map[string]orb.Bound{},
	}
}

func (x *H3) Kind() string { return "h3" }

func (x *H3) Insert(id string, b orb.Bound) {
	cover, ok := x.cover(b)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.bounds[id] = b
	if !ok {
		x.large = append(x.large, id)
		return
	}
	for c := range cover {
		x.cells[c] = append(x.cells[c], id)
	}
}

func (x *H3) Search(b orb.Bound) []string {
	cover, ok := x.cover(b)
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	if !ok {
		// the query spans too many cells, fall back to a bound scan
		for id, fb := range x.bounds {
			if boundsOverlap(fb, b) {
				out = append(out, id)
			}
		}
		return sortedUnique(out)
	}
	seen := map[string]struct{}{}
	check := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if boundsOverlap(x.bounds[id], b) {
			out = append(out, id)
		}
	}
	for c := range cover {
		for _, id := range x.cells[c] {
			check(id)
		}
	}
	for _, id := range x.large {
		check(id)
	}
	return sortedUnique(out)
}

func (x *H3) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.bounds)
}

// cover returns a superset of the cells touching b: cells whose centers fall
// inside b, plus the ring around every cell on a dense walk of b's
// perimeter. ok is false when b is too large to cover.
func (x *H3) cover(b orb.Bound) (map[h3.Cell]struct{}, bool) {
	w, h := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	nx := int(math.Ceil(w/x.step)) + 1
	ny := int(math.Ceil(h/x.step)) + 1
	if 2*(nx+ny) > maxPerimeterSamples {
		return nil, false
	}
	out := map[h3.Cell]struct{}{}

	if w > 0 && h > 0 {
		loop := h3.GeoLoop{
			{Lat: b.Min[1], Lng: b.Min[0]},
			{Lat: b.Min[1], Lng: b.Max[0]},
			{Lat: b.Max[1], Lng: b.Max[0]},
			{Lat: b.Max[1], Lng: b.Min[0]},
		}
		if inner, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, x.res); err == nil {
			for _, c := range inner {
				out[c] = struct{}{}
			}
		}
	}

	edge := map[h3.Cell]struct{}{}
	sample := func(lng, lat float64) {
		c, err := h3.LatLngToCell(h3.LatLng{Lat: clampLat(lat), Lng: lng}, x.res)
		if err == nil {
			edge[c] = struct{}{}
		}
	}
	for i := 0; i < nx; i++ {
		lng := math.Min(b.Min[0]+float64(i)*x.step, b.Max[0])
		sample(lng, b.Min[1])
		sample(lng, b.Max[1])
	}
	for j := 0; j < ny; j++ {
		lat := math.Min(b.Min[1]+float64(j)*x.step, b.Max[1])
		sample(b.Min[0], lat)
		sample(b.Max[0], lat)
	}
	sample(b.Max[0], b.Max[1])

	for c := range edge {
		ring, err := h3.GridDisk(c, 1)
		if err != nil {
			out[c] = struct{}{}
			continue
		}
		for _, r := range ring {
			out[r] = struct{}{}
		}
	}
	return out, true
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}
