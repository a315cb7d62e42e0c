// Package geometry turns source features into the single geometry literal
// embedded in backend filter expressions, and evaluates spatial relations
// locally for backends without a spatial engine.
package geometry

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type Config struct {
	SizeThreshold          int // WKT bytes
	MaxPrecision           int
	MinPrecision           int
	MinPrecisionGeographic int
	SimplifySteps          int
	QuadSegments           int
	MaxOverlapCheckParts   int
}

func DefaultConfig() Config {
	return Config{
		SizeThreshold:          100_000,
		MaxPrecision:           10,
		MinPrecision:           2,
		MinPrecisionGeographic: 6,
		SimplifySteps:          8,
		QuadSegments:           8,
		MaxOverlapCheckParts:   256,
	}
}

type Preparer struct {
	cfg Config
}

func NewPreparer(cfg Config) *Preparer {
	def := DefaultConfig()
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = def.SizeThreshold
	}
	if cfg.MaxPrecision <= 0 {
		cfg.MaxPrecision = def.MaxPrecision
	}
	if cfg.MinPrecision <= 0 {
		cfg.MinPrecision = def.MinPrecision
	}
	if cfg.MinPrecisionGeographic <= 0 {
		cfg.MinPrecisionGeographic = def.MinPrecisionGeographic
	}
	if cfg.SimplifySteps < 0 {
		cfg.SimplifySteps = 0
	}
	if cfg.QuadSegments <= 0 {
		cfg.QuadSegments = def.QuadSegments
	}
	if cfg.MaxOverlapCheckParts <= 0 {
		cfg.MaxOverlapCheckParts = def.MaxOverlapCheckParts
	}
	return &Preparer{cfg: cfg}
}

// Input is one resolved source feature.
type Input struct {
	ID   string
	Geom orb.Geometry
}

// Prepare repairs, buffers, dissolves and size-limits the inputs into one
// geometry. A fully eroded result is not an error: the returned geometry
// has ValidCount 0 and ErodedCount > 0. An error is returned when no input
// could be used at all for reasons other than erosion.
func (p *Preparer) Prepare(inputs []Input, buf float64, srid int, geographic bool) (*model.PreparedGeometry, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: source geometry is not resolvable", model.ErrInput)
	}
	pg := &model.PreparedGeometry{SRID: srid, Buffer: buf, Precision: -1, InputCount: len(inputs)}

	var all parts
	for _, in := range inputs {
		rp, err := repairParts(in.Geom)
		if err != nil {
			pg.InvalidCount++
			continue
		}
		br := buffer(rp, buf, p.cfg.QuadSegments)
		if br.eroded {
			pg.ErodedCount++
			continue
		}
		pg.ValidCount++
		pg.Approximate = pg.Approximate || br.approximate
		pg.Overlapping = pg.Overlapping || br.overlapping
		all.add(br.parts)
	}
	if pg.ValidCount == 0 {
		if pg.ErodedCount > 0 {
			return pg, nil
		}
		return pg, fmt.Errorf("%w: none of %d source features has a usable geometry", model.ErrGeometry, pg.InvalidCount)
	}

	if len(all.polys) > 1 {
		naive := VertexCount(orb.MultiPolygon(all.polys))
		if merged, ok := dissolve(all.polys); ok && VertexCount(orb.MultiPolygon(merged)) <= naive {
			all.polys = merged
			pg.Dissolved = true
		}
		if !pg.Overlapping {
			if len(all.polys) > p.cfg.MaxOverlapCheckParts {
				pg.Overlapping = true
			} else {
				pg.Overlapping = overlapping(all.polys)
			}
		}
	}

	g := all.geometry()
	text := MarshalWKT(g)
	if len(text) > p.cfg.SizeThreshold {
		g, text = p.reducePrecision(pg, g, text, geographic)
	}
	if len(text) > p.cfg.SizeThreshold {
		g, text = p.simplifyToSize(pg, g, text)
	}
	pg.Geom = g
	pg.WKT = text
	pg.Size = len(text)
	pg.Hash = xxhash.Sum64String(strconv.Itoa(srid) + ";" + text)
	return pg, nil
}

func (p *Preparer) reducePrecision(pg *model.PreparedGeometry, g orb.Geometry, text string, geographic bool) (orb.Geometry, string) {
	floor := p.cfg.MinPrecision
	if geographic {
		floor = p.cfg.MinPrecisionGeographic
	}
	for prec := p.cfg.MaxPrecision; prec >= floor; prec-- {
		rounded := orb.Round(orb.Clone(g), int(math.Pow10(prec)))
		rp, err := repairParts(rounded)
		if err != nil {
			break
		}
		cand := rp.geometry()
		if !Valid(cand) {
			break
		}
		ct := MarshalWKT(cand)
		if ct != text {
			g, text = cand, ct
			pg.PrecisionReduced = true
			pg.Precision = prec
		}
		if len(text) <= p.cfg.SizeThreshold {
			break
		}
	}
	return g, text
}

// simplifyToSize runs Douglas-Peucker with a growing tolerance and keeps the last
// result that still validates.
func (p *Preparer) simplifyToSize(pg *model.PreparedGeometry, g orb.Geometry, text string) (orb.Geometry, string) {
	b := g.Bound()
	tol := math.Hypot(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]) * 1e-5
	for step := 0; step < p.cfg.SimplifySteps && len(text) > p.cfg.SizeThreshold; step++ {
		s := simplify.DouglasPeucker(tol).Simplify(orb.Clone(g))
		tol *= 4
		if s == nil {
			break
		}
		rp, err := repairParts(s)
		if err != nil {
			break
		}
		cand := rp.geometry()
		if !Valid(cand) || VertexCount(cand) >= VertexCount(g) {
			continue
		}
		g, text = cand, MarshalWKT(cand)
		pg.Simplified = true
	}
	return g, text
}
