package geometry

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	SRIDWGS84    = 4326
	SRIDMercator = 3857
)

var ErrCRS = errors.New("unsupported reprojection")

// Reproject converts g between EPSG:4326 and EPSG:3857. A zero or equal SRID
// returns g unchanged. The input is never modified.
func Reproject(g orb.Geometry, from, to int) (orb.Geometry, error) {
	if g == nil || from <= 0 || to <= 0 || from == to {
		return g, nil
	}
	switch {
	case from == SRIDWGS84 && to == SRIDMercator:
		return project.Geometry(orb.Clone(g), project.WGS84.ToMercator), nil
	case from == SRIDMercator && to == SRIDWGS84:
		return project.Geometry(orb.Clone(g), project.Mercator.ToWGS84), nil
	}
	return nil, fmt.Errorf("%w: EPSG:%d to EPSG:%d", ErrCRS, from, to)
}
