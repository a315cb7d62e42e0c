package sqlite

import (
	"database/sql/driver"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"modernc.org/sqlite"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
)

var (
	registerOnce sync.Once
	registerErr  error

	// decoded right-hand arguments; the filter literal repeats on every row
	literals, _ = lru.New[string, orb.Geometry](64)

	bufferer = geometry.NewPreparer(geometry.Config{SizeThreshold: math.MaxInt})
)

var relations = map[string]model.Predicate{
	"ST_Intersects": model.PredIntersects,
	"ST_Contains":   model.PredContains,
	"ST_Within":     model.PredWithin,
	"ST_Touches":    model.PredTouches,
	"ST_Overlaps":   model.PredOverlaps,
	"ST_Crosses":    model.PredCrosses,
	"ST_Equals":     model.PredEquals,
	"ST_Disjoint":   model.PredDisjoint,
}

// registerFunctions installs the spatial SQL functions on the driver. They
// apply to every connection opened afterwards.
func registerFunctions() error {
	registerOnce.Do(func() {
		reg := func(name string, n int32, fn func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error)) {
			if registerErr == nil {
				registerErr = sqlite.RegisterDeterministicScalarFunction(name, n, fn)
			}
		}
		// the driver keys functions by name only, so the optional SRID
		// argument is handled by a variadic registration
		for _, name := range []string{"GeomFromText", "ST_GeomFromText"} {
			reg(name, -1, geomFromText)
		}
		for name, p := range relations {
			reg(name, 2, relate(p))
		}
		reg("PtDistWithin", 3, relate(model.PredDWithin))
		reg("ST_DWithin", 3, relate(model.PredDWithin))
		reg("ST_Distance", 2, distance)
		reg("ST_Buffer", 2, bufferFn)
		reg("ST_AsText", 1, asText)
	})
	return registerErr
}

func geomFromText(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 1 && len(args) != 2 {
		return nil, fmt.Errorf("GeomFromText: want 1 or 2 arguments, got %d", len(args))
	}
	if args[0] == nil {
		return nil, nil
	}
	g, err := geometry.Decode(args[0])
	if err != nil {
		return nil, err
	}
	return geometry.MarshalWKB(g)
}

func decodeArg(v driver.Value, literal bool) (orb.Geometry, error) {
	if !literal {
		return geometry.Decode(v)
	}
	var key string
	switch x := v.(type) {
	case []byte:
		key = string(x)
	case string:
		key = x
	default:
		return geometry.Decode(v)
	}
	if g, ok := literals.Get(key); ok {
		return g, nil
	}
	g, err := geometry.Decode(v)
	if err != nil {
		return nil, err
	}
	literals.Add(key, g)
	return g, nil
}

func pair(args []driver.Value) (a, b orb.Geometry, null bool, err error) {
	if args[0] == nil || args[1] == nil {
		return nil, nil, true, nil
	}
	if a, err = decodeArg(args[0], false); err != nil {
		return nil, nil, false, err
	}
	if b, err = decodeArg(args[1], true); err != nil {
		return nil, nil, false, err
	}
	return a, b, false, nil
}

func relate(p model.Predicate) func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		a, b, null, err := pair(args)
		if err != nil || null {
			return nil, err
		}
		var d float64
		if p == model.PredDWithin {
			if d, err = number(args[2]); err != nil {
				return nil, err
			}
		}
		if geometry.Evaluate(p, a, b, d) {
			return int64(1), nil
		}
		return int64(0), nil
	}
}

func distance(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, b, null, err := pair(args)
	if err != nil || null {
		return nil, err
	}
	return geometry.Distance(a, b), nil
}

// bufferFn returns NULL when a negative distance erodes the geometry away.
func bufferFn(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	g, err := geometry.Decode(args[0])
	if err != nil {
		return nil, err
	}
	d, err := number(args[1])
	if err != nil {
		return nil, err
	}
	pg, err := bufferer.Prepare([]geometry.Input{{Geom: g}}, d, 0, false)
	if err != nil {
		return nil, err
	}
	if pg.Eroded() || pg.Geom == nil {
		return nil, nil
	}
	return geometry.MarshalWKB(pg.Geom)
}

func asText(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	g, err := geometry.Decode(args[0])
	if err != nil {
		return nil, err
	}
	return geometry.MarshalWKT(g), nil
}

func number(v driver.Value) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
