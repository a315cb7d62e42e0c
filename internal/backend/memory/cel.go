package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/spatialindex"
)

var geometryType = cel.OpaqueType("geofilter.Geometry")

const checkEvery = 1024

// Evaluator runs the expressions emitted by the CEL dialect over a layer.
// Spatial functions consult the layer index before testing geometries.
type Evaluator struct {
	env   *cel.Env
	progs *lru.Cache[string, cel.Program]
	lits  *lru.Cache[string, literal]
	h3Res int
}

type literal struct {
	g     orb.Geometry
	bound orb.Bound
}

func NewEvaluator(h3Res int) (*Evaluator, error) {
	opts := []cel.EnvOption{
		cel.Variable(expr.CELGeom, geometryType),
		cel.Variable(expr.CELFID, cel.StringType),
		cel.Variable(expr.CELAttrs, cel.MapType(cel.StringType, cel.DynType)),
	}
	e := &Evaluator{h3Res: h3Res}
	for _, p := range []model.Predicate{
		model.PredIntersects, model.PredContains, model.PredWithin, model.PredTouches,
		model.PredOverlaps, model.PredCrosses, model.PredEquals,
	} {
		name := string(p)
		opts = append(opts, cel.Function(name,
			cel.Overload(name+"_geometry_string", []*cel.Type{geometryType, cel.StringType}, cel.BoolType,
				cel.FunctionBinding(e.relate(p)))))
	}
	opts = append(opts, cel.Function("dwithin",
		cel.Overload("dwithin_geometry_string_double", []*cel.Type{geometryType, cel.StringType, cel.DoubleType}, cel.BoolType,
			cel.FunctionBinding(e.relate(model.PredDWithin)))))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	e.env = env
	if e.progs, err = lru.New[string, cel.Program](256); err != nil {
		return nil, err
	}
	if e.lits, err = lru.New[string, literal](128); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if p, ok := e.progs.Get(expression); ok {
		return p, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrExpression, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression yields %s, not bool", model.ErrExpression, out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrExpression, err)
	}
	e.progs.Add(expression, prg)
	return prg, nil
}

// Select returns the sorted ids of the layer features matching expression.
// An empty expression matches every feature. A missing attribute makes the
// feature not match; other evaluation errors fail the whole call.
func (e *Evaluator) Select(ctx context.Context, l *Layer, expression string) ([]string, error) {
	ids := make([]string, 0, l.Len())
	if strings.TrimSpace(expression) == "" {
		for _, f := range l.features {
			ids = append(ids, f.ID)
		}
		sort.Strings(ids)
		return ids, nil
	}
	prg, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	idx, _ := l.EnsureIndex(e.h3Res)
	r := &run{index: idx, cands: map[string]map[string]struct{}{}}
	empty := map[string]any{}
	for i := range l.features {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		f := &l.features[i]
		attrs := f.Attrs
		if attrs == nil {
			attrs = empty
		}
		out, _, err := prg.Eval(map[string]any{
			expr.CELGeom:  geomVal{f: f, run: r},
			expr.CELFID:   f.ID,
			expr.CELAttrs: attrs,
		})
		if err != nil {
			if strings.Contains(err.Error(), "no such key") {
				continue
			}
			return nil, fmt.Errorf("%w: feature %s: %v", model.ErrExpression, f.ID, err)
		}
		if b, ok := out.Value().(bool); ok && b {
			ids = append(ids, f.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *Evaluator) literal(text string) (literal, error) {
	if lit, ok := e.lits.Get(text); ok {
		return lit, nil
	}
	g, err := geometry.DecodeText(text)
	if err != nil {
		return literal{}, err
	}
	lit := literal{g: g, bound: g.Bound()}
	e.lits.Add(text, lit)
	return lit, nil
}

func (e *Evaluator) relate(p model.Predicate) func(args ...ref.Val) ref.Val {
	return func(args ...ref.Val) ref.Val {
		if len(args) < 2 {
			return types.NoSuchOverloadErr()
		}
		g, ok := args[0].(geomVal)
		if !ok {
			return types.NoSuchOverloadErr()
		}
		text, ok := args[1].Value().(string)
		if !ok {
			return types.NoSuchOverloadErr()
		}
		var dist float64
		if len(args) > 2 {
			if dist, ok = args[2].Value().(float64); !ok {
				return types.NoSuchOverloadErr()
			}
		}
		lit, err := e.literal(text)
		if err != nil {
			return types.NewErr("%v", err)
		}
		if !g.run.candidate(g.f.ID, text, lit, dist) {
			return types.False
		}
		return types.Bool(geometry.Evaluate(p, g.f.Geom, lit.g, dist))
	}
}

// run memoizes index lookups for the literals of one Select call.
type run struct {
	index spatialindex.Index
	cands map[string]map[string]struct{}
}

func (r *run) candidate(id, text string, lit literal, dist float64) bool {
	if r == nil || r.index == nil {
		return true
	}
	key := text + "\x00" + strconv.FormatFloat(dist, 'g', -1, 64)
	set, ok := r.cands[key]
	if !ok {
		hits := r.index.Search(spatialindex.Expand(lit.bound, dist))
		set = make(map[string]struct{}, len(hits))
		for _, h := range hits {
			set[h] = struct{}{}
		}
		r.cands[key] = set
	}
	_, ok = set[id]
	return ok
}

// geomVal exposes a feature geometry to CEL as an opaque value.
type geomVal struct {
	f   *backend.Feature
	run *run
}

func (g geomVal) ConvertToNative(reflect.Type) (any, error) {
	return nil, fmt.Errorf("geometry has no native conversion")
}

func (g geomVal) ConvertToType(t ref.Type) ref.Val {
	return types.NewErr("type conversion error from geometry to %s", t.TypeName())
}

func (g geomVal) Equal(other ref.Val) ref.Val {
	o, ok := other.(geomVal)
	return types.Bool(ok && o.f == g.f)
}

func (g geomVal) Type() ref.Type { return geometryType }

func (g geomVal) Value() any { return g.f.Geom }
