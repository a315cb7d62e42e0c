package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// selectivity ranks predicates so that cheaper, more selective tests run
// first under short-circuit evaluation.
var selectivity = map[model.Predicate]int{
	model.PredEquals:     0,
	model.PredContains:   1,
	model.PredWithin:     1,
	model.PredTouches:    2,
	model.PredCrosses:    2,
	model.PredOverlaps:   2,
	model.PredIntersects: 3,
	model.PredDWithin:    4,
	model.PredDisjoint:   5,
}

func OrderBySelectivity(ps []model.Predicate) []model.Predicate {
	seen := make(map[model.Predicate]struct{}, len(ps))
	out := make([]model.Predicate, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := selectivity[out[i]], selectivity[out[j]]
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// PerFeature reports whether testing preds against each source feature
// separately gives the same answer as testing the union of the features.
// That holds for intersection and distance, and for a buffer only when it
// does not erode: eroding a union differs from the union of erosions.
func PerFeature(preds []model.Predicate, buffer float64) bool {
	if len(preds) == 0 || buffer < 0 {
		return false
	}
	for _, p := range preds {
		if p != model.PredIntersects && p != model.PredDWithin {
			return false
		}
	}
	return true
}

// Request is the logical spatial filter for one target collection. Either
// Geometry (literal strategy) or Source (existence strategy) is set.
type Request struct {
	Target     Target
	Predicates []model.Predicate
	Op         model.CombineOp
	Distance   float64
	Geometry   *model.PreparedGeometry
	Source     *Source
}

func Spatial(d Dialect, r Request) (string, error) {
	preds := OrderBySelectivity(r.Predicates)
	if len(preds) == 0 {
		return "", fmt.Errorf("%w: no predicates", model.ErrInput)
	}
	terms := make([]string, 0, len(preds))
	if r.Source != nil {
		for _, p := range preds {
			p := p
			t, err := d.Exists(r.Target, *r.Source, func(left, right string) string {
				return d.Relation(p, left, right, r.Distance)
			})
			if err != nil {
				return "", err
			}
			terms = append(terms, t)
		}
	} else {
		if r.Geometry == nil || r.Geometry.WKT == "" {
			return "", fmt.Errorf("%w: no source geometry", model.ErrInput)
		}
		left, err := d.Column(r.Target, r.Target.GeomColumn, false)
		if err != nil {
			return "", err
		}
		right, err := d.Geometry(r.Geometry, r.Target.SRID)
		if err != nil {
			return "", err
		}
		for _, p := range preds {
			terms = append(terms, d.Relation(p, left, right, r.Distance))
		}
	}
	out := terms[0]
	for _, t := range terms[1:] {
		if r.Op == model.CombineOr {
			out = d.Or(out, t)
		} else {
			out = d.And(out, t)
		}
	}
	if err := d.Validate(out); err != nil {
		return "", err
	}
	return out, nil
}

// Selection restricts t to the given primary keys.
func Selection(d Dialect, t Target, ids []string) (string, error) {
	col, err := d.Column(t, t.PKColumn, false)
	if err != nil {
		return "", err
	}
	return d.InList(col, ids)
}

func Combine(d Dialect, existing, fresh string, op model.CombineOp) string {
	existing = strings.TrimSpace(existing)
	if existing == "" || op == model.CombineReplace {
		return fresh
	}
	switch op {
	case model.CombineOr:
		return d.Or(existing, fresh)
	case model.CombineAndNot:
		return d.And(existing, d.Not(fresh))
	}
	return d.And(existing, fresh)
}

// StaleCheck identifies conjuncts of an existing filter that must not be
// carried into a merge.
type StaleCheck struct {
	SourceTable     string // an existence check against this table is stale
	StructurePrefix string
	Alive           func(name string) bool
}

type MergeResult struct {
	Expression string
	Dropped    []string
}

// Merge combines the filter already on a collection with a freshly built
// one. Conjuncts that re-test a previous source selection, or that read a
// structure that no longer exists, are dropped first: keeping them would
// intersect the new selection with an old one.
func Merge(d Dialect, existing, fresh string, op model.CombineOp, sc StaleCheck) (MergeResult, error) {
	existing = strings.TrimSpace(existing)
	if existing == "" || op == model.CombineReplace {
		return MergeResult{Expression: fresh}, nil
	}
	if err := d.Validate(existing); err != nil {
		return MergeResult{}, fmt.Errorf("existing filter: %w", err)
	}
	lx := d.lex()
	conj := lx.conjuncts(existing)
	keep := make([]string, 0, len(conj))
	var dropped []string
	for _, c := range conj {
		if isStale(d, lx, c, sc) {
			dropped = append(dropped, c)
			continue
		}
		keep = append(keep, c)
	}
	if len(dropped) == 0 {
		return MergeResult{Expression: Combine(d, existing, fresh, op)}, nil
	}
	if len(keep) == 0 {
		return MergeResult{Expression: fresh, Dropped: dropped}, nil
	}
	base := keep[0]
	for _, k := range keep[1:] {
		base = d.And(base, k)
	}
	return MergeResult{Expression: Combine(d, base, fresh, op), Dropped: dropped}, nil
}

func isStale(d Dialect, lx lexer, c string, sc StaleCheck) bool {
	if lx.containsOutside(c, d.sourceAlias()) {
		return true
	}
	if sc.SourceTable != "" && lx.containsOutside(c, "exists") {
		if q, err := sqlQuoteIdent(sc.SourceTable); err == nil && lx.containsQuoted(c, q) {
			return true
		}
	}
	if sc.StructurePrefix != "" && sc.Alive != nil {
		for _, name := range structureRefs(lx, c, sc.StructurePrefix) {
			if !sc.Alive(name) {
				return true
			}
		}
	}
	return false
}

// structureRefs lists quoted identifiers in c that carry prefix.
func structureRefs(lx lexer, c, prefix string) []string {
	var out []string
	_ = lx.segments(c, func(_ int, text string, quoted bool) bool {
		if quoted && len(text) > 2 && text[0] == '"' {
			name := strings.ReplaceAll(text[1:len(text)-1], `""`, `"`)
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)
			}
		}
		return true
	})
	return out
}
