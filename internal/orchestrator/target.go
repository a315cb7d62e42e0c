package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/cache"
	"github.com/mohammed-shakir/geofilter/internal/cache/keys"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive"
)

const (
	strategyLiteral   = "literal"
	strategyExists    = "exists"
	strategySelection = "selection"
	strategyStructure = "structure"
)

// plan binds one target to the backends that read and evaluate it.
type plan struct {
	native catalog.Collection
	col    catalog.Collection // the collection as eval sees it
	read   backend.Backend
	eval   backend.Backend
	dec    adaptive.Decision
	reason adaptive.Reason
	err    error
}

type outcome struct {
	res model.FilterResult
	err error
}

func (r *run) plan(ctx context.Context, col catalog.Collection) plan {
	p := plan{native: col, col: col}
	nb, pingErr := r.available(ctx, col.Kind)
	if pingErr == nil && !col.EstimateKnown {
		if n, exact, err := nb.Estimate(ctx, col); err == nil {
			_ = r.o.d.Catalog.SetEstimate(col.ID, n, exact)
			col.Estimate, col.EstimateKnown, col.EstimateExact = n, true, exact
			p.native, p.col = col, col
		}
	}

	desc := col.Descriptor(pingErr == nil)
	if k, ok := r.req.Overrides[col.ID]; ok {
		desc.Override = k
	}
	dec, why, err := r.o.d.Selector.Decide(desc)
	p.dec, p.reason = dec, why

	log := logger.FromContext(ctx, &r.o.log)
	evt := log.Info()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.Str("collection", col.ID).
		Str("native", string(col.Kind)).
		Str("backend", string(dec.Kind)).
		Str("path", string(dec.Path)).
		Bool("fallback", dec.UseFallback).
		Int64("estimate", col.Estimate).
		Str("reason", string(why)).
		Msg("backend_decision")
	if err != nil {
		p.err = err
		return p
	}

	switch {
	case dec.UseFallback:
		fb, err := r.available(ctx, model.BackendOGR)
		if err != nil {
			p.err = err
			return p
		}
		p.col = fallbackOf(col)
		p.read, p.eval = fb, fb
	case dec.Path == model.PathMemory && col.Kind != model.BackendMemory:
		// features are pulled into memory, the selection runs natively
		if pingErr != nil {
			p.err = pingErr
			return p
		}
		p.read, p.eval = nb, nb
	default:
		b, err := r.available(ctx, dec.Kind)
		if err != nil {
			p.err = err
			return p
		}
		p.read, p.eval = b, b
	}
	return p
}

// buildAll builds every target on a bounded worker pool. The source
// collection is built last in the slice when its own filter changes.
func (r *run) buildAll(ctx context.Context, plans []plan, pg *model.PreparedGeometry) []outcome {
	n := len(plans)
	total := n
	withSource := r.req.SourceCombine != model.CombineReplace && len(r.req.SourceFeatureIDs) > 0
	if withSource {
		total++
	}
	outs := make([]outcome, total)
	finished := make([]bool, total)

	workers := min(r.o.cfg.Workers, total)
	jobs := make(chan int)
	var wg sync.WaitGroup
	var done atomic.Int32
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if i == n {
					outs[i] = r.buildSource(ctx)
				} else {
					outs[i] = r.build(ctx, plans[i], pg)
				}
				finished[i] = true
				k := int(done.Add(1))
				r.phase(model.PhaseBuildingExpression, 40+40*k/total, outs[i].res.Collection)
			}
		}()
	}

feed:
	for i := 0; i < total; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for i := range outs {
		if finished[i] {
			continue
		}
		id := r.sourceNative.ID
		if i < n {
			id = plans[i].native.ID
		}
		res := model.FilterResult{Collection: id}
		outs[i] = r.failed(res, fmt.Errorf("%w: %v", model.ErrCancelled, ctx.Err()))
	}
	return outs
}

func (r *run) failed(res model.FilterResult, err error) outcome {
	res.Success = false
	res.Class = model.Classify(err)
	res.Reason = err.Error()
	res.Remedy = model.Remedy(res.Class)
	return outcome{res: res, err: err}
}

func (r *run) build(ctx context.Context, p plan, pg *model.PreparedGeometry) (out outcome) {
	start := r.o.now()
	col := p.native
	res := model.FilterResult{
		Collection: col.ID,
		Backend:    p.dec.Kind,
		Path:       p.dec.Path,
		Fallback:   p.dec.UseFallback,
	}
	if p.err != nil {
		return r.failed(res, p.err)
	}

	ctx = logger.WithCollection(ctx, col.ID)
	ctx = logger.WithBackend(ctx, string(p.dec.Kind))
	ctx, span := observability.StartSpan(ctx, "filter.target",
		attribute.String("collection", col.ID),
		attribute.String("backend", string(p.dec.Kind)),
		attribute.String("path", string(p.dec.Path)),
	)
	log := logger.FromContext(ctx, &r.o.log)
	defer func() {
		out.res.Duration = r.o.now().Sub(start)
		observability.EndSpan(span, out.err)
		if out.err != nil {
			log.Warn().Err(out.err).
				Str("class", string(out.res.Class)).
				Str("expression", clip(out.res.Expression, 512)).
				Msg("filter_failed")
			return
		}
		observability.ObserveApply(string(out.res.Backend), string(out.res.Path), out.res.Duration.Seconds())
		log.Info().
			Str("path", string(out.res.Path)).
			Int64("count", out.res.Count).
			Bool("cache_hit", out.res.CacheHit).
			Str("structure", out.res.Structure).
			Dur("duration", out.res.Duration).
			Msg("filter_applied")
	}()

	if r.o.d.Structures != nil {
		r.o.d.Structures.Touch(col.ID)
	}

	d := p.eval.Dialect()
	existing := col.Filter.Expression
	if e, ok := r.req.PreExisting[col.ID]; ok {
		existing = e
	}
	op := r.req.TargetCombine

	if pg.Eroded() {
		res.Path = model.PathEroded
		res.Eroded = true
		res.Expression = expr.Combine(d, existing, d.False(), op)
		res.Reason = fmt.Sprintf("0 valid, %d eroded source features", pg.ErodedCount)
		res.Remedy = model.RemedyEroded
		return r.count(ctx, p, res, -1)
	}

	path, strategy := r.strategy(ctx, p, pg)
	res.Path = path
	key := keys.Expression(keys.ExpressionInput{
		Target:       col.ID,
		Backend:      string(p.eval.Kind()),
		Predicates:   predicateNames(r.req.PredicateSet()),
		PredicateOp:  string(r.req.PredicateOp()),
		Combine:      string(op),
		Buffer:       r.req.Buffer,
		Distance:     r.req.Distance,
		GeometryHash: pg.Hash,
		Strategy:     strategy,
		Existing:     existing,
	})
	if e, ok := r.o.d.Caches.Expression.Get(key); ok {
		if e.Structure == "" || r.structureAlive(e.Structure) {
			res.Expression = e.Expression
			res.Structure = e.Structure
			res.CacheHit = true
			return r.count(ctx, p, res, -1)
		}
		r.o.d.Caches.Expression.Invalidate(key)
	}

	b, err := r.fresh(ctx, p, pg, path, strategy)
	res.Path = b.path
	if err != nil {
		res.Expression = b.expression
		return r.failed(res, err)
	}
	res.Structure = b.structure

	merged, err := expr.Merge(d, existing, b.expression, op, r.staleCheck())
	if err != nil {
		return r.failed(res, err)
	}
	if len(merged.Dropped) > 0 {
		log.Info().Int("dropped", len(merged.Dropped)).Msg("stale_conjuncts_dropped")
	}
	res.Expression = merged.Expression
	// a structure that fell back to direct was not built under the keyed strategy
	if b.path == path {
		r.o.d.Caches.Expression.Set(key, cache.ExpressionEntry{
			Expression: merged.Expression,
			Strategy:   strategy,
			Structure:  b.structure,
			Dropped:    merged.Dropped,
		}, 0, cache.CollectionTag(col.ID), cache.CollectionTag(r.sourceNative.ID))
	}
	local := b.local
	if merged.Expression != b.expression {
		local = -1
	}
	return r.count(ctx, p, res, local)
}

// strategy fixes the path and the expression form before the cache lookup.
func (r *run) strategy(ctx context.Context, p plan, pg *model.PreparedGeometry) (model.OptimizationPath, string) {
	path := p.dec.Path
	if path == model.PathStructure {
		if r.o.d.Structures == nil {
			path = model.PathDirect
		} else {
			ok, why := r.o.d.Structures.Worth(p.native.ID, p.native.Estimate)
			logger.FromContext(ctx, &r.o.log).Debug().
				Bool("create", ok).
				Str("reason", string(why)).
				Int64("estimate", p.native.Estimate).
				Msg("structure_decision")
			if !ok {
				path = model.PathDirect
			}
		}
	}
	switch path {
	case model.PathMemory:
		return path, strategySelection
	case model.PathStructure:
		return path, strategyStructure
	}
	if r.existsApplies(p, pg) {
		return path, strategyExists
	}
	return path, strategyLiteral
}

// existsApplies reports whether the target can re-test the source rows in
// place, which keeps a lossy literal out of the expression. The subquery
// relates each source row on its own, so it is only used where that agrees
// with relating the dissolved geometry.
func (r *run) existsApplies(p plan, pg *model.PreparedGeometry) bool {
	if !pg.Lossy() || p.dec.UseFallback || r.source.Kind != r.sourceNative.Kind {
		return false
	}
	if !expr.PerFeature(r.req.PredicateSet(), r.req.Buffer) {
		return false
	}
	k := p.eval.Kind()
	if k != model.BackendPostgres && k != model.BackendSpatialite {
		return false
	}
	return r.sourceNative.Kind == k && r.sourceNative.SRID == p.col.SRID
}

type built struct {
	expression string
	structure  string
	local      int64 // match count when computed in memory, -1 otherwise
	path       model.OptimizationPath
}

// fresh builds the new expression for one target.
func (r *run) fresh(ctx context.Context, p plan, pg *model.PreparedGeometry, path model.OptimizationPath, strategy string) (built, error) {
	d := p.eval.Dialect()
	t := backend.TargetOf(p.col)
	req := expr.Request{
		Target:     t,
		Predicates: r.req.PredicateSet(),
		Op:         r.req.PredicateOp(),
		Distance:   r.req.Distance,
		Geometry:   pg,
	}
	b := built{local: -1, path: path}
	log := logger.FromContext(ctx, &r.o.log)

	switch path {
	case model.PathMemory:
		ids, err := r.matchInMemory(ctx, p, pg)
		if err != nil {
			return b, err
		}
		b.expression, err = expr.Selection(d, t, ids)
		b.local = int64(len(ids))
		return b, err

	case model.PathIndexedDirect:
		if ix, ok := p.eval.(backend.Indexer); ok {
			created, err := ix.EnsureIndex(ctx, p.col)
			if err != nil {
				return b, err
			}
			if created {
				log.Debug().Msg("spatial_index_built")
			}
		}

	case model.PathStructure:
		where, err := expr.Spatial(d, req)
		if err != nil {
			return b, err
		}
		s, reused, err := r.o.d.Structures.Acquire(ctx, r.scope, p.eval.Kind(), p.col, where)
		if err == nil {
			schema := ""
			if st, ok := p.eval.(backend.Structurer); ok {
				schema = st.StructureSchema()
			}
			b.expression, err = d.InStructure(t, schema, s.Name)
			if err == nil {
				log.Debug().Str("structure", s.Name).Bool("reused", reused).Msg("structure_bound")
				b.structure = s.Name
				return b, nil
			}
		}
		if model.Classify(err).Aborts() {
			return b, err
		}
		log.Info().Err(err).Msg("structure_unavailable_direct")
		b.path = model.PathDirect
		b.expression = where
		return b, nil
	}

	if strategy == strategyExists {
		src := r.sourceNative
		req.Geometry = nil
		req.Source = &expr.Source{
			Schema:     src.Schema,
			Table:      src.Table,
			GeomColumn: src.GeomColumn,
			PKColumn:   src.PKColumn,
			IDs:        r.req.SourceFeatureIDs,
			Buffer:     r.req.Buffer,
		}
	}
	var err error
	b.expression, err = expr.Spatial(d, req)
	return b, err
}

// matchInMemory pulls the candidate features of the target and evaluates
// the predicates locally.
func (r *run) matchInMemory(ctx context.Context, p plan, pg *model.PreparedGeometry) ([]string, error) {
	g := pg.Geom
	if g == nil {
		var err error
		if g, err = geometry.DecodeText(pg.WKT); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrGeometry, err)
		}
	}
	if pg.SRID > 0 && p.col.SRID > 0 && pg.SRID != p.col.SRID {
		var err error
		if g, err = geometry.Reproject(g, pg.SRID, p.col.SRID); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrGeometry, err)
		}
	}
	preds := r.req.PredicateSet()
	q := backend.Query{}
	if b, ok := backend.CandidateBound(preds, g, r.req.Distance); ok {
		q.Bound = &b
	}
	fs, err := p.read.Features(ctx, p.col, q)
	if err != nil {
		return nil, err
	}
	ids := backend.Match(fs, preds, r.req.PredicateOp(), g, r.req.Distance)
	sort.Strings(ids)
	return ids, nil
}

// buildSource narrows the source collection to the selected features.
func (r *run) buildSource(ctx context.Context) outcome {
	start := r.o.now()
	col := r.sourceNative
	res := model.FilterResult{
		Collection: col.ID,
		Backend:    r.sourceB.Kind(),
		Path:       model.PathDirect,
		Fallback:   r.source.Kind != col.Kind,
	}
	d := r.sourceB.Dialect()
	existing := col.Filter.Expression
	if e, ok := r.req.PreExisting[col.ID]; ok {
		existing = e
	}
	ids := append([]string(nil), r.req.SourceFeatureIDs...)
	sort.Strings(ids)
	fresh, err := expr.Selection(d, backend.TargetOf(r.source), ids)
	if err != nil {
		return r.failed(res, err)
	}
	res.Expression = expr.Combine(d, existing, fresh, r.req.SourceCombine)
	p := plan{native: col, col: r.source, read: r.sourceB, eval: r.sourceB}
	out := r.count(ctx, p, res, -1)
	out.res.Duration = r.o.now().Sub(start)
	return out
}

// count runs the expression on the eval backend. A backend rejecting it is
// an expression error for this target, even when the matches were already
// counted in memory. local >= 0 only stands in for errors the backend did
// not attribute to the expression.
func (r *run) count(ctx context.Context, p plan, res model.FilterResult, local int64) outcome {
	n, err := p.eval.Count(ctx, p.col, res.Expression)
	if err != nil {
		class := model.Classify(err)
		if local >= 0 && !class.Aborts() && class != model.ClassExpression && class != model.ClassInput {
			logger.FromContext(ctx, &r.o.log).Warn().Err(err).
				Int64("local_count", local).
				Msg("count_failed_using_local")
			res.Count, res.CountKnown, res.Success = local, true, true
			return outcome{res: res}
		}
		if !errors.Is(err, model.ErrExpression) && !class.Aborts() {
			err = fmt.Errorf("%w: %v", model.ErrExpression, err)
		}
		return r.failed(res, err)
	}
	res.Count, res.CountKnown, res.Success = n, true, true
	return outcome{res: res}
}

func (r *run) staleCheck() expr.StaleCheck {
	sc := expr.StaleCheck{SourceTable: r.sourceNative.Table}
	if m := r.o.d.Structures; m != nil {
		sc.StructurePrefix = m.Prefix()
		sc.Alive = r.structureAlive
	}
	return sc
}

// structureAlive also accepts structures created by this run, which the
// manager only learns about on commit.
func (r *run) structureAlive(name string) bool {
	m := r.o.d.Structures
	if m == nil {
		return false
	}
	if m.Alive(name) {
		return true
	}
	if r.scope != nil {
		for _, n := range r.scope.Created() {
			if n == name {
				return true
			}
		}
	}
	return false
}

func predicateNames(ps []model.Predicate) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
