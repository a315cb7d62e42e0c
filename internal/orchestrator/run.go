package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/cache"
	"github.com/mohammed-shakir/geofilter/internal/cache/keys"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/filterevents"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/history"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/structures"
)

// Progress is reported at every phase change and per finished target.
type Progress struct {
	Phase   model.Phase
	Percent int
	Message string
}

type run struct {
	o        *Orchestrator
	id       string
	req      model.FilterRequest
	progress func(Progress)
	scope    *structures.Scope

	progressMu sync.Mutex

	source       catalog.Collection // as read, possibly the fallback file
	sourceNative catalog.Collection
	sourceB      backend.Backend

	availMu sync.Mutex
	avail   map[model.BackendKind]error
}

// Run executes req synchronously. Structures created by a run that does
// not complete are dropped before Run returns.
func (o *Orchestrator) Run(ctx context.Context, req model.FilterRequest, progress func(Progress)) model.RunResult {
	return o.run(ctx, uuid.NewString(), req, progress)
}

func (o *Orchestrator) run(ctx context.Context, id string, req model.FilterRequest, progress func(Progress)) model.RunResult {
	start := o.now()
	if progress == nil {
		progress = func(Progress) {}
	}
	r := &run{o: o, id: id, req: req, progress: progress, avail: map[model.BackendKind]error{}}

	ctx = logger.WithComponent(ctx, "orchestrator")
	ctx, span := observability.StartSpan(ctx, "filter.run",
		attribute.String("run_id", id),
		attribute.String("source", req.Source),
		attribute.Int("targets", len(req.Targets)),
	)
	res := r.execute(ctx)
	res.RunID = id
	res.Duration = o.now().Sub(start)

	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Reason)
	}
	observability.EndSpan(span, spanErr)
	observability.IncFilterRequest(filterevents.Outcome(res))
	o.d.Events.Publish(filterevents.FromRun(logger.RequestID(ctx), res, o.now()))

	log := logger.FromContext(ctx, &o.log)
	ev := log.Info()
	if !res.Success {
		ev = log.Warn().Str("class", string(res.Class)).Str("reason", res.Reason)
	}
	ev.Str("run_id", id).
		Str("phase", string(res.Phase)).
		Int("targets", len(res.Results)).
		Bool("history", res.HistoryRecorded).
		Dur("duration", res.Duration).
		Msg("filter_run")
	return res
}

func (r *run) phase(p model.Phase, pct int, msg string) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.progress(Progress{Phase: p, Percent: pct, Message: msg})
}

func (r *run) fail(res model.RunResult, err error) model.RunResult {
	res.Success = false
	res.Class = model.Classify(err)
	res.Reason = err.Error()
	res.Remedy = model.Remedy(res.Class)
	res.Phase = model.PhaseFailed
	if res.Class == model.ClassCancelled {
		res.Phase = model.PhaseCancelled
	}
	r.phase(res.Phase, 100, res.Reason)
	return res
}

func (r *run) cancelled(ctx context.Context, res model.RunResult) (model.RunResult, bool) {
	if err := ctx.Err(); err != nil {
		return r.fail(res, fmt.Errorf("%w: %v", model.ErrCancelled, err)), true
	}
	return res, false
}

func (r *run) execute(ctx context.Context) model.RunResult {
	o := r.o
	var res model.RunResult

	r.phase(model.PhaseValidating, 0, "validating request")
	if err := r.req.Validate(); err != nil {
		return r.fail(res, err)
	}
	src, err := o.d.Catalog.Get(r.req.Source)
	if err != nil {
		return r.fail(res, err)
	}
	targets := make([]catalog.Collection, 0, len(r.req.Targets))
	for _, id := range r.req.Targets {
		col, err := o.d.Catalog.Get(id)
		if err != nil {
			return r.fail(res, err)
		}
		targets = append(targets, col)
	}
	unlock, err := o.d.Catalog.Lock(append([]string{src.ID}, r.req.Targets...)...)
	if err != nil {
		return r.fail(res, err)
	}
	defer unlock()

	committed := false
	if o.d.Structures != nil {
		r.scope = o.d.Structures.NewScope()
		defer func() {
			if err := r.scope.Close(ctx, committed); err != nil {
				logger.FromContext(ctx, &o.log).Info().Err(err).Str("run_id", r.id).Msg("structure_drop_failed")
			}
		}()
	}
	if res, stop := r.cancelled(ctx, res); stop {
		return res
	}

	r.phase(model.PhasePreparingGeometry, 10, "preparing source geometry")
	pg, err := r.prepare(ctx, src)
	if err != nil {
		return r.fail(res, err)
	}
	res.Geometry = model.GeometryReport{
		Input:            pg.InputCount,
		Valid:            pg.ValidCount,
		Eroded:           pg.ErodedCount,
		Invalid:          pg.InvalidCount,
		Size:             pg.Size,
		Simplified:       pg.Simplified,
		PrecisionReduced: pg.PrecisionReduced,
		Dissolved:        pg.Dissolved,
		Approximate:      pg.Approximate,
	}
	if res, stop := r.cancelled(ctx, res); stop {
		return res
	}

	r.phase(model.PhaseSelectingBackends, 25, "selecting backends")
	plans := make([]plan, len(targets))
	for i, col := range targets {
		plans[i] = r.plan(ctx, col)
		if plans[i].err != nil && model.Classify(plans[i].err).Aborts() {
			return r.fail(res, fmt.Errorf("%s: %w", col.ID, plans[i].err))
		}
	}
	if res, stop := r.cancelled(ctx, res); stop {
		return res
	}

	r.phase(model.PhaseBuildingExpression, 40, "building expressions")
	outs := r.buildAll(ctx, plans, pg)
	if res, stop := r.cancelled(ctx, res); stop {
		return res
	}
	for _, out := range outs {
		if out.err != nil && model.Classify(out.err).Aborts() {
			res.Results = results(outs)
			return r.fail(res, fmt.Errorf("%s: %w", out.res.Collection, out.err))
		}
	}
	res.Results = results(outs)

	r.phase(model.PhaseApplying, 85, "applying filters")
	snaps, err := r.apply(outs)
	if err != nil {
		return r.fail(res, err)
	}

	r.phase(model.PhaseRecordingHistory, 95, "recording history")
	if len(snaps) > 0 {
		if _, err := o.d.History.Push(r.id, r.req.Description, snaps); err != nil {
			r.rollback(snaps)
			return r.fail(res, err)
		}
		res.HistoryRecorded = true
	}
	committed = true
	o.sweep(ctx)

	res.Success = len(snaps) > 0
	res.Phase = model.PhaseCompleted
	if !res.Success {
		// every target failed on its own; report the first reason
		for _, fr := range res.Results {
			if !fr.Success {
				res.Class, res.Reason, res.Remedy = fr.Class, fr.Reason, fr.Remedy
				break
			}
		}
		res.Phase = model.PhaseFailed
	} else if pg.Eroded() {
		res.Reason = fmt.Sprintf("0 valid, %d eroded source features", pg.ErodedCount)
		res.Remedy = model.RemedyEroded
	}
	r.phase(res.Phase, 100, "done")
	return res
}

// prepare resolves the selected source features and turns them into the
// prepared geometry, through the geometry cache.
func (r *run) prepare(ctx context.Context, src catalog.Collection) (*model.PreparedGeometry, error) {
	o := r.o
	b, col, err := r.reader(ctx, src)
	if err != nil {
		return nil, err
	}
	r.source, r.sourceNative, r.sourceB = col, src, b

	ids := append([]string(nil), r.req.SourceFeatureIDs...)
	sort.Strings(ids)
	key := keys.Geometry(src.ID, src.SRID, o.cfg.MaxPrecision, r.req.Buffer,
		append([]string{"v" + strconv.FormatInt(src.Version, 10), string(col.Kind)}, ids...))
	log := logger.FromContext(ctx, &o.log)
	if pg, ok := o.d.Caches.Geometry.Get(key); ok {
		log.Debug().Str("cache", cache.NameGeometry).Bool("hit", true).Str("source", src.ID).Msg("cache_lookup")
		return pg, nil
	}
	log.Debug().Str("cache", cache.NameGeometry).Bool("hit", false).Str("source", src.ID).Msg("cache_lookup")

	fs, err := b.Features(ctx, col, backend.Query{IDs: r.req.SourceFeatureIDs})
	if err != nil {
		return nil, fmt.Errorf("resolve source features: %w", err)
	}
	if len(fs) == 0 {
		return nil, fmt.Errorf("%w: source selection of %q resolved no features", model.ErrInput, src.ID)
	}
	inputs := make([]geometry.Input, len(fs))
	for i, f := range fs {
		inputs[i] = geometry.Input{ID: f.ID, Geom: f.Geom}
	}
	pg, err := o.d.Preparer.Prepare(inputs, r.req.Buffer, src.SRID, src.Geographic())
	if err != nil {
		return nil, err
	}
	if pg.InvalidCount > 0 || pg.ErodedCount > 0 {
		log.Info().Int("invalid", pg.InvalidCount).Int("eroded", pg.ErodedCount).Int("valid", pg.ValidCount).Msg("source_geometry_degraded")
	}
	o.d.Caches.Geometry.Set(key, pg, 0, cache.CollectionTag(src.ID))
	return pg, nil
}

// reader returns the backend serving col, or its fallback file when the
// primary backend is not reachable.
func (r *run) reader(ctx context.Context, col catalog.Collection) (backend.Backend, catalog.Collection, error) {
	b, err := r.available(ctx, col.Kind)
	if err == nil {
		return b, col, nil
	}
	if col.Fallback != "" {
		if fb, ferr := r.available(ctx, model.BackendOGR); ferr == nil {
			logger.FromContext(ctx, &r.o.log).Warn().Err(err).Str("collection", col.ID).Str("fallback", col.Fallback).Msg("reading fallback source")
			return fb, fallbackOf(col), nil
		}
	}
	return nil, col, err
}

// available pings each backend kind once per run.
func (r *run) available(ctx context.Context, k model.BackendKind) (backend.Backend, error) {
	b, err := r.o.d.Backends.Get(k)
	if err != nil {
		return nil, err
	}
	r.availMu.Lock()
	defer r.availMu.Unlock()
	if err, seen := r.avail[k]; seen {
		return b, err
	}
	pctx, cancel := context.WithTimeout(ctx, r.o.cfg.PingTimeout)
	defer cancel()
	err = b.Ping(pctx)
	if err != nil && ctx.Err() == nil && !errors.Is(err, model.ErrUnavailable) {
		err = fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	r.avail[k] = err
	if err != nil {
		return nil, err
	}
	return b, nil
}

// apply writes every successful result as its collection's new filter
// state. The per-collection locks are held by the run.
func (r *run) apply(outs []outcome) ([]history.Snapshot, error) {
	cat := r.o.d.Catalog
	var snaps []history.Snapshot
	for _, out := range outs {
		if out.err != nil || !out.res.Success {
			continue
		}
		before, err := cat.Filter(out.res.Collection)
		if err == nil {
			after := catalog.FilterState{
				Expression:  out.res.Expression,
				Count:       out.res.Count,
				CountKnown:  out.res.CountKnown,
				Description: r.req.Description,
				UpdatedAt:   r.o.now(),
			}
			err = cat.SetFilter(out.res.Collection, after)
			if err == nil {
				snaps = append(snaps, history.Snapshot{Collection: out.res.Collection, Before: before, After: after})
				continue
			}
		}
		r.rollback(snaps)
		return nil, fmt.Errorf("apply %s: %w", out.res.Collection, err)
	}
	return snaps, nil
}

func (r *run) rollback(snaps []history.Snapshot) {
	for i := len(snaps) - 1; i >= 0; i-- {
		_ = r.o.d.Catalog.SetFilter(snaps[i].Collection, snaps[i].Before)
	}
}

func results(outs []outcome) []model.FilterResult {
	out := make([]model.FilterResult, len(outs))
	for i, o := range outs {
		out[i] = o.res
	}
	return out
}
