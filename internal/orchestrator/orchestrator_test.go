package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/backend/memory"
	"github.com/mohammed-shakir/geofilter/internal/backend/sqlite"
	"github.com/mohammed-shakir/geofilter/internal/cache"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/history"
	"github.com/mohammed-shakir/geofilter/internal/structures"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive/simple"
)

func square(x, y, s float64) orb.Polygon {
	return orb.Polygon{{{x, y}, {x + s, y}, {x + s, y + s}, {x, y + s}, {x, y}}}
}

// 10x10 grid of 10 m squares
func grid() []backend.Feature {
	var fs []backend.Feature
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			fs = append(fs, backend.Feature{ID: strconv.Itoa(i*10 + j), Geom: square(float64(i)*10, float64(j)*10, 10)})
		}
	}
	return fs
}

type env struct {
	o   *Orchestrator
	cat *catalog.Catalog
	db  *sqlite.Backend
	st  *structures.Manager
}

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()

	ev, err := memory.NewEvaluator(7)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	mem := memory.New(ev, 7)
	mem.Put("zones", 3857, []backend.Feature{
		{ID: "z1", Geom: square(5, 5, 30)},
		{ID: "z2", Geom: square(200, 200, 10)},
		{ID: "z3", Geom: square(0, 0, 5.5)},
	})
	mem.Put("buildings", 3857, grid())
	mem.Put("sheds", 3857, grid())

	db, err := sqlite.Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.DB().ExecContext(ctx, `CREATE TABLE parcels (fid INTEGER PRIMARY KEY, geom TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if _, err := db.DB().ExecContext(ctx, `INSERT INTO parcels (fid, geom) VALUES (?, ?)`, i, fmt.Sprintf("POINT(%d %d)", i, i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	cat := catalog.New()
	for _, c := range []catalog.Collection{
		{ID: "zones", Kind: model.BackendMemory, SRID: 3857},
		{ID: "buildings", Kind: model.BackendMemory, SRID: 3857},
		{ID: "sheds", Kind: model.BackendMemory, SRID: 3857},
		{ID: "parcels", Kind: model.BackendSpatialite, Table: "parcels", SRID: 3857},
		{ID: "roads", Kind: model.BackendPostgres, Schema: "public", Table: "roads", SRID: 3857},
	} {
		if err := cat.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}

	caches, err := cache.NewSet(cache.Config{
		Geometry:   cache.Limits{Entries: 32, TTL: time.Hour},
		Expression: cache.Limits{Entries: 32, TTL: time.Hour},
		Structure:  cache.Limits{Entries: 32, TTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("caches: %v", err)
	}
	reg := backend.NewRegistry(mem, db)
	st, err := structures.New(
		structures.Config{Prefix: "gf_", NonDurable: true, CacheTTL: time.Hour, Policy: structures.Policy{MinRows: 1}},
		structures.Options{Session: "5b1c2d3e-aaaa-bbbb-cccc-ddddeeeeffff", Backends: reg, Cache: caches.Structure, Log: zerolog.Nop()},
	)
	if err != nil {
		t.Fatalf("structures: %v", err)
	}
	o, err := New(Config{Workers: 2}, Deps{
		Catalog:    cat,
		Backends:   reg,
		Selector:   simple.New(simple.Config{RelationalMemoryMax: 1000, EmbeddedStructureMin: 5}),
		Structures: st,
		Caches:     caches,
		Preparer:   geometry.NewPreparer(geometry.DefaultConfig()),
		History:    history.New(20, time.Now),
		Log:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return env{o: o, cat: cat, db: db, st: st}
}

func request(targets ...string) model.FilterRequest {
	return model.FilterRequest{
		Source:           "zones",
		SourceFeatureIDs: []string{"z1"},
		Targets:          targets,
		Predicates:       []model.Predicate{model.PredIntersects},
		TargetCombine:    model.CombineAnd,
		Description:      "test",
	}
}

func count(t *testing.T, res model.RunResult, collection string) int64 {
	t.Helper()
	fr, ok := res.Result(collection)
	if !ok {
		t.Fatalf("no result for %s in %+v", collection, res)
	}
	if !fr.Success || !fr.CountKnown {
		t.Fatalf("%s failed: %s (%s)", collection, fr.Reason, fr.Class)
	}
	return fr.Count
}

func TestRun_PredicateCombine(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req := request("buildings")
	req.TargetCombine = model.CombineReplace
	req.Predicates = []model.Predicate{model.PredIntersects, model.PredWithin}

	req.PredicateCombine = model.CombineAnd
	res := e.o.Run(ctx, req, nil)
	if !res.Success || res.Phase != model.PhaseCompleted {
		t.Fatalf("and run: %+v", res)
	}
	if n := count(t, res, "buildings"); n != 4 {
		t.Fatalf("intersects AND within = %d, want 4", n)
	}

	req.PredicateCombine = model.CombineOr
	res = e.o.Run(ctx, req, nil)
	if n := count(t, res, "buildings"); n != 16 {
		t.Fatalf("intersects OR within = %d, want 16", n)
	}
	if fr, _ := res.Result("buildings"); fr.Path != model.PathIndexedDirect || fr.Backend != model.BackendMemory {
		t.Fatalf("path=%s backend=%s", fr.Path, fr.Backend)
	}
}

func TestRun_RepeatedAndIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.o.Run(ctx, request("buildings"), nil)
	second := e.o.Run(ctx, request("buildings"), nil)
	if a, b := count(t, first, "buildings"), count(t, second, "buildings"); a != 16 || b != a {
		t.Fatalf("counts %d then %d, want 16 twice", a, b)
	}
	f, _ := e.cat.Filter("buildings")
	if f.Count != 16 || f.Expression == "" {
		t.Fatalf("applied state %+v", f)
	}
}

func TestRun_FullyErodedSource(t *testing.T) {
	e := newEnv(t)
	req := request("buildings")
	req.TargetCombine = model.CombineReplace
	req.Buffer = -20

	res := e.o.Run(context.Background(), req, nil)
	if res.Geometry.Valid != 0 || res.Geometry.Eroded != 1 {
		t.Fatalf("geometry report %+v", res.Geometry)
	}
	fr, ok := res.Result("buildings")
	if !ok || !fr.Success || !fr.Eroded || fr.Count != 0 || fr.Path != model.PathEroded {
		t.Fatalf("result %+v", fr)
	}
	if fr.Remedy != model.RemedyEroded || res.Remedy != model.RemedyEroded {
		t.Fatalf("remedy %q / %q", fr.Remedy, res.Remedy)
	}
}

func TestRun_GlobalUndoRedo(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.o.Run(ctx, request("buildings", "sheds"), nil)
	if !res.Success || !res.HistoryRecorded {
		t.Fatalf("run: %+v", res)
	}
	entries := e.o.History()
	if len(entries) != 1 || entries[0].Kind != history.KindGlobal || entries[0].RunID != res.RunID {
		t.Fatalf("history %+v", entries)
	}

	if _, err := e.o.Undo(ctx, ""); err != nil {
		t.Fatalf("undo: %v", err)
	}
	for _, id := range []string{"buildings", "sheds"} {
		if f, _ := e.cat.Filter(id); f.Expression != "" {
			t.Fatalf("%s still filtered after undo: %q", id, f.Expression)
		}
	}
	if _, err := e.o.Redo(ctx, "sheds"); err != nil {
		t.Fatalf("redo: %v", err)
	}
	for _, id := range []string{"buildings", "sheds"} {
		if f, _ := e.cat.Filter(id); f.Count != 16 {
			t.Fatalf("%s after redo: %+v", id, f)
		}
	}

	cleared, err := e.o.Clear(ctx, "clear")
	if err != nil || !cleared {
		t.Fatalf("clear: %v %v", cleared, err)
	}
	if _, err := e.o.Undo(ctx, "buildings"); err != nil {
		t.Fatalf("undo clear: %v", err)
	}
	if f, _ := e.cat.Filter("sheds"); f.Count != 16 {
		t.Fatalf("clear is not undone as a unit: %+v", f)
	}
}

func TestRun_PartialFailure(t *testing.T) {
	e := newEnv(t)
	req := request("buildings", "sheds")
	req.PreExisting = map[string]string{"sheds": `intersects(geom`}

	res := e.o.Run(context.Background(), req, nil)
	if !res.Success {
		t.Fatalf("run: %+v", res)
	}
	count(t, res, "buildings")
	fr, _ := res.Result("sheds")
	if fr.Success || fr.Class != model.ClassExpression || fr.Remedy == "" {
		t.Fatalf("sheds %+v", fr)
	}
	if f, _ := e.cat.Filter("sheds"); f.Expression != "" {
		t.Fatalf("failed target was applied: %q", f.Expression)
	}
	if entries := e.o.History(); len(entries) != 1 || entries[0].Kind != history.KindSingle {
		t.Fatalf("history %+v", entries)
	}
}

func TestRun_UnavailableBackendAborts(t *testing.T) {
	e := newEnv(t)
	res := e.o.Run(context.Background(), request("buildings", "roads"), nil)
	if res.Success || res.Class != model.ClassUnavailable || res.Phase != model.PhaseFailed {
		t.Fatalf("run: %+v", res)
	}
	if f, _ := e.cat.Filter("buildings"); f.Expression != "" {
		t.Fatalf("buildings applied on aborted run")
	}
	if len(e.o.History()) != 0 {
		t.Fatalf("history recorded")
	}
}

func TestRun_StructurePath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := request("parcels")
	req.SourceFeatureIDs = []string{"z3"}

	res := e.o.Run(ctx, req, nil)
	if n := count(t, res, "parcels"); n != 5 {
		t.Fatalf("parcels=%d want 5", n)
	}
	fr, _ := res.Result("parcels")
	if fr.Path != model.PathStructure || !strings.HasPrefix(fr.Structure, "gf_") {
		t.Fatalf("path=%s structure=%q", fr.Path, fr.Structure)
	}
	if owned := e.st.Owned(); len(owned) != 1 || owned[0].Name != fr.Structure {
		t.Fatalf("owned %+v", owned)
	}

	// the data changed: the applied filter still names the structure, so it
	// is retired rather than dropped and the next run must build a new one
	if err := e.o.Invalidate("parcels"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if names, _ := e.db.ListStructures(ctx, "gf_"); len(names) != 1 || names[0] != fr.Structure {
		t.Fatalf("structures after edit: %v", names)
	}
	if r := e.st.Retired(); len(r) != 1 || r[0] != fr.Structure || e.st.Alive(fr.Structure) {
		t.Fatalf("retired=%v alive=%v", r, e.st.Alive(fr.Structure))
	}
	res = e.o.Run(ctx, req, nil)
	if n := count(t, res, "parcels"); n != 5 {
		t.Fatalf("regenerated parcels=%d want 5", n)
	}
	again, _ := res.Result("parcels")
	if again.Structure == fr.Structure || strings.Contains(again.Expression, fr.Structure) {
		t.Fatalf("stale structure kept: %s", again.Expression)
	}

	// undo brings back the filter naming the retired structure; it must
	// still evaluate
	if _, err := e.o.Undo(ctx, "parcels"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	col, err := e.cat.Get("parcels")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(col.Filter.Expression, fr.Structure) {
		t.Fatalf("restored filter %s", col.Filter.Expression)
	}
	if n, err := e.db.Count(ctx, col, col.Filter.Expression); err != nil || n != 5 {
		t.Fatalf("restored filter count=%d err=%v", n, err)
	}
}

func TestRun_CancelledDropsStructures(t *testing.T) {
	e := newEnv(t)
	req := request("parcels")
	req.SourceFeatureIDs = []string{"z3"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := e.o.Run(ctx, req, func(p Progress) {
		if p.Phase == model.PhaseBuildingExpression && p.Percent == 80 {
			cancel()
		}
	})
	if res.Success || res.Phase != model.PhaseCancelled || res.Class != model.ClassCancelled {
		t.Fatalf("run: %+v", res)
	}
	if names, _ := e.db.ListStructures(context.Background(), "gf_"); len(names) != 0 {
		t.Fatalf("structures left behind: %v", names)
	}
	if len(e.st.Owned()) != 0 {
		t.Fatalf("owned %+v", e.st.Owned())
	}
	if f, _ := e.cat.Filter("parcels"); f.Expression != "" {
		t.Fatalf("cancelled run applied a filter")
	}
}

func TestSubmit_WaitAndStatus(t *testing.T) {
	e := newEnv(t)
	id := e.o.Submit(context.Background(), request("buildings"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.o.Wait(ctx, id)
	if err != nil || !res.Success || res.RunID != id {
		t.Fatalf("wait: %+v %v", res, err)
	}
	st, err := e.o.Status(id)
	if err != nil || !st.Done || st.Result == nil || st.Progress.Phase != model.PhaseCompleted {
		t.Fatalf("status %+v %v", st, err)
	}
	if _, err := e.o.Status("nope"); err == nil {
		t.Fatalf("unknown job")
	}
	e.o.Close()
}

func TestInvalidMissingSource(t *testing.T) {
	e := newEnv(t)
	req := request("buildings")
	req.SourceFeatureIDs = []string{"missing"}
	res := e.o.Run(context.Background(), req, nil)
	if res.Success || res.Class != model.ClassInput {
		t.Fatalf("run: %+v", res)
	}
}
