package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/backend/memory"
	"github.com/mohammed-shakir/geofilter/internal/cache"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/history"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive/simple"
)

// smallRelational is a relational backend small enough for the memory
// path; countErr is what it answers to Count.
type smallRelational struct {
	countErr error
}

func (smallRelational) Kind() model.BackendKind    { return model.BackendPostgres }
func (smallRelational) Dialect() expr.Dialect      { return expr.PostGIS{} }
func (smallRelational) Ping(context.Context) error { return nil }
func (smallRelational) Estimate(context.Context, catalog.Collection) (int64, bool, error) {
	return 100, true, nil
}

func (smallRelational) Features(context.Context, catalog.Collection, backend.Query) ([]backend.Feature, error) {
	return grid(), nil
}

func (s smallRelational) Count(_ context.Context, _ catalog.Collection, expression string) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	return int64(strings.Count(expression, "'")) / 2, nil
}

func relationalEnv(t *testing.T, countErr error) *Orchestrator {
	t.Helper()
	ev, err := memory.NewEvaluator(7)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	mem := memory.New(ev, 7)
	mem.Put("zones", 3857, []backend.Feature{{ID: "z1", Geom: square(5, 5, 30)}})

	cat := catalog.New()
	for _, c := range []catalog.Collection{
		{ID: "zones", Kind: model.BackendMemory, SRID: 3857},
		{ID: "lots", Kind: model.BackendPostgres, Schema: "public", Table: "lots", SRID: 3857},
	} {
		if err := cat.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}
	caches, err := cache.NewSet(cache.Config{
		Geometry:   cache.Limits{Entries: 8, TTL: time.Hour},
		Expression: cache.Limits{Entries: 8, TTL: time.Hour},
		Structure:  cache.Limits{Entries: 8, TTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("caches: %v", err)
	}
	o, err := New(Config{Workers: 1}, Deps{
		Catalog:  cat,
		Backends: backend.NewRegistry(mem, smallRelational{countErr: countErr}),
		Selector: simple.New(simple.Config{RelationalMemoryMax: 1000, EmbeddedStructureMin: 1000}),
		Caches:   caches,
		Preparer: geometry.NewPreparer(geometry.DefaultConfig()),
		History:  history.New(20, time.Now),
		Log:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o
}

func lotsRequest() model.FilterRequest {
	req := request("lots")
	req.TargetCombine = model.CombineReplace
	req.SourceCombine = model.CombineReplace
	return req
}

func TestRun_MemoryPathCounts(t *testing.T) {
	res := relationalEnv(t, nil).Run(context.Background(), lotsRequest(), nil)
	if n := count(t, res, "lots"); n != 16 {
		t.Fatalf("lots=%d want 16", n)
	}
	if fr, _ := res.Result("lots"); fr.Path != model.PathMemory || !strings.Contains(fr.Expression, " IN (") {
		t.Fatalf("path=%s expression=%s", fr.Path, fr.Expression)
	}
}

func TestRun_MemoryPathRejectedSelectionFails(t *testing.T) {
	o := relationalEnv(t, fmt.Errorf("%w: column \"fid\" does not exist", model.ErrExpression))
	res := o.Run(context.Background(), lotsRequest(), nil)
	fr, ok := res.Result("lots")
	if !ok || fr.Success || fr.Class != model.ClassExpression {
		t.Fatalf("lots %+v", fr)
	}
	if len(o.History()) != 0 {
		t.Fatalf("rejected selection recorded in history")
	}
}

func TestRun_MemoryPathKeepsLocalCountOnOtherErrors(t *testing.T) {
	res := relationalEnv(t, errors.New("statement timeout while counting")).Run(context.Background(), lotsRequest(), nil)
	if n := count(t, res, "lots"); n != 16 {
		t.Fatalf("lots=%d want the local count 16", n)
	}
}
