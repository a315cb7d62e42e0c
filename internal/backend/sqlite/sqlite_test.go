package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
)

func square(x, y, s float64) orb.Polygon {
	return orb.Polygon{{{x, y}, {x + s, y}, {x + s, y + s}, {x, y + s}, {x, y}}}
}

var (
	buildings = catalog.Collection{ID: "buildings", Kind: model.BackendSpatialite, Table: "buildings", GeomColumn: "geom", PKColumn: "fid", SRID: 3857}
	parcels   = catalog.Collection{ID: "parcels", Kind: model.BackendSpatialite, Table: "parcels", GeomColumn: "geom", PKColumn: "fid", SRID: 3857}
)

// buildings: a 10x10 grid of 10 m squares stored as WKB; parcels: three
// 30 m squares along the diagonal stored as WKT text
func open(t *testing.T) *Backend {
	t.Helper()
	b, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()
	for _, s := range []string{
		`CREATE TABLE buildings (fid INTEGER PRIMARY KEY, kind TEXT, geom BLOB)`,
		`CREATE TABLE parcels (fid INTEGER PRIMARY KEY, geom TEXT)`,
	} {
		if _, err := b.DB().ExecContext(ctx, s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			wkb, err := geometry.MarshalWKB(square(float64(i)*10, float64(j)*10, 10))
			if err != nil {
				t.Fatalf("wkb: %v", err)
			}
			kind := "house"
			if j >= 5 {
				kind = "shed"
			}
			if _, err := b.DB().ExecContext(ctx, `INSERT INTO buildings (fid, kind, geom) VALUES (?, ?, ?)`, i*10+j, kind, wkb); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
	}
	for k := 0; k < 3; k++ {
		wkt := geometry.MarshalWKT(square(float64(k)*30+1, float64(k)*30+1, 28))
		if _, err := b.DB().ExecContext(ctx, `INSERT INTO parcels (fid, geom) VALUES (?, ?)`, k+1, wkt); err != nil {
			t.Fatalf("insert parcel: %v", err)
		}
	}
	return b
}

func literal(t *testing.T, g orb.Geometry, preds ...model.Predicate) string {
	t.Helper()
	pg := &model.PreparedGeometry{WKT: geometry.MarshalWKT(g), SRID: 3857, Geom: g}
	e, err := expr.Spatial(expr.SQLite{}, expr.Request{Target: backend.TargetOf(buildings), Predicates: preds, Distance: 6, Geometry: pg})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return e
}

func TestCount_LiteralPredicates(t *testing.T) {
	b := open(t)
	ctx := context.Background()
	for _, c := range []struct {
		e    string
		want int64
	}{
		{literal(t, square(1, 1, 8), model.PredIntersects), 1},
		{literal(t, square(1, 1, 8), model.PredDisjoint), 99},
		{literal(t, square(5, 5, 30), model.PredIntersects), 16},
		{literal(t, square(0, 0, 20), model.PredWithin), 4},
		{literal(t, orb.Point{5, 5}, model.PredDWithin), 3},
		{"", 100},
	} {
		got, err := b.Count(ctx, buildings, c.e)
		if err != nil {
			t.Fatalf("%s: %v", c.e, err)
		}
		if got != c.want {
			t.Fatalf("%s: count=%d want %d", c.e, got, c.want)
		}
		again, _ := b.Count(ctx, buildings, c.e)
		if again != got {
			t.Fatalf("repeat count %d != %d", again, got)
		}
	}
}

func TestCount_ExistsAgainstSourceSelection(t *testing.T) {
	b := open(t)
	ctx := context.Background()
	build := func(ids ...string) string {
		e, err := expr.Spatial(expr.SQLite{}, expr.Request{
			Target:     backend.TargetOf(buildings),
			Predicates: []model.Predicate{model.PredIntersects},
			Source:     &expr.Source{Table: "parcels", GeomColumn: "geom", PKColumn: "fid", IDs: ids},
		})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return e
	}
	all, err := b.Count(ctx, buildings, build("1", "2", "3"))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	one, err := b.Count(ctx, buildings, build("2"))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if one != 9 || all != 27 {
		t.Fatalf("all=%d one=%d", all, one)
	}
	whole, err := b.Count(ctx, buildings, build())
	if err != nil || whole != all {
		t.Fatalf("no selection count=%d err=%v, want %d", whole, err, all)
	}

	// an AND merge over the stale three-parcel filter must not keep it
	merged, err := expr.Merge(expr.SQLite{}, build("1", "2", "3"), build("2"), model.CombineAnd, expr.StaleCheck{SourceTable: "parcels"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	n, err := b.Count(ctx, buildings, merged.Expression)
	if err != nil || n != one {
		t.Fatalf("merged count=%d err=%v", n, err)
	}
}

func TestCount_RejectedExpression(t *testing.T) {
	b := open(t)
	_, err := b.Count(context.Background(), buildings, `"nope" = `)
	if !errors.Is(err, model.ErrExpression) {
		t.Fatalf("want ErrExpression, got %v", err)
	}
}

func TestFeaturesAndEstimate(t *testing.T) {
	b := open(t)
	ctx := context.Background()

	fs, err := b.Features(ctx, parcels, backend.Query{IDs: []string{"3", "1", "9"}})
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if len(fs) != 2 || fs[0].ID != "1" || fs[1].ID != "3" {
		t.Fatalf("features=%v", fs)
	}
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{5, 5}}
	if fs, _ := b.Features(ctx, buildings, backend.Query{Bound: &bound}); len(fs) != 1 {
		t.Fatalf("bound features=%d", len(fs))
	}

	n, exact, err := b.Estimate(ctx, buildings)
	if err != nil || n != 100 || !exact {
		t.Fatalf("estimate before analyze: n=%d exact=%v err=%v", n, exact, err)
	}
	if _, err := b.DB().ExecContext(ctx, `CREATE INDEX buildings_kind ON buildings(kind)`); err != nil {
		t.Fatalf("index: %v", err)
	}
	if _, err := b.DB().ExecContext(ctx, `ANALYZE`); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	n, exact, err = b.Estimate(ctx, buildings)
	if err != nil || n != 100 || exact {
		t.Fatalf("estimate after analyze: n=%d exact=%v err=%v", n, exact, err)
	}
}

func TestStructureLifecycle(t *testing.T) {
	b := open(t)
	ctx := context.Background()
	where := literal(t, square(5, 5, 30), model.PredIntersects)

	info, err := b.CreateStructure(ctx, backend.StructureSpec{Name: "gf_test_1", Target: backend.TargetOf(buildings), Where: where, NonDurable: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.Rows != 16 || !info.Indexed || info.Durable || info.Schema != "temp" {
		t.Fatalf("info=%+v", info)
	}
	in, err := expr.SQLite{}.InStructure(backend.TargetOf(buildings), b.StructureSchema(), "gf_test_1")
	if err != nil {
		t.Fatalf("in structure: %v", err)
	}
	if n, err := b.Count(ctx, buildings, in); err != nil || n != 16 {
		t.Fatalf("count via structure=%d err=%v", n, err)
	}
	names, err := b.ListStructures(ctx, "gf_")
	if err != nil || len(names) != 1 || names[0] != "gf_test_1" {
		t.Fatalf("list=%v err=%v", names, err)
	}
	if err := b.DropStructure(ctx, "gf_test_1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if names, _ := b.ListStructures(ctx, "gf_"); len(names) != 0 {
		t.Fatalf("left behind: %v", names)
	}

	_, err = b.CreateStructure(ctx, backend.StructureSpec{Name: "gf_test_2", Target: backend.TargetOf(buildings), Where: "no_such_fn(geom)"})
	if err == nil || !strings.Contains(err.Error(), "no_such_fn") {
		t.Fatalf("bad where: %v", err)
	}
	if names, _ := b.ListStructures(ctx, "gf_"); len(names) != 0 {
		t.Fatalf("failed create left %v", names)
	}
}

func TestOpen_GeomFromTextArity(t *testing.T) {
	b := open(t)
	second, err := Open("")
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	ctx := context.Background()
	var one, two string
	if err := b.DB().QueryRowContext(ctx, `SELECT ST_AsText(GeomFromText('POINT (1 2)'))`).Scan(&one); err != nil {
		t.Fatalf("one argument: %v", err)
	}
	if err := b.DB().QueryRowContext(ctx, `SELECT ST_AsText(ST_GeomFromText('POINT (1 2)', 3857))`).Scan(&two); err != nil {
		t.Fatalf("two arguments: %v", err)
	}
	if one != two || !strings.HasPrefix(one, "POINT") {
		t.Fatalf("got %q and %q", one, two)
	}
	var x any
	if err := b.DB().QueryRowContext(ctx, `SELECT GeomFromText('POINT (1 2)', 3857, 1)`).Scan(&x); err == nil {
		t.Fatalf("three arguments accepted")
	}
}
