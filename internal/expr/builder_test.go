package expr

import (
	"errors"
	"strings"
	"testing"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

var buildings = Target{Schema: "public", Table: "buildings", GeomColumn: "geom", PKColumn: "id", SRID: 3857}

func prepared(wkt string) *model.PreparedGeometry {
	return &model.PreparedGeometry{WKT: wkt, SRID: 3857, ValidCount: 1}
}

func TestOrderBySelectivity(t *testing.T) {
	got := OrderBySelectivity([]model.Predicate{model.PredDisjoint, model.PredIntersects, model.PredDWithin, model.PredWithin, model.PredIntersects})
	want := []model.Predicate{model.PredWithin, model.PredIntersects, model.PredDWithin, model.PredDisjoint}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %v want %v", i, got, want)
		}
	}
}

func TestSpatial_PostGISLiteral(t *testing.T) {
	e, err := Spatial(PostGIS{}, Request{
		Target:     buildings,
		Predicates: []model.Predicate{model.PredDWithin, model.PredIntersects},
		Distance:   25,
		Geometry:   prepared("POLYGON((0 0,1 0,1 1,0 0))"),
	})
	if err != nil {
		t.Fatalf("spatial: %v", err)
	}
	want := `(ST_Intersects("geom", ST_GeomFromText('POLYGON((0 0,1 0,1 1,0 0))', 3857))) AND (ST_DWithin("geom", ST_GeomFromText('POLYGON((0 0,1 0,1 1,0 0))', 3857), 25))`
	if e != want {
		t.Fatalf("got\n%s\nwant\n%s", e, want)
	}
}

func TestSpatial_PostGISTransformAndUnion(t *testing.T) {
	pg := prepared("MULTIPOLYGON(((0 0,1 0,1 1,0 0)),((0 0,2 0,2 2,0 0)))")
	pg.SRID = 4326
	pg.Overlapping = true
	e, err := Spatial(PostGIS{}, Request{Target: buildings, Predicates: []model.Predicate{model.PredWithin}, Geometry: pg})
	if err != nil {
		t.Fatalf("spatial: %v", err)
	}
	if !strings.HasPrefix(e, `ST_Within("geom", ST_Transform(ST_UnaryUnion(ST_GeomFromText(`) || !strings.HasSuffix(e, "4326)), 3857))") {
		t.Fatalf("unexpected: %s", e)
	}
}

func TestSpatial_ExistsStrategy(t *testing.T) {
	e, err := Spatial(PostGIS{}, Request{
		Target:     buildings,
		Predicates: []model.Predicate{model.PredIntersects},
		Source:     &Source{Schema: "public", Table: "parcels", GeomColumn: "geom", PKColumn: "gid", IDs: []string{"7"}, Buffer: 5},
	})
	if err != nil {
		t.Fatalf("spatial: %v", err)
	}
	want := `EXISTS (SELECT 1 FROM "public"."parcels" AS __source WHERE __source."gid" IN ('7') AND ST_Intersects("public"."buildings"."geom", ST_Buffer(__source."geom", 5)))`
	if e != want {
		t.Fatalf("got\n%s\nwant\n%s", e, want)
	}
}

func TestSpatial_ExistsWholeSource(t *testing.T) {
	e, err := Spatial(SQLite{}, Request{
		Target:     buildings,
		Predicates: []model.Predicate{model.PredIntersects},
		Source:     &Source{Table: "zones", GeomColumn: "geom", PKColumn: "fid"},
	})
	if err != nil {
		t.Fatalf("spatial: %v", err)
	}
	if strings.Contains(e, " IN (") || strings.Contains(e, "WHERE 0") || strings.Contains(e, "FALSE") {
		t.Fatalf("unselected source narrowed to nothing: %s", e)
	}
	if !strings.HasPrefix(e, `EXISTS (SELECT 1 FROM "zones" AS __source WHERE ST_Intersects(`) {
		t.Fatalf("got %s", e)
	}
}

func TestPerFeature(t *testing.T) {
	cases := []struct {
		preds  []model.Predicate
		buffer float64
		want   bool
	}{
		{[]model.Predicate{model.PredIntersects}, 0, true},
		{[]model.Predicate{model.PredIntersects, model.PredDWithin}, 5, true},
		{[]model.Predicate{model.PredIntersects}, -1, false},
		{[]model.Predicate{model.PredWithin}, 0, false},
		{[]model.Predicate{model.PredContains}, 0, false},
		{[]model.Predicate{model.PredDisjoint}, 0, false},
		{[]model.Predicate{model.PredIntersects, model.PredTouches}, 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		if got := PerFeature(c.preds, c.buffer); got != c.want {
			t.Fatalf("PerFeature(%v, %v) = %v, want %v", c.preds, c.buffer, got, c.want)
		}
	}
}

func TestSpatial_CEL(t *testing.T) {
	e, err := Spatial(CEL{}, Request{
		Target:     buildings,
		Predicates: []model.Predicate{model.PredIntersects, model.PredDisjoint},
		Op:         model.CombineOr,
		Geometry:   prepared(`POINT(1 2)`),
	})
	if err != nil {
		t.Fatalf("spatial: %v", err)
	}
	want := `(intersects(geom, "POINT(1 2)")) || (!intersects(geom, "POINT(1 2)"))`
	if e != want {
		t.Fatalf("got %s", e)
	}
	if _, err := (CEL{}).Exists(buildings, Source{}, nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("cel has no subqueries")
	}
}

func TestSpatial_CELReprojects(t *testing.T) {
	pg := &model.PreparedGeometry{WKT: "POINT(1 0)", SRID: 4326}
	e, err := Spatial(CEL{}, Request{Target: buildings, Predicates: []model.Predicate{model.PredIntersects}, Geometry: pg})
	if err != nil {
		t.Fatalf("spatial: %v", err)
	}
	if !strings.HasPrefix(e, `intersects(geom, "POINT(111319.49`) {
		t.Fatalf("expected mercator coordinates, got %s", e)
	}
	pg.SRID = 2154
	if _, err := Spatial(CEL{}, Request{Target: buildings, Predicates: []model.Predicate{model.PredIntersects}, Geometry: pg}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("want ErrUnsupported, got %v", err)
	}
}

func TestQuoting_Injection(t *testing.T) {
	lit, _ := sqlQuoteLiteral("x'); DROP TABLE t; --")
	e := `"name" = ` + lit
	if err := (PostGIS{}).Validate(e); err != nil {
		t.Fatalf("quoted payload must validate: %v", err)
	}
	id, _ := sqlQuoteIdent(`we"ird`)
	if id != `"we""ird"` {
		t.Fatalf("ident %s", id)
	}
	if _, err := sqlQuoteLiteral("a\x00b"); !errors.Is(err, model.ErrExpression) {
		t.Fatalf("NUL must be rejected")
	}
	bad := []string{
		`"a" = 1; DROP TABLE x`,
		`"a" = 1 -- tail`,
		`"a" = 1 /* c */`,
		`("a" = 1`,
		`"a" = 'open`,
	}
	for _, b := range bad {
		if err := (PostGIS{}).Validate(b); !errors.Is(err, model.ErrExpression) {
			t.Errorf("%q should be rejected, got %v", b, err)
		}
	}
	if err := (CEL{}).Validate(`attrs["a"] == "x // y"`); err != nil {
		t.Fatalf("comment marker inside a string is fine: %v", err)
	}
}

func TestConjuncts_RespectsNestingAndBetween(t *testing.T) {
	got := sqlLexer.conjuncts(`"a" BETWEEN 1 AND 5 AND ("b" = 'x AND y' OR "c" = 2) and "d" > 0`)
	want := []string{`"a" BETWEEN 1 AND 5`, `("b" = 'x AND y' OR "c" = 2)`, `"d" > 0`}
	if len(got) != len(want) {
		t.Fatalf("got %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %q", got)
		}
	}
	cel := celLexer.conjuncts(`fid in ["1"] && (a || b) && "x && y" == s`)
	if len(cel) != 3 {
		t.Fatalf("cel conjuncts %q", cel)
	}
}

func TestMerge_DropsStaleSourceSubquery(t *testing.T) {
	d := PostGIS{}
	old, err := Spatial(d, Request{
		Target:     buildings,
		Predicates: []model.Predicate{model.PredIntersects},
		Source:     &Source{Schema: "public", Table: "parcels", GeomColumn: "geom", PKColumn: "gid", IDs: []string{"1", "2", "3"}},
	})
	if err != nil {
		t.Fatalf("spatial: %v", err)
	}
	existing := d.And(`"kind" = 'house'`, old)
	fresh, _ := Selection(d, buildings, []string{"42"})

	res, err := Merge(d, existing, fresh, model.CombineAnd, StaleCheck{SourceTable: "parcels"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(res.Dropped) != 1 {
		t.Fatalf("want one dropped conjunct, got %q", res.Dropped)
	}
	if strings.Contains(res.Expression, "__source") || strings.Contains(res.Expression, "'1'") {
		t.Fatalf("stale selection survived: %s", res.Expression)
	}
	if res.Expression != `(("kind" = 'house')) AND ("id" IN ('42'))` {
		t.Fatalf("got %s", res.Expression)
	}
}

func TestMerge_KeepsUnrelatedExisting(t *testing.T) {
	d := PostGIS{}
	res, err := Merge(d, `"kind" = 'house'`, `"id" IN ('1')`, model.CombineAndNot, StaleCheck{SourceTable: "parcels"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Expression != `("kind" = 'house') AND (NOT ("id" IN ('1')))` {
		t.Fatalf("got %s", res.Expression)
	}
	res, _ = Merge(d, `"kind" = 'house'`, `"id" IN ('1')`, model.CombineReplace, StaleCheck{})
	if res.Expression != `"id" IN ('1')` {
		t.Fatalf("replace ignores existing, got %s", res.Expression)
	}
}

func TestMerge_DropsDeadStructure(t *testing.T) {
	d := PostGIS{}
	ref, _ := d.InStructure(buildings, "public", "gf_ab12cd34_k2_1")
	alive := func(string) bool { return false }
	res, err := Merge(d, ref, "TRUE", model.CombineAnd, StaleCheck{StructurePrefix: "gf_", Alive: alive})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Expression != "TRUE" || len(res.Dropped) != 1 {
		t.Fatalf("got %+v", res)
	}
}

func TestMerge_InvalidExisting(t *testing.T) {
	_, err := Merge(PostGIS{}, `"a" = 1; DROP TABLE x`, "TRUE", model.CombineAnd, StaleCheck{})
	if !errors.Is(err, model.ErrExpression) {
		t.Fatalf("want ErrExpression, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	long := "'" + strings.Repeat("1 2,", 200) + "'"
	out := Truncate("ST_Intersects(geom, ST_GeomFromText(" + long + ", 3857))")
	if len(out) > 200 || !strings.Contains(out, "bytes)") {
		t.Fatalf("not truncated: %d %s", len(out), out)
	}
}
