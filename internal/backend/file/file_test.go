package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/backend/memory"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

const roads = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"fid":"r1","class":"main"},"geometry":{"type":"LineString","coordinates":[[18.00,59.30],[18.10,59.30]]}},
 {"type":"Feature","id":7,"properties":{"class":"minor"},"geometry":{"type":"LineString","coordinates":[[18.05,59.25],[18.05,59.35]]}},
 {"type":"Feature","properties":{"class":"minor"},"geometry":{"type":"LineString","coordinates":[[11.90,57.70],[12.00,57.70]]}}
]}`

func setup(t *testing.T, body string) (*Backend, catalog.Collection) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roads.geojson")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev, err := memory.NewEvaluator(7)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	col := catalog.Collection{ID: "roads", Kind: model.BackendOGR, Path: path, GeomColumn: "geom", PKColumn: "fid"}
	return New(ev, 7), col
}

func TestLoadIDsAndCount(t *testing.T) {
	b, col := setup(t, roads)
	ctx := context.Background()

	fs, err := b.Features(ctx, col, backend.Query{})
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if len(fs) != 3 || fs[0].ID != "r1" || fs[1].ID != "7" || fs[2].ID != "2" {
		t.Fatalf("ids=%v", []string{fs[0].ID, fs[1].ID, fs[2].ID})
	}

	n, err := b.Count(ctx, col, `intersects(geom, "POLYGON((18 59.2,18.2 59.2,18.2 59.4,18 59.4,18 59.2))")`)
	if err != nil || n != 2 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	n, err = b.Count(ctx, col, `attrs["class"] == "minor"`)
	if err != nil || n != 2 {
		t.Fatalf("attr count=%d err=%v", n, err)
	}
}

func TestEnsureIndex_CreatedOnce(t *testing.T) {
	b, col := setup(t, roads)
	created, err := b.EnsureIndex(context.Background(), col)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if created, _ := b.EnsureIndex(context.Background(), col); created {
		t.Fatalf("index must be reused")
	}
}

func TestReloadOnChange(t *testing.T) {
	b, col := setup(t, roads)
	ctx := context.Background()
	if n, _, _ := b.Estimate(ctx, col); n != 3 {
		t.Fatalf("estimate=%d", n)
	}
	one := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"fid":"x"},"geometry":{"type":"Point","coordinates":[1,2]}}]}`
	if err := os.WriteFile(col.Path, []byte(one), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(col.Path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if n, exact, _ := b.Estimate(ctx, col); n != 1 || !exact {
		t.Fatalf("after reload estimate=%d", n)
	}
}

func TestMissingAndBrokenFiles(t *testing.T) {
	b, col := setup(t, "{not json")
	if _, err := b.Count(context.Background(), col, ""); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("broken file: %v", err)
	}
	col.Path = filepath.Join(t.TempDir(), "absent.geojson")
	if _, _, err := b.Estimate(context.Background(), col); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("missing file: %v", err)
	}
	col.Path = ""
	if _, _, err := b.Estimate(context.Background(), col); !errors.Is(err, model.ErrInput) {
		t.Fatalf("no path: %v", err)
	}
}
