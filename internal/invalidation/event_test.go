package invalidation

import (
	"errors"
	"testing"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"collection":"parcels","op":"edit","version":3,"ts":"2025-10-26T12:30:45Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Collection != "parcels" || ev.Op != OpEdit || ev.Version != 3 || ev.TS.IsZero() {
		t.Fatalf("event %+v", ev)
	}

	for _, body := range []string{
		`{`,
		`{"op":"edit","version":1}`,
		`{"collection":"parcels","op":"truncate","version":1}`,
		`{"collection":"parcels","op":"remove"}`,
	} {
		if _, err := Decode([]byte(body)); !errors.Is(err, model.ErrInput) {
			t.Fatalf("%s: want input error, got %v", body, err)
		}
	}
}

func TestApply_Catalog(t *testing.T) {
	cat := catalog.New()
	if err := cat.Register(catalog.Collection{ID: "parcels", Kind: model.BackendSpatialite}); err != nil {
		t.Fatalf("register: %v", err)
	}
	var ops []catalog.ChangeOp
	cat.Subscribe(func(ch catalog.Change) { ops = append(ops, ch.Op) })

	for _, op := range []Op{OpEdit, OpBackendChanged, OpRemove} {
		applied, err := Apply(cat, Event{Collection: "parcels", Op: op, Version: 1})
		if err != nil || !applied {
			t.Fatalf("%s: applied=%v err=%v", op, applied, err)
		}
	}
	if len(ops) != 3 || ops[0] != catalog.OpEdit || ops[1] != catalog.OpBackendChanged || ops[2] != catalog.OpRemove {
		t.Fatalf("ops=%v", ops)
	}
	if applied, err := Apply(cat, Event{Collection: "parcels", Op: OpEdit, Version: 2}); err != nil || applied {
		t.Fatalf("removed collection: applied=%v err=%v", applied, err)
	}
}
