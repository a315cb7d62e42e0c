package structindex

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geofilter/internal/cache/keys"
	"github.com/mohammed-shakir/geofilter/internal/cache/redisstore"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

func newMini(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	cli, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	return cli, mr
}

func TestRedisIndex_RoundTrip(t *testing.T) {
	cli, mr := newMini(t)
	idx := NewRedisIndex(cli)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := model.IntermediateStructure{
		Name: "gf_ab12cd34_k2_1", Collection: "roads", Backend: model.BackendPostgres,
		Session: "ab12cd34", CreatedAt: created, EstimatedRows: 1200, Indexed: true,
	}
	ttl := 2 * time.Minute
	if err := idx.Publish(ctx, s, 99, ttl); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, ok, err := idx.Lookup(ctx, "roads", 99)
	if err != nil || !ok {
		t.Fatalf("Lookup ok=%v err=%v", ok, err)
	}
	if got.Name != s.Name || got.Session != s.Session || !got.CreatedAt.Equal(created) || got.State != model.StructReady || got.KeyHash != 99 {
		t.Fatalf("got=%+v", got)
	}

	k := keys.Structure("roads", 99)
	if tt := mr.TTL(k); tt <= 0 || tt > ttl {
		t.Fatalf("unexpected TTL for key %q: %v", k, tt)
	}
}

func TestRedisIndex_MissingAndForget(t *testing.T) {
	cli, _ := newMini(t)
	idx := NewRedisIndex(cli)
	ctx := context.Background()

	if _, ok, err := idx.Lookup(ctx, "roads", 1); ok || err != nil {
		t.Fatalf("missing: ok=%v err=%v", ok, err)
	}

	for h := uint64(1); h <= 3; h++ {
		if err := idx.Publish(ctx, model.IntermediateStructure{Name: "n", Collection: "roads"}, h, time.Minute); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	_ = idx.Publish(ctx, model.IntermediateStructure{Name: "n", Collection: "rivers"}, 1, time.Minute)

	if err := idx.Forget(ctx, "roads", 1); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	n, err := idx.ForgetCollection(ctx, "roads")
	if err != nil || n != 2 {
		t.Fatalf("ForgetCollection n=%d err=%v", n, err)
	}
	if _, ok, _ := idx.Lookup(ctx, "rivers", 1); !ok {
		t.Fatalf("other collection must survive")
	}
}

func TestRedisIndex_CorruptPayload(t *testing.T) {
	cli, mr := newMini(t)
	idx := NewRedisIndex(cli)
	if err := mr.Set(keys.Structure("roads", 5), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := idx.Lookup(context.Background(), "roads", 5); err == nil {
		t.Fatalf("expected decode error")
	}
}
