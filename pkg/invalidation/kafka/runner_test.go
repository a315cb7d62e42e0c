package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/invalidation"
)

func message(t *testing.T, ev invalidation.Event, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Offset: offset, Timestamp: time.Now().UTC(), Value: b}
}

func newRunner(t *testing.T, target invalidation.Target) (*Runner, *metricSet) {
	t.Helper()
	r := New(InvalidationConfig{Enabled: true}, target, Options{Register: prometheus.NewRegistry()})
	return r, r.ms
}

func TestHandleMessage_AppliesAndDedupes(t *testing.T) {
	cat := catalog.New()
	if err := cat.Register(catalog.Collection{ID: "parcels", Kind: model.BackendSpatialite}); err != nil {
		t.Fatalf("register: %v", err)
	}
	var changes []catalog.Change
	cat.Subscribe(func(ch catalog.Change) { changes = append(changes, ch) })

	r, ms := newRunner(t, cat)
	ctx := context.Background()
	msg := message(t, invalidation.Event{Collection: "parcels", Op: invalidation.OpEdit, Version: 7}, 1)

	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivered handleMessage: %v", err)
	}
	if len(changes) != 1 || changes[0].Op != catalog.OpEdit {
		t.Fatalf("changes = %+v, want one edit", changes)
	}
	if got := testutil.ToFloat64(ms.msgs.WithLabelValues("applied")); got != 1 {
		t.Fatalf("applied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ms.msgs.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("duplicate = %v, want 1", got)
	}

	next := message(t, invalidation.Event{Collection: "parcels", Op: invalidation.OpBackendChanged, Version: 8}, 2)
	if err := r.handleMessage(ctx, next); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(changes) != 2 || changes[1].Op != catalog.OpBackendChanged {
		t.Fatalf("changes = %+v, want edit then backend_changed", changes)
	}
}

func TestHandleMessage_SkipsMalformedAndUnknown(t *testing.T) {
	cat := catalog.New()
	r, ms := newRunner(t, cat)
	ctx := context.Background()

	bad := &sarama.ConsumerMessage{Value: []byte(`{"collection":"x","op":"explode","version":1}`)}
	if err := r.handleMessage(ctx, bad); err != nil {
		t.Fatalf("malformed message should be skipped, got %v", err)
	}
	if got := testutil.ToFloat64(ms.msgs.WithLabelValues("error")); got != 1 {
		t.Fatalf("error = %v, want 1", got)
	}

	unknown := message(t, invalidation.Event{Collection: "elsewhere", Op: invalidation.OpRemove, Version: 1}, 3)
	if err := r.handleMessage(ctx, unknown); err != nil {
		t.Fatalf("unknown collection: %v", err)
	}
	if got := testutil.ToFloat64(ms.msgs.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("unknown = %v, want 1", got)
	}
}

type failingTarget struct{ err error }

func (f failingTarget) Edited(string) error         { return f.err }
func (f failingTarget) Remove(string) error         { return f.err }
func (f failingTarget) BackendChanged(string) error { return f.err }

func TestHandleMessage_ApplyErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	r, _ := newRunner(t, failingTarget{err: boom})
	msg := message(t, invalidation.Event{Collection: "parcels", Op: invalidation.OpEdit, Version: 1}, 1)
	if err := r.handleMessage(context.Background(), msg); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestStart_Disabled(t *testing.T) {
	r := New(InvalidationConfig{}, catalog.New(), Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop()
	if ready, _ := r.Readiness(); ready {
		t.Fatal("disabled runner reports ready")
	}
}

func TestVersionDedupe(t *testing.T) {
	d := newVersionDedupe(2)
	if !d.firstSeen("a", 1) || d.firstSeen("a", 1) {
		t.Fatal("a/1 should be seen once")
	}
	if !d.firstSeen("a", 2) || !d.firstSeen("b", 1) {
		t.Fatal("distinct pairs are new")
	}
	// a/1 was evicted by the size bound
	if !d.firstSeen("a", 1) {
		t.Fatal("evicted pair should be new again")
	}
}
