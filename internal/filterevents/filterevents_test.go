package filterevents

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

func run() model.RunResult {
	return model.RunResult{
		RunID:   "run-1",
		Success: true,
		Results: []model.FilterResult{
			{Collection: "roads", Success: true, Backend: model.BackendOGR, Path: model.PathIndexedDirect, Count: 3, CountKnown: true, Duration: 12 * time.Millisecond},
			{Collection: "parcels", Success: false, Backend: model.BackendPostgres, Class: model.ClassExpression},
		},
	}
}

func TestFromRun(t *testing.T) {
	ev := FromRun("req-9", run(), time.Unix(1_700_000_000, 0))
	if ev.Outcome != "partial" || len(ev.Targets) != 2 {
		t.Fatalf("event=%+v", ev)
	}
	if ev.Targets[0].Count == nil || *ev.Targets[0].Count != 3 || ev.Targets[0].DurationMS != 12 {
		t.Fatalf("target=%+v", ev.Targets[0])
	}
	if ev.Targets[1].Count != nil {
		t.Fatalf("unknown count must be omitted")
	}
	if got := Outcome(model.RunResult{Class: model.ClassCancelled}); got != "cancelled" {
		t.Fatalf("outcome=%s", got)
	}
	eroded := model.RunResult{Success: true, Results: []model.FilterResult{{Success: true, Eroded: true}}}
	if got := Outcome(eroded); got != "eroded" {
		t.Fatalf("outcome=%s", got)
	}
}

func TestKafka_PublishesJSON(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	var got Event
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(v []byte) error {
		return json.Unmarshal(v, &got)
	})
	k := NewWithProducer(prod, "events", 4, zerolog.Nop())
	k.Publish(FromRun("", run(), time.Unix(1_700_000_000, 0)))
	if err := k.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.RunID != "run-1" || got.Outcome != "partial" {
		t.Fatalf("published=%+v", got)
	}
}

func TestKafka_DropsWhenFull(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, sarama.NewConfig())
	k := &Kafka{events: make(chan Event), prod: prod, log: zerolog.Nop(), stopped: make(chan struct{})}
	// nobody drains the queue, so publishing must return at once
	done := make(chan struct{})
	go func() {
		k.Publish(Event{RunID: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	_ = prod.Close()
}
