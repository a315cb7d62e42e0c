// Package filterevents publishes one event per finished filter run to
// Kafka. Publishing never blocks the run; events are dropped when the
// queue is full.
package filterevents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type Target struct {
	Collection string                 `json:"collection"`
	Backend    model.BackendKind      `json:"backend"`
	Path       model.OptimizationPath `json:"path"`
	Success    bool                   `json:"success"`
	Count      *int64                 `json:"count,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	Eroded     bool                   `json:"eroded"`
}

type Event struct {
	RunID     string    `json:"run_id"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Targets   []Target  `json:"targets"`
	TS        time.Time `json:"ts"`
}

// FromRun builds the event for a finished run.
func FromRun(requestID string, r model.RunResult, ts time.Time) Event {
	ev := Event{RunID: r.RunID, RequestID: requestID, Outcome: Outcome(r), TS: ts}
	for _, fr := range r.Results {
		t := Target{
			Collection: fr.Collection,
			Backend:    fr.Backend,
			Path:       fr.Path,
			Success:    fr.Success,
			DurationMS: fr.Duration.Milliseconds(),
			Eroded:     fr.Eroded,
		}
		if fr.CountKnown {
			n := fr.Count
			t.Count = &n
		}
		ev.Targets = append(ev.Targets, t)
	}
	return ev
}

// Outcome is success, partial, eroded, or the error class of a failed run.
func Outcome(r model.RunResult) string {
	if !r.Success {
		if r.Class == model.ClassNone {
			return "failed"
		}
		return string(r.Class)
	}
	eroded, failed := 0, 0
	for _, fr := range r.Results {
		if fr.Eroded {
			eroded++
		}
		if !fr.Success {
			failed++
		}
	}
	switch {
	case failed > 0:
		return "partial"
	case eroded > 0 && eroded == len(r.Results):
		return "eroded"
	}
	return "success"
}

type Publisher interface {
	Publish(ev Event)
	Close() error
}

type Noop struct{}

func (Noop) Publish(Event) {}

func (Noop) Close() error { return nil }

type Kafka struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     zerolog.Logger
	stopped chan struct{}
}

func NewKafka(brokers []string, topic string, queueSize int, log zerolog.Logger) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("filterevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer starts publishing through an existing producer.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log zerolog.Logger) *Kafka {
	if queueSize <= 0 {
		queueSize = 1024
	}
	k := &Kafka{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log.With().Str("component", "filterevents").Logger(),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(k.stopped)
		for ev := range k.events {
			b, err := json.Marshal(ev)
			if err != nil {
				k.log.Warn().Err(err).Str("run_id", ev.RunID).Msg("marshal filter event")
				continue
			}
			k.prod.Input() <- &sarama.ProducerMessage{
				Topic: k.topic,
				Key:   sarama.StringEncoder(ev.RunID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range k.prod.Errors() {
			if err != nil {
				k.log.Warn().Err(err.Err).Msg("filter event producer")
			}
		}
	}()
	return k
}

func (k *Kafka) Publish(ev Event) {
	select {
	case k.events <- ev:
	default:
		k.log.Debug().Str("run_id", ev.RunID).Msg("filter event queue full, dropped")
	}
}

func (k *Kafka) Close() error {
	close(k.events)
	<-k.stopped
	if err := k.prod.Close(); err != nil {
		return fmt.Errorf("filterevents: close producer: %w", err)
	}
	return nil
}
