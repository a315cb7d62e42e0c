// Package metricswrap reports hotness changes to Prometheus and the log.
package metricswrap

import (
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/hotness"
)

type Sizer interface{ Size() int }

type WithMetrics struct {
	inner     hotness.Interface
	threshold float64
	log       zerolog.Logger
}

var _ hotness.Interface = (*WithMetrics)(nil)

// New wraps inner. A positive threshold logs each key the first time its
// score reaches it.
func New(inner hotness.Interface, threshold float64, log zerolog.Logger) *WithMetrics {
	return &WithMetrics{inner: inner, threshold: threshold, log: log}
}

func (w *WithMetrics) Inc(key string) {
	before := w.inner.Score(key)
	w.inner.Inc(key)
	if w.threshold > 0 {
		if after := w.inner.Score(key); before < w.threshold && after >= w.threshold {
			w.log.Info().
				Str("event", "hotness_threshold").
				Str("collection", key).
				Float64("score", after).
				Float64("threshold", w.threshold).
				Msg("collection became hot")
		}
	}
	w.report()
}

func (w *WithMetrics) Score(key string) float64 {
	return w.inner.Score(key)
}

func (w *WithMetrics) Reset(keys ...string) {
	w.inner.Reset(keys...)
	w.report()
}

func (w *WithMetrics) report() {
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotCollections(s.Size())
	}
}
