package metricswrap

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/hotness/expdecay"
	"github.com/mohammed-shakir/geofilter/internal/metrics"
)

func TestHotCollectionsGauge(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	if err := observability.Register(p.Registerer()); err != nil {
		t.Fatalf("register: %v", err)
	}

	w := New(expdecay.New(30*time.Second), 0, zerolog.Nop())
	w.Inc("parcels")
	w.Inc("roads")
	w.Reset("parcels")

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if body := rr.Body.String(); !strings.Contains(body, "geofilter_hot_collections 1") {
		t.Fatalf("expected gauge == 1, got:\n%s", body)
	}
}

func TestThresholdLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	w := New(expdecay.New(time.Hour), 2, zerolog.New(&buf))
	for range 4 {
		w.Inc("parcels")
	}
	if got := strings.Count(buf.String(), "hotness_threshold"); got != 1 {
		t.Fatalf("threshold events=%d want 1:\n%s", got, buf.String())
	}
}
