package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/router"
	"github.com/mohammed-shakir/geofilter/internal/metrics"
)

func TestHandler_ProbesAndMetrics(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	api := router.New(router.Config{}, zerolog.Nop(), nil, catalog.New(), nil)
	h := Handler(zerolog.Nop(), api, Options{Metrics: p.Handler()})

	for path, want := range map[string]string{
		"/healthz": "ok",
		"/readyz":  `"status":"ready"`,
		"/metrics": "geofilter_build_info",
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), want) {
			t.Fatalf("%s: status=%d body=%s", path, rr.Code, rr.Body)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id header", path)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/collections", nil))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("collections: status=%d body=%s", rr.Code, rr.Body)
	}
}
