package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, p.Path(), nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestProvider_RegistersStandardCollectors_AndBuildInfo(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test", Revision: "r", BuildDate: "now"}})

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "smoke"})
	p.Register(g)
	g.Set(42)

	if n := testutil.CollectAndCount(g); n == 0 {
		t.Fatalf("expected at least 1 sample from test_gauge, got %d", n)
	}

	body := scrape(t, p)
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, `geofilter_build_info{build_date="now",revision="r",version="test"} 1`) {
		t.Fatalf("expected geofilter_build_info in payload; got:\n%s", body)
	}
	if p.Path() != "/metrics" {
		t.Fatalf("default path=%q", p.Path())
	}
}

func TestProvider_ConfigCollectors(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "geofilter_test_total", Help: "t"})
	p := Init(Config{Path: "/m", Collectors: []prometheus.Collector{c}})
	c.Add(3)

	body := scrape(t, p)
	if !strings.Contains(body, "geofilter_test_total 3") {
		t.Fatalf("collector not exported; got:\n%s", body)
	}
}
