package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofilter_http_requests_total",
			Help: "Total number of HTTP requests on the control surface.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geofilter_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofilter_cache_ops_total",
			Help: "Cache operations by cache name and result (hit, miss, set, evict, expire, invalidate).",
		},
		[]string{"cache", "result"},
	)

	applyDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geofilter_apply_duration_seconds",
			Help:    "Wall time of one target apply by backend and optimization path.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"backend", "path"},
	)

	structures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geofilter_structures",
			Help: "Intermediate structures currently tracked, by state.",
		},
		[]string{"state"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geofilter_breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
		},
		[]string{"backend"},
	)

	filterRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofilter_filter_requests_total",
			Help: "Finished filter runs by outcome.",
		},
		[]string{"outcome"},
	)

	historyDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geofilter_history_depth",
			Help: "Entries on the undo log.",
		},
	)

	hotCollections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geofilter_hot_collections",
			Help: "Collections with a non-zero query frequency score.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, cacheOps, applyDurationSeconds,
		structures, breakerState, filterRequests, historyDepth, hotCollections,
	}
}

// Register adds the engine collectors to reg. Registering twice on the same
// registry is a no-op.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveCacheOp(cache, result string) {
	cacheOps.WithLabelValues(cache, result).Inc()
}

func AddCacheOps(cache, result string, n int) {
	if n <= 0 {
		return
	}
	cacheOps.WithLabelValues(cache, result).Add(float64(n))
}

func ObserveApply(backend, path string, durationSeconds float64) {
	applyDurationSeconds.WithLabelValues(backend, path).Observe(durationSeconds)
}

func AddStructures(state string, delta float64) {
	structures.WithLabelValues(state).Add(delta)
}

func SetBreakerState(backend string, state int) {
	breakerState.WithLabelValues(backend).Set(float64(state))
}

func IncFilterRequest(outcome string) {
	filterRequests.WithLabelValues(outcome).Inc()
}

func SetHistoryDepth(n int) {
	historyDepth.Set(float64(n))
}

func SetHotCollections(n int) {
	hotCollections.Set(float64(n))
}
