package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (producer offline) or spikes (retry storms).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p99 growth, usually the store.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, slow store writes.
	HTTPRequestsInFlight prometheus.Gauge

	// Readings persisted per route. rate() gives the effective sensor cadence.
	ReadingsStoredTotal *prometheus.CounterVec

	// Rejected requests by route and error kind. Watch for: a producer stuck on bad data.
	IngestRejectedTotal *prometheus.CounterVec

	// Store insert latency per backend and outcome.
	StoreInsertDuration *prometheus.HistogramVec

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: a misbehaving producer.
	RateLimitDeniedTotal prometheus.Counter

	// trackedRoutes is the allow-list of route labels; anything else is "other".
	trackedRoutesMu sync.RWMutex
	trackedRoutes   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ReadingsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readingsStoredTotal",
			Help: "Total number of readings persisted",
		},
		[]string{"route"},
	)
	IngestRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestRejectedTotal",
			Help: "Total number of rejected ingestion requests by error kind",
		},
		[]string{"route", "kind"},
	)
	StoreInsertDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeInsertDurationSeconds",
			Help:    "Document store insert latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"backend", "status"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ReadingsStoredTotal, IngestRejectedTotal,
		StoreInsertDuration,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// SetTrackedRoutes sets the allow-list of route labels. Call once at startup with the registry's paths.
func SetTrackedRoutes(routes []string) {
	trackedRoutesMu.Lock()
	defer trackedRoutesMu.Unlock()
	trackedRoutes = make(map[string]struct{}, len(routes))
	for _, r := range routes {
		trackedRoutes[r] = struct{}{}
	}
}

// RouteLabel returns path when it is a tracked route, else "other". Keeps label
// cardinality bounded when producers hit arbitrary paths.
func RouteLabel(path string) string {
	trackedRoutesMu.RLock()
	_, ok := trackedRoutes[path] // nil map read is safe in Go
	trackedRoutesMu.RUnlock()
	if ok {
		return path
	}
	return "other"
}

// RecordStored records one persisted reading.
func RecordStored(route string) {
	ReadingsStoredTotal.WithLabelValues(RouteLabel(route)).Inc()
}

// RecordRejected records one rejected request.
func RecordRejected(route, kind string) {
	IngestRejectedTotal.WithLabelValues(RouteLabel(route), kind).Inc()
}

// RecordCircuitBreakerTransition updates breaker gauges and counters.
func RecordCircuitBreakerTransition(component, from, to string, state float64) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
