package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the gateway's dispatch
// and resilience layers.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	invocationsTotal    *prometheus.CounterVec
	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	dedupCoalescedTotal *prometheus.CounterVec
	rateLimitDeniedTotal *prometheus.CounterVec

	// Histograms
	invocationDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	activeRequests prometheus.Gauge

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 300000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if buckets == nil || len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of function invocations",
			},
			[]string{"function", "kind", "status"},
		),

		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loader_cache_hits_total",
				Help:      "Total number of loader cache hits",
			},
		),

		cacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loader_cache_misses_total",
				Help:      "Total number of loader cache misses",
			},
		),

		dedupCoalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_coalesced_total",
				Help:      "Total number of invocations served from an in-flight dedup leader instead of executing",
			},
			[]string{"function"},
		),

		rateLimitDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denied_total",
				Help:      "Total number of requests denied by the rate limiter, by category",
			},
			[]string{"category"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "Duration of function invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"function", "kind", "from_cache"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently active invocation requests",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"function"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"function", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the gateway process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.invocationsTotal,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.dedupCoalescedTotal,
		pm.rateLimitDeniedTotal,
		pm.invocationDuration,
		pm.uptime,
		pm.activeRequests,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusInvocation records an invocation in Prometheus collectors
func RecordPrometheusInvocation(funcID, kind string, durationMs int64, fromCache bool, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.invocationsTotal.WithLabelValues(funcID, kind, status).Inc()

	if fromCache {
		promMetrics.cacheHitsTotal.Inc()
	} else {
		promMetrics.cacheMissesTotal.Inc()
	}

	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	promMetrics.invocationDuration.WithLabelValues(funcID, kind, cacheLabel).Observe(float64(durationMs))
}

// RecordPrometheusDedupCoalesced records a request that was served from an
// in-flight dedup leader instead of executing.
func RecordPrometheusDedupCoalesced(funcID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dedupCoalescedTotal.WithLabelValues(funcID).Inc()
}

// RecordPrometheusRateLimitDenied records a rate-limit denial for a category.
func RecordPrometheusRateLimitDenied(category string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitDeniedTotal.WithLabelValues(category).Inc()
}

// IncActiveRequests increments the active requests counter
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests counter
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a function.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(funcID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(funcID).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(funcID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(funcID, toState).Inc()
}
