// Package observability carries the service's metrics, tracing, and
// health probes.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	resolveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "resolver",
		Name:      "resolve_duration_seconds",
		Help:      "Permission resolution latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	repositoryOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "repository",
		Name:      "operations_total",
		Help:      "Repository operations by backend, operation and status",
	}, []string{"backend", "op", "status"})

	repositoryOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "repository",
		Name:      "operation_duration_seconds",
		Help:      "Repository operation latency by backend and operation",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "op"})

	unrestrictedCacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "repository",
		Name:      "unrestricted_cache_events_total",
		Help:      "Unrestricted-permission cache hits, misses and fallbacks",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, resolveDuration,
		repositoryOperations, repositoryOperationDuration, unrestrictedCacheEvents)
}

// ObserveRepositoryOperation records one repository call's latency and
// outcome. Meant to be deferred with the method's named error:
//
//	defer observability.ObserveRepositoryOperation("relational", "put", time.Now(), &err)
func ObserveRepositoryOperation(backend, op string, started time.Time, err *error) {
	status := "success"
	if err != nil && *err != nil {
		status = "error"
	}
	repositoryOperations.WithLabelValues(backend, op, status).Inc()
	repositoryOperationDuration.WithLabelValues(backend, op).Observe(time.Since(started).Seconds())
}

// UnrestrictedCacheEvent counts one cache event: "hit", "miss", or
// "fallback".
func UnrestrictedCacheEvent(event string) {
	unrestrictedCacheEvents.WithLabelValues(event).Inc()
}

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObserveResolve records one resolution's latency. mode is "single",
// "batch", or "unrestricted".
func ObserveResolve(mode string, d time.Duration) {
	resolveDuration.WithLabelValues(mode).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMetrics wraps a handler with request counting and latency
// observation under a stable route label.
func HTTPMetrics(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
