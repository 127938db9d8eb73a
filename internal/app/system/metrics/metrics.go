// internal/app/system/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by method, route pattern, and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buscoord_http_requests_total",
			Help: "Total HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration observes request latency by method and route pattern.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buscoord_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// RequestsInFlight gauges requests currently being handled.
	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buscoord_http_requests_in_flight",
			Help: "HTTP requests currently in flight.",
		},
	)

	// LockAcquires counts trip-lock acquire attempts by outcome
	// (acquired, conflict, error).
	LockAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buscoord_lock_acquires_total",
			Help: "Trip lock acquire attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// LocksReaped counts stale leases reclaimed by the reaper, by pass
	// (stale, orphaned).
	LocksReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buscoord_locks_reaped_total",
			Help: "Stale or orphaned trip locks reclaimed by the reaper.",
		},
		[]string{"pass"},
	)

	// SwapTransitions counts swap request state transitions by target state.
	SwapTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buscoord_swap_transitions_total",
			Help: "Swap request state transitions by resulting state.",
		},
		[]string{"to"},
	)

	// Rollbacks counts rollback executions by outcome (committed, failed).
	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buscoord_rollbacks_total",
			Help: "Reassignment rollback executions by outcome.",
		},
		[]string{"outcome"},
	)
)

// Middleware instruments every request with the counters above. Route labels
// use the chi route pattern, not the raw path, to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RequestsInFlight.Inc()
		defer RequestsInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
