// Package metrics provides Prometheus metrics for the event-delivery core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

var (
	// QueuesActive tracks the number of live client event queues
	QueuesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "registry",
			Name:      "queues_active",
			Help:      "Number of live client event queues",
		},
	)

	// QueuesAllocatedTotal counts queue allocations
	QueuesAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "registry",
			Name:      "queues_allocated_total",
			Help:      "Total number of client event queues allocated",
		},
	)

	// QueuesCollectedTotal counts queues removed by garbage collection
	QueuesCollectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "registry",
			Name:      "queues_collected_total",
			Help:      "Total number of client event queues garbage collected",
		},
	)

	// HandlersParked tracks long-poll handlers currently waiting for events
	HandlersParked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "longpoll",
			Name:      "handlers_parked",
			Help:      "Number of long-poll handlers currently parked",
		},
	)
)

var (
	// EventsPushedTotal counts events pushed into client queues by type
	EventsPushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "dispatch",
			Name:      "events_pushed_total",
			Help:      "Total number of events pushed into client queues by event type",
		},
		[]string{"event_type"},
	)

	// TransformFailuresTotal counts per-client payload transform failures
	TransformFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "dispatch",
			Name:      "transform_failures_total",
			Help:      "Total number of per-client payload transform failures",
		},
	)

	// NotificationsEnqueuedTotal counts offline notification jobs by channel
	NotificationsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "notify",
			Name:      "enqueued_total",
			Help:      "Total number of offline notification jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	// WorkQueuePublishFailures counts broker publish failures by queue
	WorkQueuePublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "workqueue",
			Name:      "publish_failures_total",
			Help:      "Total number of work queue publish failures by queue name",
		},
		[]string{"queue"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush passes through so long-poll responses can still stream.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := getRoutePattern(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
