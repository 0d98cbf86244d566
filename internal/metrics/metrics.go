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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushline_http_requests_total",
			Help: "Total ops HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushline_http_request_duration_seconds",
			Help:    "Ops HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushline_notifications_enqueued_total",
			Help: "Job references handed to the work queue by source",
		},
		[]string{"source"},
	)

	deliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushline_delivery_outcomes_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	deliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushline_delivery_latency_seconds",
			Help:    "Time from job creation to accepted delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
	)

	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushline_gateway_requests_total",
			Help: "Gateway submissions by gateway and result",
		},
		[]string{"gateway", "result"},
	)

	gatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushline_gateway_request_duration_seconds",
			Help:    "Gateway submission latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"gateway"},
	)

	versionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushline_version_conflicts_total",
			Help: "Conditional job writes lost to a concurrent writer",
		},
		[]string{"stage"},
	)

	reaperSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushline_reaper_swept_total",
			Help: "Jobs failed by the reaper after getting stuck in sending",
		},
	)

	notificationsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushline_notifications",
			Help: "Current number of jobs per status",
		},
		[]string{"status"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushline_queue_depth",
			Help: "Messages in the work queue (ready, processing, delayed)",
		},
		[]string{"state"},
	)

	messagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushline_queue_messages_in_flight",
			Help: "Queue messages currently being handled",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushline_idempotency_hits_total",
			Help: "Submissions answered from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushline_rate_limit_rejections_total",
			Help: "Submissions rejected by the per-device rate limiter",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushline_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records ops HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordEnqueued counts a queue hand-off. source is "submit", "retry" or "dispatch".
func RecordEnqueued(source string) {
	notificationsEnqueued.WithLabelValues(source).Inc()
}

// RecordOutcome counts a finished delivery attempt.
func RecordOutcome(outcome string) {
	deliveryOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDeliveryLatency records time from job creation to acceptance by the gateway.
func RecordDeliveryLatency(latency time.Duration) {
	deliveryLatency.Observe(latency.Seconds())
}

// RecordGatewayRequest records one gateway submission. result is "success",
// "rejected" or "error".
func RecordGatewayRequest(gateway, result string, duration time.Duration) {
	gatewayRequests.WithLabelValues(gateway, result).Inc()
	gatewayDuration.WithLabelValues(gateway).Observe(duration.Seconds())
}

// RecordVersionConflict counts a lost conditional write.
func RecordVersionConflict(stage string) {
	versionConflicts.WithLabelValues(stage).Inc()
}

// RecordReaperSwept adds n reaped jobs.
func RecordReaperSwept(n int64) {
	reaperSwept.Add(float64(n))
}

// SetStatusCount sets the current job count for one status.
func SetStatusCount(status string, count int64) {
	notificationsByStatus.WithLabelValues(status).Set(float64(count))
}

func SetQueueDepth(state string, n int64) {
	queueDepth.WithLabelValues(state).Set(float64(n))
}

// IncInFlight and DecInFlight track queue messages being handled.
func IncInFlight() { messagesInFlight.Inc() }
func DecInFlight() { messagesInFlight.Dec() }

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetBreakerState records a circuit breaker's state as its numeric value.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
