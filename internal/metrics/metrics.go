package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attentiond_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attentiond_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attentiond_events_processed_total",
			Help: "Domain events processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	attentionUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attentiond_attention_upserts_total",
			Help: "Attention item upserts by kind and result (created|touched)",
		},
		[]string{"kind", "result"},
	)

	slackDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attentiond_slack_deliveries_total",
			Help: "Slack webhook deliveries by outcome (sent|abandoned|skipped)",
		},
		[]string{"outcome"},
	)

	plannerLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attentiond_planner_latency_seconds",
			Help:    "Time to plan and persist fanout for one event",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
	)

	scannerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attentiond_scanner_tick_seconds",
			Help:    "Duration of one due-date scanner pass",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15},
		},
	)

	dueEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attentiond_due_events_emitted_total",
			Help: "Due-threshold events emitted by the scanner",
		},
		[]string{"threshold"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attentiond_event_queue_depth",
			Help: "Pending entries on the event stream",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEvent records the outcome of processing one domain event
func RecordEvent(eventType, outcome string) {
	eventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// RecordAttentionUpsert records an attention item upsert result
func RecordAttentionUpsert(kind, result string) {
	attentionUpserts.WithLabelValues(kind, result).Inc()
}

// RecordSlackDelivery records a Slack dispatch outcome
func RecordSlackDelivery(outcome string) {
	slackDeliveries.WithLabelValues(outcome).Inc()
}

// RecordPlannerLatency records how long one fanout transaction took
func RecordPlannerLatency(d time.Duration) {
	plannerLatency.Observe(d.Seconds())
}

// RecordScannerTick records the duration of one scanner pass
func RecordScannerTick(d time.Duration) {
	scannerTickDuration.Observe(d.Seconds())
}

// RecordDueEvent records a due-threshold event emitted by the scanner
func RecordDueEvent(threshold string) {
	dueEventsEmitted.WithLabelValues(threshold).Inc()
}

// SetQueueDepth sets the current event stream backlog
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
