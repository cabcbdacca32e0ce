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
			Name: "postflow_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postflow_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	scannerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflow_scanner_runs_total",
			Help: "Scanner runs by scanner and outcome (ok, failed, skipped, panic)",
		},
		[]string{"scanner", "outcome"},
	)

	scannerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postflow_scanner_run_duration_seconds",
			Help:    "Wall time of one scanner run",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"scanner"},
	)

	scannerItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflow_scanner_items_total",
			Help: "Items handled by scanners by result (succeeded, failed, skipped)",
		},
		[]string{"scanner", "result"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflow_notifications_sent_total",
			Help: "Notification sends by channel and status",
		},
		[]string{"channel", "status"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postflow_send_latency_seconds",
			Help:    "Latency of a single channel send",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	quotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflow_quota_rejections_total",
			Help: "Actions rejected by the quota gate",
		},
		[]string{"action", "tier"},
	)

	leaseContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflow_lease_contention_total",
			Help: "Scanner runs skipped because another instance held the lease",
		},
		[]string{"scanner"},
	)

	throttleRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflow_throttle_rejections_total",
			Help: "Sends dropped by the per-destination throttle",
		},
		[]string{"channel"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postflow_circuit_breaker_state",
			Help: "Circuit breaker state per channel (0 closed, 1 open, 2 half-open)",
		},
		[]string{"channel"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postflow_db_connections_active",
			Help: "Active database connections",
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

// RecordScannerRun records the outcome and duration of a scanner run
func RecordScannerRun(scanner, outcome string, duration time.Duration) {
	scannerRuns.WithLabelValues(scanner, outcome).Inc()
	scannerRunDuration.WithLabelValues(scanner).Observe(duration.Seconds())
}

// RecordScannerItems adds per-result item counts for a run
func RecordScannerItems(scanner string, succeeded, failed, skipped int) {
	scannerItems.WithLabelValues(scanner, "succeeded").Add(float64(succeeded))
	scannerItems.WithLabelValues(scanner, "failed").Add(float64(failed))
	scannerItems.WithLabelValues(scanner, "skipped").Add(float64(skipped))
}

// RecordNotificationSent records one channel send
func RecordNotificationSent(channel, status string, latency time.Duration) {
	notificationsSent.WithLabelValues(channel, status).Inc()
	sendLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordQuotaRejection records a quota gate rejection
func RecordQuotaRejection(action, tier string) {
	quotaRejections.WithLabelValues(action, tier).Inc()
}

// RecordLeaseContention records a run skipped on a held lease
func RecordLeaseContention(scanner string) {
	leaseContention.WithLabelValues(scanner).Inc()
}

// RecordThrottleRejection records a send dropped by the throttle
func RecordThrottleRejection(channel string) {
	throttleRejections.WithLabelValues(channel).Inc()
}

// SetBreakerState publishes a breaker state as a numeric gauge
func SetBreakerState(channel string, state int) {
	breakerState.WithLabelValues(channel).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics.
// Routes are labelled by pattern when a pattern func is supplied so ids do
// not explode label cardinality.
func Middleware(pattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if pattern != nil {
				if p := pattern(r); p != "" {
					path = p
				}
			}
			RecordRequest(r.Method, path, wrapped.status, time.Since(start))
		})
	}
}
