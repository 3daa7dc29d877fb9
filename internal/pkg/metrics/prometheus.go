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

const namespace = "fleetpulse"

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		},
	)

	// Orchestration metrics
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "cycles_total",
			Help:      "Total number of orchestration cycles by result",
		},
		[]string{"result"},
	)

	batchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "batch_size",
			Help:      "Batch size computed for the latest cycle",
		},
	)

	batchCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "batch_count",
			Help:      "Number of batches dispatched in the latest cycle",
		},
	)

	enabledDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "enabled_devices",
			Help:      "Enabled devices seen by the latest cycle",
		},
	)

	// Probe metrics
	probeOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "outcomes_total",
			Help:      "Probe outcomes by probe type and kind",
		},
		[]string{"probe", "kind"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Probe duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"probe"},
	)

	slowBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "slow_batches_total",
			Help:      "Batches that exceeded their soft deadline",
		},
		[]string{"lane"},
	)

	sinkWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "sink_write_failures_total",
			Help:      "Failed metrics sink writes",
		},
	)

	// State metrics
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "Applied device state transitions",
		},
		[]string{"kind"},
	)

	staleResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "stale_results_total",
			Help:      "Probe results discarded as stale or duplicate",
		},
	)

	flappingDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "flapping_devices",
			Help:      "Devices currently classified as flapping",
		},
	)

	// Alert metrics
	alertActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "actions_total",
			Help:      "Alert instance actions by action and severity",
		},
		[]string{"action", "severity"},
	)

	ruleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "rule_errors_total",
			Help:      "Rule evaluation failures",
		},
		[]string{"rule_id"},
	)

	// Lane metrics
	laneJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "jobs_total",
			Help:      "Jobs handled per lane by result",
		},
		[]string{"lane", "result"},
	)

	laneJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "job_duration_seconds",
			Help:      "Job handling duration per lane",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"lane"},
	)

	laneDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "depth",
			Help:      "Pending jobs per lane",
		},
		[]string{"lane"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "table"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns a middleware that records Prometheus metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		status := strconv.Itoa(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)
	})
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records the result of one orchestration cycle
func RecordCycle(result string) {
	cyclesTotal.WithLabelValues(result).Inc()
}

// SetBatchPlan records the plan of the latest cycle
func SetBatchPlan(devices, size, count int) {
	enabledDevices.Set(float64(devices))
	batchSize.Set(float64(size))
	batchCount.Set(float64(count))
}

// RecordProbe records one probe outcome
func RecordProbe(probe, kind string, duration time.Duration) {
	probeOutcomesTotal.WithLabelValues(probe, kind).Inc()
	probeDuration.WithLabelValues(probe).Observe(duration.Seconds())
}

// RecordSlowBatch counts a batch that overran its soft deadline
func RecordSlowBatch(lane string) {
	slowBatchesTotal.WithLabelValues(lane).Inc()
}

// RecordSinkFailure counts a failed metrics sink write
func RecordSinkFailure() {
	sinkWriteFailuresTotal.Inc()
}

// RecordTransition counts an applied state transition
func RecordTransition(kind string) {
	transitionsTotal.WithLabelValues(kind).Inc()
}

// RecordStaleResult counts a discarded probe result
func RecordStaleResult() {
	staleResultsTotal.Inc()
}

// SetFlappingDevices sets the number of flapping devices
func SetFlappingDevices(count int) {
	flappingDevices.Set(float64(count))
}

// RecordAlertAction counts an alert create, resolve or suppress action
func RecordAlertAction(action, severity string) {
	alertActionsTotal.WithLabelValues(action, severity).Inc()
}

// RecordRuleError counts a rule that failed to evaluate
func RecordRuleError(ruleID string) {
	ruleErrorsTotal.WithLabelValues(ruleID).Inc()
}

// RecordLaneJob records a handled job
func RecordLaneJob(lane, result string, duration time.Duration) {
	laneJobsTotal.WithLabelValues(lane, result).Inc()
	laneJobDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

// SetLaneDepth sets the pending job count for a lane
func SetLaneDepth(lane string, depth int64) {
	laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordDBQuery records database query metrics
func RecordDBQuery(operation, table string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}
