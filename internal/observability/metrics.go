package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	evalDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1}
	scanDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the process engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Rule evaluation metrics
	RuleEvaluationsTotal   *prometheus.CounterVec
	RuleEvaluationDuration *prometheus.HistogramVec

	// State machine metrics
	TransitionChecksTotal  *prometheus.CounterVec
	TransitionActionsTotal *prometheus.CounterVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowTimeoutsTotal    *prometheus.CounterVec

	// Webhook delivery metrics
	WebhookDeliveriesTotal *prometheus.CounterVec

	// Scanner metrics
	ScanTicksTotal *prometheus.CounterVec
	ScanDuration   *prometheus.HistogramVec

	// System metrics
	DefinitionsLoaded *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statera_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statera_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statera_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Rules
		RuleEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_rule_evaluations_total",
			Help: "Total number of rule evaluation passes.",
		}, []string{"entity", "hook", "outcome"}),
		RuleEvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statera_rule_evaluation_duration_seconds",
			Help:    "Rule evaluation pass duration in seconds.",
			Buckets: evalDurationBuckets,
		}, []string{"entity", "hook"}),

		// State machines
		TransitionChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_transition_checks_total",
			Help: "Total number of state transition checks.",
		}, []string{"entity", "outcome"}),
		TransitionActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_transition_actions_total",
			Help: "Total number of transition actions executed.",
		}, []string{"entity", "action_type"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_workflow_starts_total",
			Help: "Total number of workflow instance starts.",
		}, []string{"workflow_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_workflow_completions_total",
			Help: "Total number of workflow instance completions.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_workflow_timeouts_total",
			Help: "Total number of approval step timeouts.",
		}, []string{"workflow_id"}),

		// Webhooks
		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome.",
		}, []string{"outcome"}),

		// Scanner
		ScanTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statera_scan_ticks_total",
			Help: "Total number of scanner ticks per tenant.",
		}, []string{"tenant", "status"}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statera_scan_duration_seconds",
			Help:    "Scanner tick duration per tenant in seconds.",
			Buckets: scanDurationBuckets,
		}, []string{"tenant"}),

		// System
		DefinitionsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statera_definitions_loaded",
			Help: "Number of active definitions loaded per tenant.",
		}, []string{"tenant", "kind"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Rules
		m.RuleEvaluationsTotal,
		m.RuleEvaluationDuration,
		// State machines
		m.TransitionChecksTotal,
		m.TransitionActionsTotal,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowTimeoutsTotal,
		// Webhooks
		m.WebhookDeliveriesTotal,
		// Scanner
		m.ScanTicksTotal,
		m.ScanDuration,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRuleEvaluation records one rule evaluation pass.
func (m *Metrics) RecordRuleEvaluation(entity, hook, outcome string, duration time.Duration) {
	m.RuleEvaluationsTotal.WithLabelValues(entity, hook, outcome).Inc()
	m.RuleEvaluationDuration.WithLabelValues(entity, hook).Observe(duration.Seconds())
}

// RecordTransitionCheck records one state transition check.
func (m *Metrics) RecordTransitionCheck(entity, outcome string) {
	m.TransitionChecksTotal.WithLabelValues(entity, outcome).Inc()
}

// RecordTransitionAction records one executed transition action.
func (m *Metrics) RecordTransitionAction(entity, actionType string) {
	m.TransitionActionsTotal.WithLabelValues(entity, actionType).Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt outcome.
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordScanTick records one scanner tick for a tenant.
func (m *Metrics) RecordScanTick(tenant, status string, duration time.Duration) {
	m.ScanTicksTotal.WithLabelValues(tenant, status).Inc()
	m.ScanDuration.WithLabelValues(tenant).Observe(duration.Seconds())
}

// SetDefinitionsLoaded sets the number of loaded definitions of one kind.
func (m *Metrics) SetDefinitionsLoaded(tenant, kind string, count float64) {
	m.DefinitionsLoaded.WithLabelValues(tenant, kind).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
