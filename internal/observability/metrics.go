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
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
	// Decision latency spans minutes to weeks.
	decisionLatencyBuckets = []float64{60, 600, 3600, 4 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	StepDecisionsTotal       *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	StepDecisionLatency      *prometheus.HistogramVec
	OverdueStepsTotal        *prometheus.CounterVec

	// Audit and guard metrics
	GuardedTransitionsTotal *prometheus.CounterVec
	StaleStateTotal         *prometheus.CounterVec
	CommitDuration          prometheus.Histogram

	// Notification metrics
	NotificationsTotal          *prometheus.CounterVec
	NotifierCircuitBreakerState *prometheus.GaugeVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
	TemplatesLoaded       prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"template_id"}),
		StepDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_step_decisions_total",
			Help: "Total number of step decisions recorded.",
		}, []string{"template_id", "action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_completions_total",
			Help: "Total number of workflow instances closed.",
		}, []string{"template_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signoff_workflow_active_instances",
			Help: "Number of active workflow instances started by this process.",
		}, []string{"template_id"}),
		StepDecisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_step_decision_latency_seconds",
			Help:    "Time between a step becoming current and its decision.",
			Buckets: decisionLatencyBuckets,
		}, []string{"template_id"}),
		OverdueStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_overdue_steps_total",
			Help: "Total number of overdue steps reported by the scanner.",
		}, []string{"template_id"}),

		// Audit and guard
		GuardedTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_guarded_transitions_total",
			Help: "Total number of guarded transition attempts.",
		}, []string{"entity_type", "result"}),
		StaleStateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_stale_state_total",
			Help: "Total number of commits refused because state moved on.",
		}, []string{"entity_type"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signoff_audit_commit_duration_seconds",
			Help:    "Duration of an audit mutation including lock wait and store commit.",
			Buckets: storeDurationBuckets,
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_notifications_total",
			Help: "Total number of notification deliveries.",
		}, []string{"notifier", "event_type", "result"}),
		NotifierCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signoff_notifier_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"notifier"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_idempotency_replays_total",
			Help: "Total responses replayed from the idempotency store.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signoff_definitions_loaded",
			Help: "Number of loaded definition files.",
		}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signoff_templates_loaded",
			Help: "Number of workflow templates known to the engine.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.StepDecisionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.StepDecisionLatency,
		m.OverdueStepsTotal,
		// Audit and guard
		m.GuardedTransitionsTotal,
		m.StaleStateTotal,
		m.CommitDuration,
		// Notifications
		m.NotificationsTotal,
		m.NotifierCircuitBreakerState,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotencyReplaysTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components built
// without metrics need no conditionals.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(templateID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Inc()
}

// RecordStepDecision records an approve, reject, reassign or cancel.
func (m *Metrics) RecordStepDecision(templateID, action string, waited time.Duration) {
	if m == nil {
		return
	}
	m.StepDecisionsTotal.WithLabelValues(templateID, action).Inc()
	if waited > 0 {
		m.StepDecisionLatency.WithLabelValues(templateID).Observe(waited.Seconds())
	}
}

// RecordWorkflowCompletion records an instance reaching Completed or Cancelled.
func (m *Metrics) RecordWorkflowCompletion(templateID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(templateID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Dec()
}

// RecordOverdueStep records a step reported overdue.
func (m *Metrics) RecordOverdueStep(templateID string) {
	if m == nil {
		return
	}
	m.OverdueStepsTotal.WithLabelValues(templateID).Inc()
}

// RecordGuardedTransition records the outcome of a guarded transition.
// Result is "ok" or the error code.
func (m *Metrics) RecordGuardedTransition(entityType, result string) {
	if m == nil {
		return
	}
	m.GuardedTransitionsTotal.WithLabelValues(entityType, result).Inc()
}

// RecordStaleState records a commit refused on a stale read.
func (m *Metrics) RecordStaleState(entityType string) {
	if m == nil {
		return
	}
	m.StaleStateTotal.WithLabelValues(entityType).Inc()
}

// RecordCommit records the duration of one audit mutation.
func (m *Metrics) RecordCommit(duration time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.Observe(duration.Seconds())
}

// RecordNotification records one notification delivery attempt.
func (m *Metrics) RecordNotification(notifier, eventType, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notifier, eventType, result).Inc()
}

// SetNotifierCircuitBreakerState sets the circuit breaker state for a notifier.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitBreakerState(notifier string, state float64) {
	if m == nil {
		return
	}
	m.NotifierCircuitBreakerState.WithLabelValues(notifier).Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definition files and templates.
func (m *Metrics) SetDefinitionsLoaded(files, templates int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(files))
	m.TemplatesLoaded.Set(float64(templates))
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

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a metrics handler serving a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
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
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
