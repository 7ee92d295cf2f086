package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Record a value for each vector so it appears in Gather.
	m.RecordHTTPRequest("GET", "/v1/templates", 200, time.Millisecond, 0, 100)
	m.RecordWorkflowStart("sales.contract")
	m.RecordStepDecision("sales.contract", "Approved", time.Hour)
	m.RecordWorkflowCompletion("sales.contract", "Completed")
	m.RecordOverdueStep("sales.contract")
	m.RecordGuardedTransition("lot", "ok")
	m.RecordStaleState("lot")
	m.RecordCommit(time.Millisecond)
	m.RecordNotification("redis", "step.approved", "ok")
	m.SetNotifierCircuitBreakerState("redis", 0)
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()
	m.RecordIdempotencyReplay()
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded(2, 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"signoff_http_requests_total",
		"signoff_http_request_duration_seconds",
		"signoff_http_request_size_bytes",
		"signoff_http_response_size_bytes",
		"signoff_workflow_starts_total",
		"signoff_step_decisions_total",
		"signoff_workflow_completions_total",
		"signoff_workflow_active_instances",
		"signoff_step_decision_latency_seconds",
		"signoff_overdue_steps_total",
		"signoff_guarded_transitions_total",
		"signoff_stale_state_total",
		"signoff_audit_commit_duration_seconds",
		"signoff_notifications_total",
		"signoff_notifier_circuit_breaker_state",
		"signoff_capability_cache_hits_total",
		"signoff_capability_cache_misses_total",
		"signoff_idempotency_replays_total",
		"signoff_definition_reload_total",
		"signoff_definitions_loaded",
		"signoff_templates_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestNilMetrics_isNoop(t *testing.T) {
	var m *Metrics
	m.RecordWorkflowStart("x")
	m.RecordStepDecision("x", "Approved", time.Second)
	m.RecordGuardedTransition("lot", "ok")
	m.SetDefinitionsLoaded(1, 1)
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart("sales.contract")
	m.RecordWorkflowStart("sales.contract")
	if v := testutil.ToFloat64(m.WorkflowActiveInstances.WithLabelValues("sales.contract")); v != 2 {
		t.Errorf("active instances = %v, want 2", v)
	}

	m.RecordWorkflowCompletion("sales.contract", "Completed")
	if v := testutil.ToFloat64(m.WorkflowActiveInstances.WithLabelValues("sales.contract")); v != 1 {
		t.Errorf("active instances after completion = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("sales.contract", "Completed")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
}

func TestRecordStepDecision(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStepDecision("sales.contract", "Approved", 2*time.Hour)
	m.RecordStepDecision("sales.contract", "Reassigned", 0)

	if v := testutil.ToFloat64(m.StepDecisionsTotal.WithLabelValues("sales.contract", "Approved")); v != 1 {
		t.Errorf("approved = %v, want 1", v)
	}
	// Zero wait is not observed.
	if n := testutil.CollectAndCount(m.StepDecisionLatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestRecordGuardedTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordGuardedTransition("lot", "ok")
	m.RecordGuardedTransition("lot", "ILLEGAL_TRANSITION")
	m.RecordGuardedTransition("lot", "ILLEGAL_TRANSITION")

	if v := testutil.ToFloat64(m.GuardedTransitionsTotal.WithLabelValues("lot", "ILLEGAL_TRANSITION")); v != 2 {
		t.Errorf("illegal = %v, want 2", v)
	}
}

func TestSetNotifierCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetNotifierCircuitBreakerState("redis", 2)
	if v := testutil.ToFloat64(m.NotifierCircuitBreakerState.WithLabelValues("redis")); v != 2 {
		t.Errorf("state = %v, want 2", v)
	}
	m.SetNotifierCircuitBreakerState("redis", 0)
	if v := testutil.ToFloat64(m.NotifierCircuitBreakerState.WithLabelValues("redis")); v != 0 {
		t.Errorf("state = %v, want 0", v)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetDefinitionsLoaded(2, 3)
	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 2 {
		t.Errorf("definitions = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 3 {
		t.Errorf("templates = %v, want 3", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/instances/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances/abc-123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{instanceId}", "200")); v != 1 {
		t.Errorf("requests total = %v, want 1", v)
	}
}

func TestMetricsMiddleware_subrouterPattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/instances/{instanceId}/reject", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/instances/x/reject", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances/{instanceId}/reject", "409")); v != 1 {
		t.Errorf("409 requests = %v, want 1", v)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200")); v != 1 {
		t.Errorf("raw path requests = %v, want 1", v)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordWorkflowStart("sales.contract")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `signoff_workflow_starts_total{template_id="sales.contract"} 1`) {
		t.Errorf("body does not contain the start counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":     httpDurationBuckets,
		"store":    storeDurationBuckets,
		"body":     bodySizeBuckets,
		"decision": decisionLatencyBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
