package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// DefinitionsLoaded is required and always runs.
	DefinitionsLoaded func() bool

	// Optional checks run only if non-nil.
	Store            HealthChecker
	IdempotencyStore HealthChecker
	Notifier         HealthChecker
}

func (c ReadinessChecks) named() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"definitions": HealthCheckFunc(func(context.Context) error {
			if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
				return errNoDefinitions
			}
			return nil
		}),
	}
	if c.Store != nil {
		out["store"] = c.Store
	}
	if c.IdempotencyStore != nil {
		out["idempotency_store"] = c.IdempotencyStore
	}
	if c.Notifier != nil {
		out["notifier"] = c.Notifier
	}
	return out
}

type readinessError string

func (e readinessError) Error() string { return string(e) }

const errNoDefinitions = readinessError("no definitions loaded")

const checkTimeout = 2 * time.Second

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint. Checks run
// concurrently, each bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		results := make(map[string]CheckResult, len(named))
		var mu sync.Mutex
		var wg sync.WaitGroup

		for name, checker := range named {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = result
				mu.Unlock()
			}()
		}
		wg.Wait()

		status := "ready"
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: status,
			Checks: results,
		})
	}
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{Status: "error", LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: "ok", LatencyMs: latency}
}
