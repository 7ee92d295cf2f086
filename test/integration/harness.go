// Package integration drives a fully wired signoff server over HTTP. The
// harness starts the real router behind the real JWT authenticator, with an
// in-process token issuer and JWKS endpoint, the shipped definitions and a
// memory or Redis backed set of stores.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/definition"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/notify"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/transport"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

// EventsChannel is the Redis channel the harness publishes events on.
const EventsChannel = "signoff.events.test"

// TestHarness is a running signoff server plus handles on its internals.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Engine    *workflow.Engine
	Store     *workflow.MemoryStore
	Registry  *definition.Registry
	Resolver  *capability.Resolver
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Redis     *miniredis.Miniredis
	RedisConn redis.UniversalClient

	mu     sync.Mutex
	events []notify.Event
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	redis          bool
	handlerTimeout time.Duration
	now            func() time.Time
}

// WithDefinitions replaces the shipped definition directories.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithPolicyFile sets the static policy file.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) { c.policyFile = path }
}

// WithRedis backs idempotency and event publishing with an in-process Redis.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) { c.redis = true }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithClock fixes the engine clock.
func WithClock(now func() time.Time) HarnessOption {
	return func(c *harnessConfig) { c.now = now }
}

// NewTestHarness wires and starts a server. Everything is torn down when the
// test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()
	ctx := context.Background()

	hc := &harnessConfig{handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(repoRoot(), "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policies.yaml")
	}

	h := &TestHarness{t: t, issuer: newTokenIssuer(t)}
	logger := zap.NewNop()

	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	compiled, verrs := definition.Compile(defs)
	if len(verrs) > 0 {
		t.Fatalf("compile definitions: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs, compiled)

	reg := prometheus.NewRegistry()
	h.Gatherer = reg
	h.Metrics = observability.InitMetrics(reg)
	h.Metrics.SetDefinitionsLoaded(h.Registry.Count(), len(compiled.Templates))

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	// No caching, so role changes take effect on the next request.
	h.Resolver = capability.NewResolver(evaluator, 0, capability.WithMetrics(h.Metrics))

	var idem idempotency.Store = idempotency.NewMemoryStore()
	bus := notify.NewBus()
	bus.Subscribe(func(_ context.Context, e notify.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	notifier := notify.Multi{bus}
	var notifierHealth observability.HealthChecker

	if hc.redis {
		h.Redis = miniredis.RunT(t)
		h.RedisConn = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { h.RedisConn.Close() })
		idem = idempotency.NewRedisStore(h.RedisConn)
		breaker := notify.NewBreaker("redis", notify.NewRedisPublisher(h.RedisConn, EventsChannel),
			notify.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second},
			notify.WithStateChange(notify.BreakerMetrics(h.Metrics)))
		notifier = append(notifier, notify.Instrumented("redis", breaker, h.Metrics))
		notifierHealth = breaker
	}

	h.Store = workflow.NewMemoryStore()
	engineOpts := []workflow.Option{
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(h.Metrics),
		workflow.WithLogger(logger),
	}
	if hc.now != nil {
		engineOpts = append(engineOpts, workflow.WithClock(hc.now))
	}
	h.Engine = workflow.NewEngine(h.Store, guard.NewRegistry(compiled.Tables...), h.Resolver, engineOpts...)
	if err := h.Engine.SeedTemplates(ctx, compiled.Templates); err != nil {
		t.Fatalf("seed templates: %v", err)
	}

	api, err := openapi.Load(ctx)
	if err != nil {
		t.Fatalf("load API document: %v", err)
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Correlation-Id"},
		MaxAge:         600,
	}
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.jwksServer.URL

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Engine:             h.Engine,
		API:                api,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: h.Resolver,
		Idempotency:        idem,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Count() > 0 },
			Store:             h.Store,
			Notifier:          notifierHealth,
		},
		Metrics:        h.Metrics,
		MetricsHandler: observability.HandlerFor(reg),
		Logger:         logger,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Token issues a valid token for a.
func (h *TestHarness) Token(a Actor) string {
	h.t.Helper()
	return h.issuer.Token(h.t, a)
}

// Issuer exposes the token issuer for tests that need broken tokens.
func (h *TestHarness) Issuer() *tokenIssuer {
	return h.issuer
}

// Events returns the events delivered so far, optionally filtered by type.
func (h *TestHarness) Events(types ...notify.EventType) []notify.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []notify.Event
	for _, e := range h.events {
		if len(types) == 0 || containsType(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func containsType(types []notify.EventType, t notify.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, headers)
}

// Do sends a request. A string body is sent as is; anything else is JSON
// encoded.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertJSON checks the status and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	data := h.ReadBody(resp)
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, data)
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal response body: %v\nbody: %s", err, data)
	}
}

// AssertError checks the status and the error code of the envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Actors ---

// Promoter returns the sales promoter of tenant acme.
func Promoter() Actor {
	return Actor{SubjectID: "promoter-1", TenantID: "acme", Email: "promoter@acme.test", Roles: []string{"promoter"}}
}

// Notary returns the notary of tenant acme. Notaries may override steps.
func Notary() Actor {
	return Actor{SubjectID: "notary-1", TenantID: "acme", Email: "notary@acme.test", Roles: []string{"notary"}}
}

// Manager returns a sales manager who can cancel, reassign and move lots.
func Manager() Actor {
	return Actor{SubjectID: "manager-1", TenantID: "acme", Roles: []string{"sales_manager"}}
}

// Buyer returns a buyer of tenant acme.
func Buyer() Actor {
	return Actor{SubjectID: "buyer-1", TenantID: "acme", Roles: []string{"buyer"}}
}

// Outsider returns a promoter of another tenant.
func Outsider() Actor {
	return Actor{SubjectID: "promoter-9", TenantID: "globex", Roles: []string{"promoter", "notary"}}
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
