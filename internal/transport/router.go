package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Engine             *workflow.Engine
	API                *openapi.Index
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Idempotency        idempotency.Store
	Readiness          observability.ReadinessChecks
	Metrics            *observability.Metrics
	MetricsHandler     http.Handler
	Logger             *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API document
// bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, metricsPath, metricsHandler)
	}

	h := &handlers{engine: deps.Engine, api: deps.API, logger: logger}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", observability.HandleHealth())
		r.Get("/ready", observability.HandleReady(deps.Readiness))
		r.Get("/openapi.yaml", h.document)

		auth := deps.Authenticate
		if auth == nil {
			auth = func(next http.Handler) http.Handler { return next }
		}
		idemTTL := deps.Config.Idempotency.Store.DefaultTTL
		if idemTTL <= 0 {
			idemTTL = 24 * time.Hour
		}
		var idem idempotency.Store
		if deps.Config.Idempotency.Enabled {
			idem = deps.Idempotency
		}

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
			r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
			r.Use(RequestLogging(logger))
			r.Use(Idempotency(idem, idemTTL, deps.Metrics))

			r.Get("/templates", h.listTemplates)
			r.Post("/templates", h.publishTemplate)
			r.Get("/templates/{templateId}", h.getTemplate)
			r.Post("/templates/{templateId}/instances", h.startInstance)

			r.Get("/instances", h.listInstances)
			r.Get("/instances/{instanceId}", h.getInstance)
			r.Post("/instances/{instanceId}/approve", h.approveStep)
			r.Post("/instances/{instanceId}/reject", h.rejectStep)
			r.Post("/instances/{instanceId}/cancel", h.cancelInstance)
			r.Post("/instances/{instanceId}/reassign", h.reassignStep)

			r.Get("/entity-types", h.listEntityTypes)
			r.Get("/entities/{entityType}/{entityId}/status", h.entityStatus)
			r.Get("/entities/{entityType}/{entityId}/history", h.history)
			r.Get("/entities/{entityType}/{entityId}/history.xlsx", h.exportHistory)
			r.Post("/entities/{entityType}/{entityId}/transitions", h.applyTransition)
		})
	})

	return r
}
