package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}
type capabilitiesKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores verified token claims in the context.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts token claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// CapabilitiesFrom extracts the CapabilitySet from the context.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(model.CapabilitySet)
	return caps
}

// Recovery catches panics in downstream handlers, logs them, and returns
// a 500 JSON error response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("correlation_id", CorrelationIDFrom(r.Context())),
						zap.Stack("stack"),
					)
					WriteError(w, model.NewInternalError())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing based
// on the provided configuration.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id, Idempotent-Replayed")
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID reads X-Correlation-Id from the request or generates one, stores
// it in the context and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders sets standard security response headers on all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// defaultClaimPaths locates identity fields in token claims.
var defaultClaimPaths = map[string]string{
	"subject_id": "sub",
	"tenant_id":  "tenant_id",
	"email":      "email",
	"roles":      "roles",
}

// BuildRequestContextMiddleware builds the model.RequestContext from verified
// claims. paths overrides where each identity field is read from, using dot
// notation for nested claims (e.g. "realm_access.roles"). Requests whose
// claims lack a subject or tenant are rejected with UNAUTHORIZED.
func BuildRequestContextMiddleware(paths map[string]string) func(http.Handler) http.Handler {
	resolved := make(map[string]string, len(defaultClaimPaths))
	for k, v := range defaultClaimPaths {
		resolved[k] = v
	}
	for k, v := range paths {
		if v != "" {
			resolved[k] = v
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:     extractClaimString(claims, resolved["subject_id"]),
				Email:         extractClaimString(claims, resolved["email"]),
				TenantID:      extractClaimString(claims, resolved["tenant_id"]),
				Roles:         extractClaimStringSlice(claims, resolved["roles"]),
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("Token does not identify a subject and tenant"))
				return
			}
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolveCapabilities eagerly resolves the caller's capabilities and stores
// them in the context. A failing resolver is logged; the engine resolves
// again when it needs a capability and reports UNAVAILABLE then.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver != nil {
				if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
					caps, err := resolver.Resolve(rctx)
					if err != nil {
						observability.RequestLogger(r.Context(), logger).Warn("capability resolution failed", zap.Error(err))
					} else {
						r = r.WithContext(context.WithValue(r.Context(), capabilitiesKey{}, caps))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging stores a request-scoped logger in the context and logs each
// request with its status and duration. Server errors log at error, client
// errors at warn.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)
			ctx := observability.WithLogger(r.Context(), reqLogger)

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case ww.status >= 500:
				reqLogger.Error("request", fields...)
			case ww.status >= 400:
				reqLogger.Warn("request", fields...)
			default:
				reqLogger.Info("request", fields...)
			}
		})
	}
}

// maxIdempotentBody bounds the request bodies fingerprinted for idempotency.
const maxIdempotentBody = 1 << 20

// Idempotency replays the stored response of a POST carrying an
// Idempotency-Key header that was already answered successfully. Keys are
// scoped to the caller's tenant and subject; reusing a key for a different
// method, path or body is a CONFLICT. Only 2xx responses are stored, so a
// request that failed may be retried under the same key.
func Idempotency(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			rctx := model.RequestContextFrom(r.Context())
			if r.Method != http.MethodPost || key == "" || rctx == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				WriteError(w, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			storeKey := idempotency.Key(rctx.TenantID, rctx.SubjectID, key)
			hash := idempotency.Hash(r.Method, r.URL.Path, body)

			prev, found, err := store.Check(r.Context(), storeKey, hash)
			if err != nil {
				if !model.IsCode(err, model.ErrConflict) {
					err = model.NewUnavailableError(err)
				}
				WriteError(w, err)
				return
			}
			if found {
				metrics.RecordIdempotencyReplay()
				if prev.ContentType != "" {
					w.Header().Set("Content-Type", prev.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(prev.StatusCode)
				w.Write(prev.Body)
				return
			}

			rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				resp := idempotency.Response{
					StatusCode:  rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
				}
				if err := store.Save(r.Context(), storeKey, hash, resp, ttl); err != nil {
					observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("idempotency save failed", zap.Error(err))
				}
			}
		})
	}
}

// --- helpers ---

// statusWriter wraps http.ResponseWriter to capture the written status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// capturingWriter records the status and body while passing them through.
type capturingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.written = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// extractClaim walks a dot-separated path through nested claim maps.
func extractClaim(claims map[string]any, path string) any {
	if claims == nil || path == "" {
		return nil
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func extractClaimString(claims map[string]any, path string) string {
	s, _ := extractClaim(claims, path).(string)
	return s
}

func extractClaimStringSlice(claims map[string]any, path string) []string {
	switch v := extractClaim(claims, path).(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}
