package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger writing to stdout, JSON unless the config
// asks for the console encoder.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), stale-state conflicts, notifier breaker open
//   - info:  Request start/end, committed transitions, definition loading
//   - debug: Capability cache operations, transition metadata, scanner passes
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if cfg.LogFormat == "console" {
		encoding = "console"
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "signoff"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// EntityFields returns the standard fields identifying an entity.
func EntityFields(ref model.EntityRef) []zap.Field {
	return []zap.Field{
		zap.String("entity_type", ref.Type),
		zap.String("entity_id", ref.ID),
	}
}

// defaultSensitiveKeys are metadata keys never written to logs verbatim.
var defaultSensitiveKeys = []string{
	"password", "secret", "token", "api_key", "authorization", "iban", "signature",
}

// RedactMetadata returns a copy of transition metadata with sensitive values
// replaced by "[REDACTED]". Keys match case-insensitively, by substring.
func RedactMetadata(meta map[string]string, extra ...string) map[string]string {
	if meta == nil {
		return nil
	}
	keys := append(append([]string(nil), defaultSensitiveKeys...), extra...)

	out := make(map[string]string, len(meta))
	for k, v := range meta {
		lower := strings.ToLower(k)
		out[k] = v
		for _, s := range keys {
			if strings.Contains(lower, s) {
				out[k] = "[REDACTED]"
				break
			}
		}
	}
	return out
}
