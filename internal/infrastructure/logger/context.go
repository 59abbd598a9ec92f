package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey            contextKey = "logger"
	requestIDKey         contextKey = "request_id"
	tenantIDKey          contextKey = "tenant_id"
	actorKey             contextKey = "actor"
	downloadRequestIDKey contextKey = "download_request_id"
	packageIDKey         contextKey = "package_id"
)

// contextFields lists the values L(ctx) copies into every entry, in order.
var contextFields = []contextKey{requestIDKey, tenantIDKey, actorKey, downloadRequestIDKey, packageIDKey}

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithRequestID tags ctx with the HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// WithTenantID tags ctx with the tenant being worked on.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return withValue(ctx, tenantIDKey, tenantID)
}

// WithActor tags ctx with the operator or job that triggered the work.
func WithActor(ctx context.Context, actor string) context.Context {
	return withValue(ctx, actorKey, actor)
}

// WithDownloadRequestID tags ctx with a bulk download request id.
func WithDownloadRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, downloadRequestIDKey, id)
}

// WithPackageID tags ctx with a download package id.
func WithPackageID(ctx context.Context, id string) context.Context {
	return withValue(ctx, packageIDKey, id)
}

func GetRequestID(ctx context.Context) string         { return value(ctx, requestIDKey) }
func GetTenantID(ctx context.Context) string          { return value(ctx, tenantIDKey) }
func GetActor(ctx context.Context) string             { return value(ctx, actorKey) }
func GetDownloadRequestID(ctx context.Context) string { return value(ctx, downloadRequestIDKey) }
func GetPackageID(ctx context.Context) string         { return value(ctx, packageIDKey) }

// ContextLogger logs with the trace ids and pipeline identifiers found in
// its context.
type ContextLogger struct {
	ctx    context.Context
	logger *zap.Logger
}

// L returns a ContextLogger for ctx using the logger stored in it.
//
//	logger.L(ctx).Info("package processed", zap.Int("created", n))
func L(ctx context.Context) *ContextLogger {
	return &ContextLogger{ctx: ctx, logger: FromContext(ctx)}
}

// WithLogger is L with an explicit base logger, for services that hold
// their own *zap.Logger.
func WithLogger(ctx context.Context, logger *zap.Logger) *ContextLogger {
	return &ContextLogger{ctx: ctx, logger: logger}
}

func (cl *ContextLogger) enrichedLogger() *zap.Logger {
	l := cl.logger
	if l == nil {
		l = zap.NewNop()
	}
	fields := make([]zap.Field, 0, len(contextFields)+2)
	if spanCtx := trace.SpanContextFromContext(cl.ctx); spanCtx.IsValid() {
		fields = append(fields,
			zap.String("trace_id", spanCtx.TraceID().String()),
			zap.String("span_id", spanCtx.SpanID().String()),
		)
	}
	for _, key := range contextFields {
		if v := value(cl.ctx, key); v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// With creates a child ContextLogger with additional fields.
func (cl *ContextLogger) With(fields ...zap.Field) *ContextLogger {
	return &ContextLogger{ctx: cl.ctx, logger: cl.base().With(fields...)}
}

func (cl *ContextLogger) base() *zap.Logger {
	if cl.logger == nil {
		return zap.NewNop()
	}
	return cl.logger
}

func (cl *ContextLogger) Debug(msg string, fields ...zap.Field) { cl.enrichedLogger().Debug(msg, fields...) }
func (cl *ContextLogger) Info(msg string, fields ...zap.Field)  { cl.enrichedLogger().Info(msg, fields...) }
func (cl *ContextLogger) Warn(msg string, fields ...zap.Field)  { cl.enrichedLogger().Warn(msg, fields...) }
func (cl *ContextLogger) Error(msg string, fields ...zap.Field) { cl.enrichedLogger().Error(msg, fields...) }

// Zap returns the enriched *zap.Logger.
func (cl *ContextLogger) Zap() *zap.Logger {
	return cl.enrichedLogger()
}
