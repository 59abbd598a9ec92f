package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures Tracing.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
	// Options are passed to otelgin, e.g. a tracer provider in tests.
	Options []otelgin.Option
}

// Tracing opens a server span per request through otelgin.
func Tracing(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return otelgin.Middleware(cfg.ServiceName, cfg.Options...)
}

// SpanErrorMarker tags the active span with request and tenant ids and marks
// it as errored for 5xx responses. It must run after Tracing.
func SpanErrorMarker() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			spanAttributes(c, span)
		}

		c.Next()

		if !span.IsRecording() {
			return
		}
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			msg := http.StatusText(status)
			if len(c.Errors) > 0 {
				msg = c.Errors.Last().Error()
			}
			span.SetStatus(codes.Error, msg)
		}
	}
}

func spanAttributes(c *gin.Context, span trace.Span) {
	if id := GetRequestID(c); id != "" {
		span.SetAttributes(attribute.String("request_id", id))
	}
	if id := GetTenantID(c); id != "" {
		span.SetAttributes(attribute.String("tenant_id", id))
	}
	if actor := c.GetHeader("X-Actor"); actor != "" && len(actor) <= 64 {
		span.SetAttributes(attribute.String("actor", actor))
	}
}
