package logger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ginLoggerKey = "logger"
	actorHeader  = "X-Actor"
	maxActorLen  = 64
)

// GinMiddleware logs one line per request. The request-scoped logger is
// kept in the gin context and in the request context, so services called
// from a handler log with the same request, tenant and actor.
func GinMiddleware(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetString("request_id")
		tenantID := c.GetString("tenant_id")
		actor := c.GetHeader(actorHeader)
		if len(actor) > maxActorLen {
			actor = actor[:maxActorLen]
		}

		reqLogger := base.With(zap.String("request_id", requestID), zap.String("method", c.Request.Method))
		c.Set(ginLoggerKey, reqLogger)

		ctx := WithContext(c.Request.Context(), reqLogger)
		ctx = WithRequestID(ctx, requestID)
		ctx = WithTenantID(ctx, tenantID)
		ctx = WithActor(ctx, actor)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		// Route templates keep tenant ids and uuids out of the path field.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if tenantID != "" {
			fields = append(fields, zap.String("tenant_id", tenantID))
		}
		if actor != "" {
			fields = append(fields, zap.String("actor", actor))
		}
		if q := c.Request.URL.RawQuery; q != "" {
			fields = append(fields, zap.String("query", q))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			reqLogger.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			reqLogger.Warn("request rejected", fields...)
		default:
			reqLogger.Info("request served", fields...)
		}
	}
}

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			base.Error("handler panicked",
				zap.String("request_id", c.GetString("request_id")),
				zap.String("tenant_id", c.GetString("tenant_id")),
				zap.String("route", c.FullPath()),
				zap.Any("panic", rec),
				zap.Stack("stacktrace"),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   gin.H{"code": "INTERNAL_ERROR", "message": "internal server error"},
			})
		}()
		c.Next()
	}
}

// GetGinLogger returns the request logger, or a no-op logger outside
// GinMiddleware.
func GetGinLogger(c *gin.Context) *zap.Logger {
	if zl, ok := c.Value(ginLoggerKey).(*zap.Logger); ok {
		return zl
	}
	return zap.NewNop()
}
