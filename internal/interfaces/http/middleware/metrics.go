package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

// unmatchedRoute labels requests that hit no route, keeping raw paths out of
// the label set.
const unmatchedRoute = "unmatched"

// Metrics records request count, latency and in-flight requests on m. A nil
// m disables it.
func Metrics(m *telemetry.HTTPMetrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		done := m.Start()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		done(c.Request.Method, route, c.Writer.Status())
	}
}
