package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

// ProfilingConfig configures Profiling.
type ProfilingConfig struct {
	Enabled bool
	// SkipPathPrefixes carry no labels (health probes, metrics scrapes).
	SkipPathPrefixes []string
}

// DefaultProfilingConfig skips health and metrics endpoints.
func DefaultProfilingConfig() ProfilingConfig {
	return ProfilingConfig{
		Enabled:          true,
		SkipPathPrefixes: []string{"/health", "/metrics"},
	}
}

// Profiling runs the rest of the chain under pprof labels for method, route
// and tenant, so continuous profiles can be sliced per endpoint.
func Profiling(cfg ProfilingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range cfg.SkipPathPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}
		telemetry.Profile(c.Request.Context(), func(ctx context.Context) {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		}, profileLabels(c)...)
	}
}

func profileLabels(c *gin.Context) []string {
	route := c.FullPath()
	if route == "" {
		route = unmatchedRoute
	}
	labels := []string{"method", c.Request.Method, "route", route}
	if tenantID := GetTenantID(c); tenantID != "" {
		labels = append(labels, "tenant_id", tenantID)
	}
	return labels
}
