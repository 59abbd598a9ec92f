// Package middleware holds the gin middleware of the operator API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Context keys set by the middleware of this package.
const (
	RequestIDKey    = "request_id"
	TenantIDKey     = "tenant_id"
	RequestIDHeader = "X-Request-ID"

	// MaxRequestIDLength bounds client supplied request ids.
	MaxRequestIDLength = 128
)

// CORSConfig is filled from HTTPConfig.CORS*.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORSConfig allows no origin until one is configured.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Request-ID", "X-Actor", "Accept", "Origin"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

// CORSWithConfig answers cross-origin requests from the configured
// origins. A "*" entry allows any origin but never with credentials.
// Preflight requests stop here with 204 whether or not the origin matched.
func CORSWithConfig(cfg CORSConfig) gin.HandlerFunc {
	origins := make(map[string]struct{}, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		origins[o] = struct{}{}
	}
	_, wildcard := origins["*"]

	static := http.Header{}
	static.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowHeaders, ", "))
	static.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowMethods, ", "))
	if len(cfg.ExposeHeaders) > 0 {
		static.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposeHeaders, ", "))
	}
	if cfg.MaxAge > 0 {
		static.Set("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge.Seconds())))
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		if origin := c.GetHeader("Origin"); origin != "" {
			_, listed := origins[origin]
			switch {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case listed:
				h.Set("Access-Control-Allow-Origin", origin)
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if wildcard || listed {
				for k, v := range static {
					h[k] = v
				}
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestID keeps the caller's X-Request-ID, truncated, or mints one, and
// echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		switch {
		case id == "":
			id = uuid.NewString()
		case len(id) > MaxRequestIDLength:
			id = id[:MaxRequestIDLength]
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// TenantFromPath copies a valid :tenant_id path parameter into the gin
// context, where the logger, tracing and metrics middleware read it.
func TenantFromPath() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.Param("tenant_id"); raw != "" {
			if _, err := uuid.Parse(raw); err == nil {
				c.Set(TenantIDKey, raw)
			}
		}
		c.Next()
	}
}

func GetTenantID(c *gin.Context) string {
	return c.GetString(TenantIDKey)
}

// Secure sets the response headers of a JSON-only API: no framing, no
// sniffing, no active content.
func Secure() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Next()
	}
}
