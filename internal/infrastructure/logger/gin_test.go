package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLoggedRouter(level zapcore.Level) (*gin.Engine, *observer.ObservedLogs) {
	core, recorded := observer.New(level)
	l := zap.New(core)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("request_id", "req-42")
		c.Set("tenant_id", c.GetHeader("X-Tenant-ID"))
		c.Next()
	})
	r.Use(Recovery(l), GinMiddleware(l))
	return r, recorded
}

func httpEntry(t *testing.T, recorded *observer.ObservedLogs) observer.LoggedEntry {
	t.Helper()
	entries := recorded.FilterField(zap.String("request_id", "req-42")).All()
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func TestGinMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  zapcore.Level
		msg    string
	}{
		{"success logs info", http.StatusOK, zapcore.InfoLevel, "request served"},
		{"client error logs warn", http.StatusNotFound, zapcore.WarnLevel, "request rejected"},
		{"server error logs error", http.StatusBadGateway, zapcore.ErrorLevel, "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, recorded := newLoggedRouter(zapcore.DebugLevel)
			r.GET("/api/v1/tenants/:tenantId/documents", func(c *gin.Context) { c.Status(tt.status) })

			req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/tenant-1/documents?page=2", nil)
			req.Header.Set("X-Tenant-ID", "tenant-1")
			req.Header.Set("X-Actor", "ana")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			entry := httpEntry(t, recorded)
			assert.Equal(t, tt.msg, entry.Message)
			assert.Equal(t, tt.level, entry.Level)
			fields := fieldMap(entry)
			assert.Equal(t, "req-42", fields["request_id"])
			assert.Equal(t, "tenant-1", fields["tenant_id"])
			assert.Equal(t, "ana", fields["actor"])
			assert.Equal(t, "/api/v1/tenants/:tenantId/documents", fields["route"])
			assert.Equal(t, "page=2", fields["query"])
		})
	}
}

func TestGinMiddleware_PropagatesToRequestContext(t *testing.T) {
	r, recorded := newLoggedRouter(zapcore.DebugLevel)
	r.POST("/sync", func(c *gin.Context) {
		assert.Equal(t, "tenant-1", GetTenantID(c.Request.Context()))
		assert.Equal(t, "scheduler", GetActor(c.Request.Context()))
		L(c.Request.Context()).Info("submit queued")
		assert.NotNil(t, GetGinLogger(c))
		c.Status(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	req.Header.Set("X-Actor", "scheduler")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := recorded.FilterMessage("submit queued").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tenant-1", fieldMap(entries[0])["tenant_id"])
	assert.Equal(t, "req-42", fieldMap(entries[0])["request_id"])
}

func TestRecovery(t *testing.T) {
	r, recorded := newLoggedRouter(zapcore.DebugLevel)
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"INTERNAL_ERROR"`)
	assert.Equal(t, 1, recorded.FilterMessage("handler panicked").Len())
}

func TestGetGinLogger_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.NotNil(t, GetGinLogger(c))
}
