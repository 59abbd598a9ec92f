package router

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/interfaces/http/handler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRouterSetup(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine, WithAPIVersion("v2"))
	assert.Equal(t, "/api/v2", r.Prefix())

	g := NewDomainGroup("test", "/test")
	g.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.Register(g).Setup()

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v2/test/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestDomainGroup(t *testing.T) {
	t.Run("middleware reaches subgroups", func(t *testing.T) {
		engine := gin.New()
		g := NewDomainGroup("tenants", "/tenants/:tenant_id").Use(func(c *gin.Context) {
			c.Header("X-Tenant", c.Param("tenant_id"))
			c.Next()
		})
		g.Group("documents", "/documents").GET("", func(c *gin.Context) { c.Status(http.StatusOK) })
		g.RegisterRoutes(engine.Group("/api/v1"))

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tenants/t1/documents", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "t1", w.Header().Get("X-Tenant"))
	})

	t.Run("routes are listed with full paths", func(t *testing.T) {
		noop := func(*gin.Context) {}
		g := NewDomainGroup("tenants", "/tenants/:tenant_id")
		g.Group("credentials", "/credentials").POST("", noop).GET("", noop)
		g.PUT("/sync-settings", noop)

		assert.Equal(t, []RouteInfo{
			{Group: "tenants", Method: http.MethodPut, Path: "/api/v1/tenants/:tenant_id/sync-settings"},
			{Group: "credentials", Method: http.MethodPost, Path: "/api/v1/tenants/:tenant_id/credentials"},
			{Group: "credentials", Method: http.MethodGet, Path: "/api/v1/tenants/:tenant_id/credentials"},
		}, g.Routes("/api/v1"))
	})
}

func testHandlers() Handlers {
	return Handlers{
		Requests:    handler.NewDownloadRequestHandler(nil, nil, nil),
		Documents:   handler.NewDocumentHandler(nil, nil, nil),
		Credentials: handler.NewCredentialHandler(nil),
		Settings:    handler.NewSyncSettingsHandler(nil),
		Blacklist:   handler.NewBlacklistHandler(nil),
		System:      handler.NewSystemHandler("cfdisync", "test", nil),
	}
}

func TestMount(t *testing.T) {
	engine := gin.New()
	tenantHits := 0
	routes := Mount(engine, testHandlers(), func(c *gin.Context) {
		tenantHits++
		c.Next()
	})

	var listed, registered []string
	for _, r := range routes {
		listed = append(listed, r.Method+" "+r.Path)
	}
	for _, r := range engine.Routes() {
		registered = append(registered, r.Method+" "+r.Path)
	}
	sort.Strings(listed)
	sort.Strings(registered)
	assert.Equal(t, registered, listed)

	for _, want := range []string{
		"POST /api/v1/tenants/:tenant_id/requests",
		"POST /api/v1/tenants/:tenant_id/requests/:id/poll",
		"POST /api/v1/tenants/:tenant_id/requests/:id/reconcile",
		"GET /api/v1/tenants/:tenant_id/documents/:uuid",
		"POST /api/v1/tenants/:tenant_id/documents/:uuid/check",
		"POST /api/v1/tenants/:tenant_id/documents/:uuid/cancellation",
		"POST /api/v1/tenants/:tenant_id/credentials",
		"PUT /api/v1/tenants/:tenant_id/sync-settings",
		"POST /api/v1/requests/poll",
		"GET /api/v1/blacklist/:rfc",
		"GET /api/v1/health",
	} {
		assert.Contains(t, listed, want)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, tenantHits)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tenants/not-a-uuid/requests", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, tenantHits)
}
