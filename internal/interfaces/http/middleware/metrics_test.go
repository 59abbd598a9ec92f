package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

func TestMetrics(t *testing.T) {
	reg := telemetry.NewRegistry()
	router := gin.New()
	router.Use(Metrics(telemetry.NewHTTPMetrics(reg)))
	router.GET("/api/v1/tenants/:tenant_id/documents", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{
		"/api/v1/tenants/a/documents",
		"/api/v1/tenants/b/documents",
		"/nowhere",
	} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	expected := `
# HELP cfdisync_http_requests_total HTTP requests by method, route and status code.
# TYPE cfdisync_http_requests_total counter
cfdisync_http_requests_total{method="GET",route="/api/v1/tenants/:tenant_id/documents",status="200"} 2
cfdisync_http_requests_total{method="GET",route="unmatched",status="404"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "cfdisync_http_requests_total"))

	n, err := testutil.GatherAndCount(reg.Gatherer(), "cfdisync_http_requests_in_flight")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_Nil(t *testing.T) {
	router := gin.New()
	router.Use(Metrics(nil))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
