package telemetry_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

func TestJobMetrics(t *testing.T) {
	reg := telemetry.NewRegistry()
	m := telemetry.NewJobMetrics(reg)

	m.Enqueued("poll")
	m.Enqueued("poll")
	m.Finished("poll", "success", 2*time.Second)
	m.Finished("poll", "retry", time.Second)

	n, err := testutil.GatherAndCount(reg.Gatherer(), "cfdisync_jobs_enqueued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testutil.GatherAndCount(reg.Gatherer(), "cfdisync_jobs_finished_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per outcome")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var jobs *telemetry.JobMetrics
	var pipeline *telemetry.PipelineMetrics
	assert.NotPanics(t, func() {
		jobs.Enqueued("poll")
		jobs.Finished("poll", "failed", time.Millisecond)
		pipeline.AuthorityCall("verify", nil)
		pipeline.DocumentsIngested(1, 2, 3)
		pipeline.StatusCheck("scheduled", true)
		pipeline.Reconciliation("created")
	})
}

func TestPipelineMetrics_Handler(t *testing.T) {
	reg := telemetry.NewRegistry()
	m := telemetry.NewPipelineMetrics(reg)
	m.AuthorityCall("solicita", nil)
	m.AuthorityCall("solicita", errors.New("boom"))
	m.DocumentsIngested(3, 1, 0)
	m.StatusCheck("manual", false)
	m.Reconciliation("skipped")

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `cfdisync_authority_calls_total{operation="solicita",outcome="error"} 1`)
	assert.Contains(t, body, `cfdisync_documents_ingested_total{outcome="created"} 3`)
	assert.Contains(t, body, `cfdisync_documents_status_checks_total{changed="false",source="manual"} 1`)
	assert.Contains(t, body, `cfdisync_reconciliation_runs_total{outcome="skipped"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestHTTPMetrics(t *testing.T) {
	reg := telemetry.NewRegistry()
	m := telemetry.NewHTTPMetrics(reg)

	done := m.Start()
	done(http.MethodGet, "/api/v1/tenants/:tenant_id/documents", http.StatusOK)
	m.Start()(http.MethodGet, "/api/v1/tenants/:tenant_id/documents", http.StatusNotFound)

	n, err := testutil.GatherAndCount(reg.Gatherer(), "cfdisync_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per status")

	var nilMetrics *telemetry.HTTPMetrics
	assert.NotPanics(t, func() { nilMetrics.Start()(http.MethodGet, "/", http.StatusOK) })
}
