package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricNamespace = "cfdisync"

// Registry is the Prometheus registry scraped at the metrics path.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg}
}

// Handler serves the registry in the exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the registry for tests
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// JobMetrics counts queue activity. A nil *JobMetrics records nothing.
type JobMetrics struct {
	enqueued *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewJobMetrics registers the queue metrics on r
func NewJobMetrics(r *Registry) *JobMetrics {
	m := &JobMetrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace, Subsystem: "jobs", Name: "enqueued_total",
			Help: "Jobs accepted by the queue.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace, Subsystem: "jobs", Name: "finished_total",
			Help: "Job runs by outcome (success, retry, failed).",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace, Subsystem: "jobs", Name: "duration_seconds",
			Help:    "Job run duration.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"kind"}),
	}
	r.reg.MustRegister(m.enqueued, m.finished, m.duration)
	return m
}

// Enqueued counts an accepted job
func (m *JobMetrics) Enqueued(kind string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(kind).Inc()
}

// Finished records one run
func (m *JobMetrics) Finished(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

// PipelineMetrics counts the business outcomes of the CFDI pipeline.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	authorityCalls  *prometheus.CounterVec
	documents       *prometheus.CounterVec
	statusChecks    *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics on r
func NewPipelineMetrics(r *Registry) *PipelineMetrics {
	m := &PipelineMetrics{
		authorityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace, Subsystem: "authority", Name: "calls_total",
			Help: "Calls to the SAT web services by operation and outcome.",
		}, []string{"operation", "outcome"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace, Subsystem: "documents", Name: "ingested_total",
			Help: "Documents read from packages by outcome (created, duplicate, error).",
		}, []string{"outcome"}),
		statusChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace, Subsystem: "documents", Name: "status_checks_total",
			Help: "Status checks appended, by source and whether the status changed.",
		}, []string{"source", "changed"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace, Subsystem: "reconciliation", Name: "runs_total",
			Help: "Reconcile invocations by outcome.",
		}, []string{"outcome"}),
	}
	r.reg.MustRegister(m.authorityCalls, m.documents, m.statusChecks, m.reconciliations)
	return m
}

// AuthorityCall records one SAT call
func (m *PipelineMetrics) AuthorityCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.authorityCalls.WithLabelValues(operation, outcome).Inc()
}

// DocumentsIngested adds the counters of one processed package
func (m *PipelineMetrics) DocumentsIngested(created, duplicates, errors int) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues("created").Add(float64(created))
	m.documents.WithLabelValues("duplicate").Add(float64(duplicates))
	m.documents.WithLabelValues("error").Add(float64(errors))
}

// StatusCheck records one appended check
func (m *PipelineMetrics) StatusCheck(source string, changed bool) {
	if m == nil {
		return
	}
	c := "false"
	if changed {
		c = "true"
	}
	m.statusChecks.WithLabelValues(source, c).Inc()
}

// Reconciliation records one reconcile outcome
func (m *PipelineMetrics) Reconciliation(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

// HTTPMetrics observes operator API requests. A nil *HTTPMetrics records
// nothing.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewHTTPMetrics registers the HTTP server metrics on r
func NewHTTPMetrics(r *Registry) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30},
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace, Subsystem: "http", Name: "requests_in_flight",
			Help: "HTTP requests being served.",
		}),
	}
	r.reg.MustRegister(m.requests, m.duration, m.inFlight)
	return m
}

// Start marks a request as in flight and returns the func that observes it.
func (m *HTTPMetrics) Start() func(method, route string, status int) {
	if m == nil {
		return func(string, string, int) {}
	}
	began := time.Now()
	m.inFlight.Inc()
	return func(method, route string, status int) {
		m.inFlight.Dec()
		m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(began).Seconds())
	}
}
