package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/signup-provisioner/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http listener
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter

	buildInfo *prometheus.GaugeVec

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	// provisioning workflow
	grantsTotal        *prometheus.CounterVec
	grantDuration      *prometheus.HistogramVec
	invalidationsTotal *prometheus.CounterVec
	alertsTotal        *prometheus.CounterVec
	auditRecordsTotal  *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + workflow metrics
// safe labels only (method, route, code, outcome, status) to avoid
// cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size by method and route",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panics_recovered_total",
			Help: "Total HTTP handler panics recovered",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information (always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total requests denied by the per-ip rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_total",
			Help: "Times the rate limiter visitor table hit capacity",
		}),
		grantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signup_grants_total",
			Help: "Total grant invocations by outcome (granted|failed)",
		}, []string{"outcome"}),
		grantDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signup_grant_duration_seconds",
			Help:    "Grant handler latency by outcome, dominated by the identity-store call",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		invalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Cache invalidation kicks by status (ok|error|skipped)",
		}, []string{"status"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_deliveries_total",
			Help: "Alert delivery attempts by status (ok|error)",
		}, []string{"status"}),
		auditRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit record write attempts by status (ok|error)",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.grantsTotal,
		m.grantDuration,
		m.invalidationsTotal,
		m.alertsTotal,
		m.auditRecordsTotal,
	)

	m.reg = reg
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true, // for exemplar support
	})
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.BuildId, vi.GoVersion).Set(1)
}

// ObserveGrant records one handler invocation. Outcome is "granted" or "failed".
func (m *ServerMetrics) ObserveGrant(outcome string, d time.Duration) {
	m.grantsTotal.WithLabelValues(outcome).Inc()
	m.grantDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *ServerMetrics) IncInvalidation(status string) {
	m.invalidationsTotal.WithLabelValues(status).Inc()
}

func (m *ServerMetrics) IncAlert(status string) {
	m.alertsTotal.WithLabelValues(status).Inc()
}

func (m *ServerMetrics) IncAuditRecord(status string) {
	m.auditRecordsTotal.WithLabelValues(status).Inc()
}

func (m *ServerMetrics) IncHttpPanic()         { m.httpPanicTotal.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()   { m.ratelimitDeniedTotal.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }
