// Package metrics provides Prometheus metrics for the interceptor.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the interceptor.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	Interceptions *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec
	GatewayProbes *prometheus.CounterVec
	NodeCreations *prometheus.CounterVec
	InstallRuns   *prometheus.CounterVec
	InstallAssets prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffuse_interceptor_http_requests_total",
			Help: "Total inbound HTTP requests by strategy (empty for admin routes).",
		}, []string{"method", "status_code", "path_prefix", "strategy"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "diffuse_interceptor_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diffuse_interceptor_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "diffuse_interceptor_upstream_request_duration_seconds",
			Help:    "Outbound call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffuse_interceptor_upstream_responses_total",
			Help: "Total outbound responses by method and status code.",
		}, []string{"method", "status_code"}),

		Interceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffuse_interceptor_interceptions_total",
			Help: "Intercepted requests by classification.",
		}, []string{"classification"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffuse_interceptor_cache_lookups_total",
			Help: "Offline cache lookups by result (hit, miss, error).",
		}, []string{"result"}),

		GatewayProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffuse_interceptor_gateway_probes_total",
			Help: "Network liveness checks against the local gateway by result.",
		}, []string{"result"}),

		NodeCreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffuse_interceptor_node_creations_total",
			Help: "Temporary node creations by result.",
		}, []string{"result"}),

		InstallRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffuse_interceptor_install_runs_total",
			Help: "Cache installation runs by result.",
		}, []string{"result"}),

		InstallAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diffuse_interceptor_install_assets",
			Help: "Number of assets stored by the last successful installation.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.Interceptions,
		m.CacheLookups,
		m.GatewayProbes,
		m.NodeCreations,
		m.InstallRuns,
		m.InstallAssets,
	)

	return m
}

// Result returns "ok" or "error" depending on err, for result labels.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/_interceptor", "/api/v0", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
