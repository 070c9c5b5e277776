// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	PreflightsTotal *prometheus.CounterVec
	ProxyErrors     *prometheus.CounterVec

	proxied []string
	local   []string
}

// Request kinds reported in the "kind" label.
const (
	KindPreflight = "preflight"
	KindForward   = "forward"
	KindLocal     = "local"
)

// New creates a Metrics instance with a custom registry and all collectors
// registered. routePrefixes are the proxied prefixes; together with the
// operational routes they are the path labels kept as-is, every other path is
// reported as "other". With no proxied prefix every non-operational path is
// treated as proxied.
func New(routePrefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flodrama_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix", "kind"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flodrama_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix", "kind"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flodrama_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flodrama_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flodrama_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		PreflightsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flodrama_proxy_preflights_total",
			Help: "Preflight requests answered without contacting the upstream.",
		}, []string{"origin_allowed"}),

		ProxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flodrama_proxy_errors_total",
			Help: "Upstream transport failures answered with 500, by reason.",
		}, []string{"reason"}),
	}

	for _, p := range routePrefixes {
		if p = strings.TrimSuffix(p, "/"); p != "" {
			m.proxied = append(m.proxied, p)
		}
	}
	m.AddLocalRoutes("/healthz", "/proxy/status", "/metrics")

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.PreflightsTotal,
		m.ProxyErrors,
	)

	return m
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

// AddLocalRoutes registers paths answered by the proxy itself, such as a
// relocated metrics endpoint. Call it before serving traffic.
func (m *Metrics) AddLocalRoutes(paths ...string) {
	for _, p := range paths {
		if p = strings.TrimSuffix(p, "/"); p != "" && !slices.Contains(m.local, p) {
			m.local = append(m.local, p)
		}
	}
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	if p, ok := matchPrefix(m.local, path); ok {
		return p
	}
	if p, ok := matchPrefix(m.proxied, path); ok {
		return p
	}
	return "other"
}

// Kind classifies a request for the "kind" label. Paths outside the proxied
// prefixes never reach the pipeline and count as local.
func (m *Metrics) Kind(method, path string) string {
	if _, ok := matchPrefix(m.local, path); ok {
		return KindLocal
	}
	if _, ok := matchPrefix(m.proxied, path); !ok && len(m.proxied) > 0 {
		return KindLocal
	}
	if method == "OPTIONS" {
		return KindPreflight
	}
	return KindForward
}

func matchPrefix(prefixes []string, path string) (string, bool) {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix, true
		}
	}
	return "", false
}
