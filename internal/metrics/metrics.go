// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "airtable_proxy"

// Upstream calls can run up to the client timeout, so the buckets reach 60s.
var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the proxy's collectors and the registry they are served from.
// The Observe and Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	Failures *prometheus.CounterVec
}

// New creates a Metrics instance on a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	inbound := []string{"method", "status_code", "path_prefix"}

	return &Metrics{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Inbound HTTP requests by method, status and route.",
		}, inbound),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Inbound HTTP request latency in seconds.",
			Buckets:   latencyBuckets,
		}, inbound),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Inbound HTTP requests currently being served.",
		}),

		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream exchange latency in seconds, including failed attempts.",
			Buckets:   latencyBuckets,
		}, []string{"method"}),
		UpstreamResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "responses_total",
			Help:      "Upstream responses received, by method and status code.",
		}, []string{"method", "status_code"}),

		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Proxied requests that could not be relayed, by failure kind.",
		}, []string{"kind"}),
	}
}

// ObserveRequest records one finished inbound request. Labels are normalized
// here so callers can pass raw request values.
func (m *Metrics) ObserveRequest(method string, status int, path string, d time.Duration) {
	if m == nil {
		return
	}
	labels := []string{NormalizeMethod(method), strconv.Itoa(status), NormalizePath(path)}
	m.RequestsTotal.WithLabelValues(labels...).Inc()
	m.RequestDuration.WithLabelValues(labels...).Observe(d.Seconds())
}

// ObserveUpstream records one upstream exchange. A status of 0 means no
// response was received and only the latency is recorded.
func (m *Metrics) ObserveUpstream(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := NormalizeMethod(method)
	m.UpstreamDuration.WithLabelValues(label).Observe(d.Seconds())
	if status > 0 {
		m.UpstreamResponses.WithLabelValues(label, strconv.Itoa(status)).Inc()
	}
}

// RecordFailure counts a request that ended in a failure of the given kind.
func (m *Metrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(kind).Inc()
}

// NormalizeMethod returns a bounded method label; anything outside the
// standard set becomes "other".
func NormalizeMethod(method string) string {
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
		return method
	}
	return "other"
}

// routePrefixes are the only path labels besides "/" and "other". Base IDs
// and table names under /v0 never become label values.
var routePrefixes = []string{"/v0", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath maps a request path to its route prefix.
func NormalizePath(path string) string {
	if path == "/" {
		return "/"
	}
	for _, prefix := range routePrefixes {
		rest, ok := strings.CutPrefix(path, prefix)
		if ok && (rest == "" || rest[0] == '/' || rest[0] == '?') {
			return prefix
		}
	}
	return "other"
}
