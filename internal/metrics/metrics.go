// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for origin and admin latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	BytesSent          *prometheus.CounterVec
	ConnectionsWatched prometheus.Gauge
	ReadinessDrops     prometheus.Counter

	OriginDials         *prometheus.CounterVec
	OriginFetchDuration prometheus.Histogram

	BannerInjections *prometheus.CounterVec
	CacheWrites      *prometheus.CounterVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banner_cache_proxy_requests_total",
			Help: "Proxied requests by outcome (hit, miss, stale, unreachable, invalid).",
		}, []string{"outcome"}),

		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banner_cache_proxy_bytes_sent_total",
			Help: "Bytes written to clients by source (origin, cache).",
		}, []string{"source"}),

		ConnectionsWatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "banner_cache_proxy_connections_watched",
			Help: "Accepted client connections not yet closed.",
		}),

		ReadinessDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "banner_cache_proxy_readiness_drops_total",
			Help: "Client connections dropped before sending a request.",
		}),

		OriginDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banner_cache_proxy_origin_dials_total",
			Help: "Origin connection attempts by result (ok, error).",
		}, []string{"result"}),

		OriginFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "banner_cache_proxy_origin_fetch_duration_seconds",
			Help:    "Time from origin dial to the end of the relayed response.",
			Buckets: defaultBuckets,
		}),

		BannerInjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banner_cache_proxy_banner_injections_total",
			Help: "HTML responses by banner result (injected, skipped).",
		}, []string{"result"}),

		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banner_cache_proxy_cache_writes_total",
			Help: "Cache entry writes by result (committed, discarded, failed).",
		}, []string{"result"}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banner_cache_proxy_admin_requests_total",
			Help: "Admin HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "banner_cache_proxy_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.BytesSent,
		m.ConnectionsWatched,
		m.ReadinessDrops,
		m.OriginDials,
		m.OriginFetchDuration,
		m.BannerInjections,
		m.CacheWrites,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
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

// NormalizeRoute returns path when it names one of routes (ignoring a query
// string or deeper segments), and "other" otherwise, so admin route labels
// stay bounded by what is registered.
func NormalizeRoute(path string, routes []string) string {
	for _, route := range routes {
		if path == route || strings.HasPrefix(path, route+"/") || strings.HasPrefix(path, route+"?") {
			return route
		}
	}
	return "other"
}
