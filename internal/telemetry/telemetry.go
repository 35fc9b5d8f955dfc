// Package telemetry registers the engine's monitoring indicators as
// Prometheus gauges and serves them on the administrative metrics
// endpoint. It is the out-of-core "administrative monitoring
// endpoint" collaborator: internal/engine stays a pure
// Monitor(indicator string) float64 function with no Prometheus
// import of its own.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor is the subset of *engine.Engine this package depends on,
// kept as an interface so registering metrics never has to import
// internal/engine and tests can supply a stub.
type Monitor interface {
	Monitor(indicator string) float64
}

type indicatorMetric struct {
	indicator string
	name      string
	help      string
}

// indicatorMetrics lists every named indicator from spec.md's
// monitoring table, paired with the Prometheus metric name and help
// text it is exported as.
var indicatorMetrics = []indicatorMetric{
	{"load", "vodstream_load", "Sum of in-flight stream counts across all workers."},
	{"cache:used", "vodstream_cache_used_bytes", "Metadata cache bytes currently in use."},
	{"cache:items", "vodstream_cache_items", "Metadata cache entry count."},
	{"cache:hits", "vodstream_cache_hits_total", "Cumulative metadata cache hits."},
	{"cache:misses", "vodstream_cache_misses_total", "Cumulative metadata cache misses."},
	{"data:total", "vodstream_data_total_bytes_per_second", "Aggregate send rate across all workers."},
	{"data:delay", "vodstream_data_delay_seconds", "Mean per-worker send delay; reading this resets each worker's delay accumulator."},
}

// Registry wraps a dedicated Prometheus registry rather than the
// global DefaultRegisterer, so constructing one in a test never
// collides with another test's registration of the same metric names.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry registers one GaugeFunc per monitoring indicator against
// m, each evaluated lazily at scrape time rather than polled on a
// ticker, so "data:delay"'s read-resets-counters side effect only
// fires when something actually reads the metric.
func NewRegistry(m Monitor) *Registry {
	reg := prometheus.NewRegistry()
	for _, im := range indicatorMetrics {
		indicator := im.indicator
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: im.name,
			Help: im.help,
		}, func() float64 { return m.Monitor(indicator) }))
	}
	return &Registry{reg: reg}
}

// Handler serves the registered indicators in the Prometheus text
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
