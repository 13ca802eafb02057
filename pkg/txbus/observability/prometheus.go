package observability

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsFunc returns a point-in-time snapshot of named values.
type StatsFunc func() map[string]float64

// PrometheusCollector exposes bus counters and gauges to a Prometheus
// registry. Values are read from the supplied functions on every scrape,
// so the collector never holds state of its own.
type PrometheusCollector struct {
	namespace string
	counters  StatsFunc
	gauges    StatsFunc
}

// Compile-time interface check.
var _ prometheus.Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a collector. Either function may be nil.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(observability.NewPrometheusCollector("pos", bus.CounterStats, bus.GaugeStats))
func NewPrometheusCollector(namespace string, counters, gauges StatsFunc) *PrometheusCollector {
	if namespace == "" {
		namespace = "txbus"
	}
	return &PrometheusCollector{
		namespace: namespace,
		counters:  counters,
		gauges:    gauges,
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	c.emit(ch, c.counters, prometheus.CounterValue, "_total")
	c.emit(ch, c.gauges, prometheus.GaugeValue, "")
}

func (c *PrometheusCollector) emit(ch chan<- prometheus.Metric, fn StatsFunc, vt prometheus.ValueType, suffix string) {
	if fn == nil {
		return
	}
	values := fn()

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "", name+suffix),
			"txbus "+name,
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, vt, values[name])
	}
}
