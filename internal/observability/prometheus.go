package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// storeCollector adapts the Store to a prometheus.Collector so the same
// numbers are scrapeable alongside the standard process and Go collectors.
type storeCollector struct {
	store *Store
}

// Describe implements prometheus.Collector. The metric set is dynamic, so
// this is an unchecked collector.
func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.store

	s.mu.Lock()
	counterNames := make([]string, 0, len(s.counters))
	for name := range s.counters {
		counterNames = append(counterNames, name)
	}
	latencyNames := make([]string, 0, len(s.latencies))
	for name := range s.latencies {
		latencyNames = append(latencyNames, name)
	}
	gauges := make(map[string]GaugeFunc, len(s.gauges))
	for name, fn := range s.gauges {
		gauges[name] = fn
	}
	s.mu.Unlock()

	for _, name := range counterNames {
		desc := prometheus.NewDesc(exportName(name), "", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(s.Counter(name)))
	}
	for _, name := range latencyNames {
		quantiles := map[float64]float64{
			0.50: s.PercentileMs(name, 50),
			0.95: s.PercentileMs(name, 95),
			0.99: s.PercentileMs(name, 99),
		}
		desc := prometheus.NewDesc(exportName(name)+"_milliseconds", "", nil, nil)
		summary, err := prometheus.NewConstSummary(desc, uint64(s.SampleCount(name)), 0, quantiles)
		if err == nil {
			ch <- summary
		}
	}
	for name, fn := range gauges {
		desc := prometheus.NewDesc(exportName(name), "", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, fn())
	}
}

// PrometheusHandler returns an HTTP handler exposing the store plus the
// standard process and Go runtime collectors.
func PrometheusHandler(store *Store) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		&storeCollector{store: store},
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Handler serves the plain-text render.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(s.Render()))
	})
}
