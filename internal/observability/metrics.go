package observability

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Well-known metric names recorded by the pipeline.
const (
	MetricRequestCount         = "unlock_pipeline.request_count"
	MetricRetryCount           = "unlock_pipeline.retry_count"
	MetricCacheHitCount        = "unlock_pipeline.cache_hit_count"
	MetricBlockedCount         = "unlock_pipeline.blocked_count"
	MetricPageTooLargeCount    = "unlock_pipeline.page_too_large_count"
	MetricParseSkippedCount    = "unlock_pipeline.parse_skipped_large_body_count"
	MetricSlowFetchCount       = "unlock_pipeline.slow_fetch_count"
	MetricQueueWait            = "unlock_pipeline.queue_wait"
	MetricStageSSRFCheck       = "unlock_pipeline.stage.ssrf_check"
	MetricStageCacheGet        = "unlock_pipeline.stage.cache_get"
	MetricStageFetch           = "unlock_pipeline.stage.fetch"
	MetricStageRewrite         = "unlock_pipeline.stage.parse_clean_rewrite"
	MetricStageCacheSet        = "unlock_pipeline.stage.cache_set"
	GaugeQueueDepth            = "unlock_pipeline.queue_depth"
	GaugeInFlight              = "unlock_pipeline.in_flight"
	GaugeProcessRSS            = "process.memory_rss_mb"
)

// defaultReservoirSize bounds each latency ring.
const defaultReservoirSize = 2000

// GaugeFunc is sampled at render time.
type GaugeFunc func() float64

// latencyRing keeps the most recent N observations.
type latencyRing struct {
	samples []float64
	next    int
	count   int64
}

func (r *latencyRing) observe(ms float64) {
	if len(r.samples) < cap(r.samples) {
		r.samples = append(r.samples, ms)
	} else {
		r.samples[r.next] = ms
		r.next = (r.next + 1) % cap(r.samples)
	}
	r.count++
}

// Store tracks counters, latency reservoirs, and gauges for the pipeline.
// One mutex guards everything; every operation is short.
type Store struct {
	mu            sync.Mutex
	counters      map[string]int64
	latencies     map[string]*latencyRing
	gauges        map[string]GaugeFunc
	reservoirSize int
	logger        *slog.Logger
}

// NewStore creates an empty metrics store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		counters:      make(map[string]int64),
		latencies:     make(map[string]*latencyRing),
		gauges:        make(map[string]GaugeFunc),
		reservoirSize: defaultReservoirSize,
		logger:        logger.With("component", "metrics"),
	}
}

// Inc adds delta to a counter.
func (s *Store) Inc(name string, delta int64) {
	s.mu.Lock()
	s.counters[name] += delta
	s.mu.Unlock()
}

// Counter returns the current value of a counter.
func (s *Store) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// ObserveMs records one latency sample in milliseconds.
func (s *Store) ObserveMs(name string, ms float64) {
	s.mu.Lock()
	ring, ok := s.latencies[name]
	if !ok {
		ring = &latencyRing{samples: make([]float64, 0, s.reservoirSize)}
		s.latencies[name] = ring
	}
	ring.observe(ms)
	s.mu.Unlock()
}

// PercentileMs computes the nearest-rank percentile over the live reservoir.
// Returns 0 when no samples exist.
func (s *Store) PercentileMs(name string, p float64) float64 {
	s.mu.Lock()
	ring, ok := s.latencies[name]
	if !ok || len(ring.samples) == 0 {
		s.mu.Unlock()
		return 0
	}
	sorted := make([]float64, len(ring.samples))
	copy(sorted, ring.samples)
	s.mu.Unlock()

	sort.Float64s(sorted)
	rank := int(p / 100 * float64(len(sorted)))
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// SetGaugeCallback registers a gauge sampled at render time. Callbacks are
// registered once at startup.
func (s *Store) SetGaugeCallback(name string, fn GaugeFunc) {
	s.mu.Lock()
	s.gauges[name] = fn
	s.mu.Unlock()
}

// SampleCount returns the lifetime number of observations for a latency metric.
func (s *Store) SampleCount(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ring, ok := s.latencies[name]; ok {
		return ring.count
	}
	return 0
}

// exportName maps internal metric names to the exposition-safe form.
func exportName(name string) string {
	return strings.NewReplacer(".", "_", "/", "_").Replace(name)
}

// Render emits the line-oriented text form: counters as bare integers,
// latency summaries with 0.50/0.95/0.99 quantiles plus a _count line, and
// gauges as floats.
func (s *Store) Render() string {
	s.mu.Lock()
	counterNames := make([]string, 0, len(s.counters))
	for name := range s.counters {
		counterNames = append(counterNames, name)
	}
	latencyNames := make([]string, 0, len(s.latencies))
	for name := range s.latencies {
		latencyNames = append(latencyNames, name)
	}
	gaugeNames := make([]string, 0, len(s.gauges))
	for name := range s.gauges {
		gaugeNames = append(gaugeNames, name)
	}
	s.mu.Unlock()

	sort.Strings(counterNames)
	sort.Strings(latencyNames)
	sort.Strings(gaugeNames)

	var b strings.Builder
	for _, name := range counterNames {
		fmt.Fprintf(&b, "%s %d\n", exportName(name), s.Counter(name))
	}
	for _, name := range latencyNames {
		out := exportName(name)
		for _, q := range []float64{50, 95, 99} {
			fmt.Fprintf(&b, "%s_milliseconds{quantile=\"0.%02.0f\"} %g\n", out, q, s.PercentileMs(name, q))
		}
		fmt.Fprintf(&b, "%s_milliseconds_count %d\n", out, s.SampleCount(name))
	}
	for _, name := range gaugeNames {
		s.mu.Lock()
		fn := s.gauges[name]
		s.mu.Unlock()
		fmt.Fprintf(&b, "%s %g\n", exportName(name), fn())
	}
	return b.String()
}
