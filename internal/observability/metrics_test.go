package observability

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestCounters(t *testing.T) {
	s := NewStore(testLogger)
	s.Inc(MetricRequestCount, 1)
	s.Inc(MetricRequestCount, 2)
	if got := s.Counter(MetricRequestCount); got != 3 {
		t.Errorf("counter = %d, want 3", got)
	}
	if got := s.Counter("never_touched"); got != 0 {
		t.Errorf("untouched counter = %d, want 0", got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	s := NewStore(testLogger)
	for i := 1; i <= 100; i++ {
		s.ObserveMs("lat", float64(i))
	}

	tests := []struct {
		p    float64
		want float64
	}{
		{50, 51},
		{95, 96},
		{99, 100},
	}
	for _, tt := range tests {
		if got := s.PercentileMs("lat", tt.p); got != tt.want {
			t.Errorf("p%.0f = %g, want %g", tt.p, got, tt.want)
		}
	}
}

func TestPercentileEmptyAndSingle(t *testing.T) {
	s := NewStore(testLogger)
	if got := s.PercentileMs("missing", 95); got != 0 {
		t.Errorf("empty percentile = %g, want 0", got)
	}

	s.ObserveMs("one", 42)
	if got := s.PercentileMs("one", 99); got != 42 {
		t.Errorf("single-sample p99 = %g, want 42", got)
	}
}

func TestReservoirBounded(t *testing.T) {
	s := NewStore(testLogger)
	// First fill the ring with large values, then push small ones past
	// capacity; the large ones must age out.
	for i := 0; i < defaultReservoirSize; i++ {
		s.ObserveMs("lat", 1000)
	}
	for i := 0; i < defaultReservoirSize; i++ {
		s.ObserveMs("lat", 1)
	}

	if got := s.PercentileMs("lat", 99); got != 1 {
		t.Errorf("p99 after rollover = %g, want 1", got)
	}
	if got := s.SampleCount("lat"); got != 2*defaultReservoirSize {
		t.Errorf("sample count = %d, want %d", got, 2*defaultReservoirSize)
	}
}

func TestRenderFormat(t *testing.T) {
	s := NewStore(testLogger)
	s.Inc(MetricCacheHitCount, 5)
	s.ObserveMs(MetricQueueWait, 10)
	s.SetGaugeCallback(GaugeInFlight, func() float64 { return 3 })

	out := s.Render()

	if !strings.Contains(out, "unlock_pipeline_cache_hit_count 5\n") {
		t.Errorf("missing counter line in:\n%s", out)
	}
	if !strings.Contains(out, `unlock_pipeline_queue_wait_milliseconds{quantile="0.50"} 10`) {
		t.Errorf("missing quantile line in:\n%s", out)
	}
	if !strings.Contains(out, "unlock_pipeline_queue_wait_milliseconds_count 1\n") {
		t.Errorf("missing count line in:\n%s", out)
	}
	if !strings.Contains(out, "unlock_pipeline_in_flight 3\n") {
		t.Errorf("missing gauge line in:\n%s", out)
	}
	if strings.Contains(out, ".") && strings.Contains(out, "unlock_pipeline.") {
		t.Error("dots must be mapped to underscores in metric names")
	}
}

func TestExportName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"unlock_pipeline.stage.fetch", "unlock_pipeline_stage_fetch"},
		{"process.memory_rss_mb", "process_memory_rss_mb"},
		{"a/b.c", "a_b_c"},
	}
	for _, tt := range tests {
		if got := exportName(tt.in); got != tt.want {
			t.Errorf("exportName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(testLogger)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Inc(MetricRequestCount, 1)
				s.ObserveMs(MetricStageFetch, float64(j))
			}
		}()
	}
	wg.Wait()

	if got := s.Counter(MetricRequestCount); got != 8000 {
		t.Errorf("counter = %d, want 8000", got)
	}
	if got := s.SampleCount(MetricStageFetch); got != 8000 {
		t.Errorf("samples = %d, want 8000", got)
	}
}
