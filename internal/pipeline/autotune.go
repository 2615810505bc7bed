package pipeline

import (
	"log/slog"

	"unveil/internal/config"
	"unveil/internal/limiter"
	"unveil/internal/observability"
)

// queueWaitCeilingMs is the p95 queue wait beyond which retries are capped.
const queueWaitCeilingMs = 1500

// queueWaitGrowMs is the p95 queue wait above which concurrency may grow.
const queueWaitGrowMs = 700

// Autotuner is state-free policy: each decision reads the live metrics.
type Autotuner struct {
	cfg     *config.AutotuneConfig
	metrics *observability.Store
	limiter *limiter.PriorityLimiter
	min     int
	max     int
	logger  *slog.Logger
}

// NewAutotuner creates the policy bound to a limiter and metrics store.
func NewAutotuner(cfg *config.AutotuneConfig, lim *config.LimiterConfig, metrics *observability.Store, l *limiter.PriorityLimiter, logger *slog.Logger) *Autotuner {
	return &Autotuner{
		cfg:     cfg,
		metrics: metrics,
		limiter: l,
		min:     lim.Min,
		max:     lim.Max,
		logger:  logger.With("component", "autotuner"),
	}
}

// EffectiveRetryCeiling returns the attempt cap the retry loop should use
// right now: the configured maximum, squeezed down to the dynamic floor
// when fetches or queue waits run slow.
func (a *Autotuner) EffectiveRetryCeiling(configuredMax int) int {
	if !a.cfg.Enabled {
		return configuredMax
	}

	p95Fetch := a.metrics.PercentileMs(observability.MetricStageFetch, 95)
	p95Queue := a.metrics.PercentileMs(observability.MetricQueueWait, 95)
	threshold := float64(a.cfg.SlowFetchThreshold)

	clamp := func(n int) int {
		if n > configuredMax {
			n = configuredMax
		}
		if n < 1 {
			n = 1
		}
		return n
	}

	switch {
	case p95Fetch >= threshold || p95Queue >= queueWaitCeilingMs:
		return clamp(a.cfg.RetryFloor)
	case p95Fetch >= 0.8*threshold:
		return clamp(a.cfg.RetryFloor + 1)
	default:
		return configuredMax
	}
}

// MaybeAdjust runs the concurrency policy every N completed requests.
// completed is the lifetime request counter.
func (a *Autotuner) MaybeAdjust(completed int64) {
	if !a.cfg.Enabled || completed == 0 || completed%a.cfg.EveryNRequests != 0 {
		return
	}

	requests := a.metrics.Counter(observability.MetricRequestCount)
	if requests == 0 {
		return
	}
	retries := a.metrics.Counter(observability.MetricRetryCount)
	blocked := a.metrics.Counter(observability.MetricBlockedCount)
	retryRate := float64(retries) / float64(requests)
	p95Fetch := a.metrics.PercentileMs(observability.MetricStageFetch, 95)
	p95Queue := a.metrics.PercentileMs(observability.MetricQueueWait, 95)
	threshold := float64(a.cfg.SlowFetchThreshold)

	current := a.limiter.MaxConcurrency()
	next := current
	switch {
	case p95Fetch > 1.1*threshold || retryRate > 0.40:
		next = current - 1
	case p95Queue > queueWaitGrowMs && retryRate < 0.20 && float64(blocked) < 0.25*float64(requests):
		next = current + 1
	}

	if next < a.min {
		next = a.min
	}
	if next > a.max {
		next = a.max
	}
	if next != current {
		a.logger.Info("autotune",
			"concurrency", next,
			"was", current,
			"p95_fetch_ms", p95Fetch,
			"p95_queue_ms", p95Queue,
			"retry_rate", retryRate,
		)
		a.limiter.SetMaxConcurrency(next)
	}
}
