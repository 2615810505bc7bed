// Package pipeline orchestrates one unlock request end to end: URL and
// SSRF validation, cache lookup, limiter admission, the transport retry
// loop, block classification, HTML rewriting, and cache writeback.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"unveil/internal/cache"
	"unveil/internal/classifier"
	"unveil/internal/config"
	"unveil/internal/fetcher"
	"unveil/internal/limiter"
	"unveil/internal/observability"
	"unveil/internal/resilience"
	"unveil/internal/rewriter"
	"unveil/internal/types"
)

// SessionEvictor is implemented by transports that keep per-host state
// worth discarding after a high-confidence block.
type SessionEvictor interface {
	EvictSession(hostname string)
}

// Pipeline wires the stages together. Construct once, share across
// goroutines.
type Pipeline struct {
	cfg           *config.Config
	guard         *SSRFGuard
	store         cache.Cache
	limiter       *limiter.PriorityLimiter
	baseline      fetcher.Fetcher
	impersonating fetcher.Fetcher
	classifier    *classifier.Classifier
	rewriter      *rewriter.Rewriter
	sanitizer     *rewriter.Sanitizer
	metrics       *observability.Store
	autotuner     *Autotuner
	logger        *slog.Logger

	completed atomic.Int64

	// sleep is swappable so tests do not wait out backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New assembles a pipeline from its stages.
func New(
	cfg *config.Config,
	guard *SSRFGuard,
	store cache.Cache,
	lim *limiter.PriorityLimiter,
	baseline, impersonating fetcher.Fetcher,
	cls *classifier.Classifier,
	rw *rewriter.Rewriter,
	san *rewriter.Sanitizer,
	metrics *observability.Store,
	tuner *Autotuner,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:           cfg,
		guard:         guard,
		store:         store,
		limiter:       lim,
		baseline:      baseline,
		impersonating: impersonating,
		classifier:    cls,
		rewriter:      rw,
		sanitizer:     san,
		metrics:       metrics,
		autotuner:     tuner,
		logger:        logger.With("component", "pipeline"),
		sleep:         resilience.Sleep,
	}
}

// FetchAndClean runs the full unlock sequence for one request and always
// returns an outcome; failures surface as placeholder documents, never as
// errors to the caller.
func (p *Pipeline) FetchAndClean(ctx context.Context, req *types.FetchRequest) *types.FetchOutcome {
	p.metrics.Inc(observability.MetricRequestCount, 1)
	defer func() {
		p.autotuner.MaybeAdjust(p.completed.Add(1))
	}()

	if req.URL == nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") || req.Hostname() == "" {
		return &types.FetchOutcome{
			HTML:       rewriter.InvalidURLPage(),
			Reason:     types.ReasonInvalidURL,
			Provider:   types.ProviderUnknown,
			Confidence: types.ConfidenceNone,
		}
	}

	start := time.Now()
	err := p.guard.Check(ctx, req.Hostname())
	p.metrics.ObserveMs(observability.MetricStageSSRFCheck, msSince(start))
	if err != nil {
		if errors.Is(err, types.ErrSSRFRefused) {
			p.logger.Warn("refused target", "url", req.URLString(), "client_ip", req.ClientIP)
			return &types.FetchOutcome{
				HTML:       rewriter.SSRFRefusedPage(),
				Reason:     types.ReasonSSRFRefused,
				Provider:   types.ProviderUnknown,
				Confidence: types.ConfidenceNone,
			}
		}
		return p.fetchErrorOutcome(req, 0, 0, err)
	}

	key := cache.HTMLKey(req.URLString(), req.Unlock)
	start = time.Now()
	cached, err := p.store.Get(ctx, key)
	p.metrics.ObserveMs(observability.MetricStageCacheGet, msSince(start))
	if err == nil {
		p.metrics.Inc(observability.MetricCacheHitCount, 1)
		return &types.FetchOutcome{
			Success:    true,
			HTML:       cached,
			Reason:     types.ReasonOK,
			Provider:   types.ProviderUnknown,
			Confidence: types.ConfidenceNone,
			CacheHit:   true,
		}
	}
	if !errors.Is(err, types.ErrCacheMiss) {
		p.logger.Warn("cache get failed", "key", key, "error", err)
	}

	release, waited, err := p.limiter.Limit(ctx, req.Priority)
	if err != nil {
		return p.fetchErrorOutcome(req, 0, 0, err)
	}
	defer release()
	p.metrics.ObserveMs(observability.MetricQueueWait, float64(waited)/float64(time.Millisecond))

	resp, verdict, attempts, err := p.fetchWithRetries(ctx, req)
	if attempts > 1 {
		p.metrics.Inc(observability.MetricRetryCount, int64(attempts-1))
	}
	if err != nil {
		status := 0
		var fe *types.FetchError
		if errors.As(err, &fe) {
			status = fe.StatusCode
		}
		return p.fetchErrorOutcome(req, status, attempts, err)
	}

	if resp.ContentLength > p.cfg.Fetch.MaxProcessableBytes {
		p.metrics.Inc(observability.MetricPageTooLargeCount, 1)
		return &types.FetchOutcome{
			HTML:       rewriter.TooLargePage(req.Hostname()),
			HTTPStatus: resp.StatusCode,
			Attempts:   attempts,
			Reason:     types.ReasonPageTooLarge,
			Provider:   verdict.Provider,
			Confidence: types.ConfidenceNone,
		}
	}

	if verdict.IsBlocked && verdict.Confidence == types.ConfidenceHigh {
		p.metrics.Inc(observability.MetricBlockedCount, 1)
		return p.blockedOutcome(ctx, req, key, resp, verdict, attempts)
	}

	reason := types.ReasonOK
	if verdict.Confidence == types.ConfidenceLow {
		reason = types.ReasonSuspectedLow
		p.logger.Info("weak block signals, serving content",
			"url", req.URLString(),
			"provider", verdict.Provider,
			"reasons", verdict.Reasons,
		)
	}

	if !req.Unlock {
		start = time.Now()
		out := p.sanitizer.Sanitize(resp.BodyText, resp.FinalURL)
		p.metrics.ObserveMs(observability.MetricStageRewrite, msSince(start))
		p.cacheSet(ctx, key, out, cache.SuccessTTL)
		return p.contentOutcome(out, resp, verdict, attempts, reason)
	}

	if int64(len(resp.BodyText)) > p.cfg.Fetch.MaxParseBytes {
		p.metrics.Inc(observability.MetricParseSkippedCount, 1)
		return p.contentOutcome(rewriter.HeavyPage(req.Hostname()), resp, verdict, attempts, reason)
	}

	start = time.Now()
	out := p.rewriter.Rewrite(resp.BodyText, resp.FinalURL)
	p.metrics.ObserveMs(observability.MetricStageRewrite, msSince(start))
	p.cacheSet(ctx, key, out, cache.SuccessTTL)
	return p.contentOutcome(out, resp, verdict, attempts, reason)
}

// fetchWithRetries drives the transport attempt loop. It returns the final
// response with its classification, or the last error once the effective
// ceiling is exhausted.
func (p *Pipeline) fetchWithRetries(ctx context.Context, req *types.FetchRequest) (*types.Response, types.ClassificationResult, int, error) {
	transport := p.baseline
	if req.UseImpersonating {
		transport = p.impersonating
	}

	ceiling := p.autotuner.EffectiveRetryCeiling(p.cfg.Fetch.MaxRetries)
	var lastErr error
	for attempt := 1; attempt <= ceiling; attempt++ {
		start := time.Now()
		resp, err := transport.Fetch(ctx, req)
		p.metrics.ObserveMs(observability.MetricStageFetch, msSince(start))

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, types.ClassificationResult{}, attempt, err
			}
			p.logger.Warn("fetch attempt failed",
				"url", req.URLString(), "attempt", attempt, "transport", transport.Type(), "error", err)
			if attempt < ceiling {
				if serr := p.sleep(ctx, transportBackoff(attempt)); serr != nil {
					return nil, types.ClassificationResult{}, attempt, lastErr
				}
				continue
			}
			return nil, types.ClassificationResult{}, attempt, lastErr
		}

		if resp.FetchDuration >= time.Duration(p.cfg.Autotune.SlowFetchThreshold)*time.Millisecond {
			p.metrics.Inc(observability.MetricSlowFetchCount, 1)
		}

		verdict := p.classifier.Classify(resp, req.Hostname())

		if verdict.IsBlocked && verdict.Confidence == types.ConfidenceHigh &&
			transport == p.impersonating && attempt < ceiling {
			if ev, ok := transport.(SessionEvictor); ok {
				ev.EvictSession(req.Hostname())
			}
			delay := blockBackoff(attempt)
			if resp.StatusCode == 429 {
				if ra := fetcher.ParseRetryAfter(resp.Header("Retry-After")); ra > delay {
					delay = ra
				}
			}
			p.logger.Info("blocked, retrying with fresh session",
				"url", req.URLString(), "attempt", attempt, "provider", verdict.Provider, "delay", delay)
			if serr := p.sleep(ctx, delay); serr != nil {
				return resp, verdict, attempt, nil
			}
			continue
		}

		// Low-confidence retries keep the session: the signals are too weak
		// to justify burning a warmed-up fingerprint.
		if !verdict.IsBlocked && verdict.Confidence == types.ConfidenceLow &&
			p.cfg.Fetch.LowConfRetryEnabled && attempt < ceiling {
			if serr := p.sleep(ctx, transportBackoff(attempt)); serr != nil {
				return resp, verdict, attempt, nil
			}
			continue
		}

		return resp, verdict, attempt, nil
	}

	return nil, types.ClassificationResult{}, ceiling, lastErr
}

// blockedOutcome caches and returns the placeholder for a high-confidence
// block. The cached copy omits the ray id so one user's identifier is never
// replayed to another; the live response carries it.
func (p *Pipeline) blockedOutcome(ctx context.Context, req *types.FetchRequest, key string, resp *types.Response, verdict types.ClassificationResult, attempts int) *types.FetchOutcome {
	var html string
	if resp.Transport == fetcher.TypeImpersonating {
		p.cacheSet(ctx, key, rewriter.BlockedPage(req.Hostname(), ""), cache.PlaceholderTTL)
		html = rewriter.BlockedPage(req.Hostname(), verdict.RayID)
	} else {
		html = rewriter.UpgradeRequiredPage()
		p.cacheSet(ctx, key, html, cache.PlaceholderTTL)
	}

	p.logger.Info("high-confidence block",
		"url", req.URLString(),
		"provider", verdict.Provider,
		"status", resp.StatusCode,
		"transport", resp.Transport,
		"attempts", attempts,
	)

	return &types.FetchOutcome{
		HTML:       html,
		HTTPStatus: resp.StatusCode,
		Attempts:   attempts,
		Reason:     types.BlockedBy(verdict.Provider),
		Provider:   verdict.Provider,
		Confidence: types.ConfidenceHigh,
		Reasons:    verdict.Reasons,
		RayID:      verdict.RayID,
	}
}

func (p *Pipeline) contentOutcome(html string, resp *types.Response, verdict types.ClassificationResult, attempts int, reason types.OutcomeReason) *types.FetchOutcome {
	provider := verdict.Provider
	if provider == "" {
		provider = types.ProviderUnknown
	}
	return &types.FetchOutcome{
		Success:    true,
		HTML:       html,
		HTTPStatus: resp.StatusCode,
		Attempts:   attempts,
		Reason:     reason,
		Provider:   provider,
		Confidence: verdict.Confidence,
		Reasons:    verdict.Reasons,
		RayID:      verdict.RayID,
	}
}

func (p *Pipeline) fetchErrorOutcome(req *types.FetchRequest, status, attempts int, err error) *types.FetchOutcome {
	p.logger.Error("fetch failed",
		"url", req.URLString(), "status", status, "attempts", attempts, "error", err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &types.FetchOutcome{
		HTML:       rewriter.FetchErrorPage(req.Hostname(), detail),
		HTTPStatus: status,
		Attempts:   attempts,
		Reason:     types.ReasonFetchError,
		Provider:   types.ProviderUnknown,
		Confidence: types.ConfidenceNone,
	}
}

// cacheSet is best effort: a write failure degrades hit rate, never the
// response.
func (p *Pipeline) cacheSet(ctx context.Context, key, value string, ttl time.Duration) {
	start := time.Now()
	err := p.store.Set(ctx, key, value, ttl)
	p.metrics.ObserveMs(observability.MetricStageCacheSet, msSince(start))
	if err != nil {
		p.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

// transportBackoff covers transport errors and low-confidence retries.
func transportBackoff(attempt int) time.Duration {
	secs := 0.25*float64(attempt) + rand.Float64()*0.3
	return time.Duration(secs * float64(time.Second))
}

// blockBackoff is the longer pause after a session eviction.
func blockBackoff(attempt int) time.Duration {
	secs := 0.75*float64(attempt) + rand.Float64()*0.35
	return time.Duration(secs * float64(time.Second))
}
