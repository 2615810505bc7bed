package config

import (
	"fmt"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be >= 1, got %d", cfg.Fetch.MaxRetries)
	}
	if cfg.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if cfg.Fetch.ConnectTimeout <= 0 {
		return fmt.Errorf("fetch.connect_timeout must be > 0")
	}
	if cfg.Fetch.MaxProcessableBytes <= 0 {
		return fmt.Errorf("fetch.max_processable_bytes must be > 0")
	}
	if cfg.Fetch.MaxParseBytes <= 0 {
		return fmt.Errorf("fetch.max_parse_bytes must be > 0")
	}
	if cfg.Fetch.MaxParseBytes > cfg.Fetch.MaxProcessableBytes {
		return fmt.Errorf("fetch.max_parse_bytes (%d) must not exceed fetch.max_processable_bytes (%d)",
			cfg.Fetch.MaxParseBytes, cfg.Fetch.MaxProcessableBytes)
	}

	if cfg.Limiter.Min < 1 {
		return fmt.Errorf("limiter.min must be >= 1, got %d", cfg.Limiter.Min)
	}
	if cfg.Limiter.Max < cfg.Limiter.Min {
		return fmt.Errorf("limiter.max (%d) must be >= limiter.min (%d)", cfg.Limiter.Max, cfg.Limiter.Min)
	}
	if cfg.Limiter.Concurrency < cfg.Limiter.Min || cfg.Limiter.Concurrency > cfg.Limiter.Max {
		return fmt.Errorf("limiter.concurrency (%d) must be within [%d, %d]",
			cfg.Limiter.Concurrency, cfg.Limiter.Min, cfg.Limiter.Max)
	}

	if cfg.Autotune.EveryNRequests < 1 {
		return fmt.Errorf("autotune.every_n_requests must be >= 1, got %d", cfg.Autotune.EveryNRequests)
	}
	if cfg.Autotune.SlowFetchThreshold <= 0 {
		return fmt.Errorf("autotune.slow_fetch_threshold_ms must be > 0")
	}
	if cfg.Autotune.RetryFloor < 1 {
		return fmt.Errorf("autotune.retry_floor must be >= 1, got %d", cfg.Autotune.RetryFloor)
	}

	if cfg.Impersonate.PoolCapacity < 1 {
		return fmt.Errorf("impersonate.pool_capacity must be >= 1, got %d", cfg.Impersonate.PoolCapacity)
	}
	switch cfg.Impersonate.Browser {
	case "chrome", "edge", "firefox", "safari":
	default:
		return fmt.Errorf("impersonate.browser %q is not supported (valid: chrome, edge, firefox, safari)",
			cfg.Impersonate.Browser)
	}

	if cfg.Rewriter.TruncationRatio <= 0 || cfg.Rewriter.TruncationRatio > 1 {
		return fmt.Errorf("rewriter.truncation_ratio must be in (0, 1], got %g", cfg.Rewriter.TruncationRatio)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level %q is not supported (valid: debug, info, warn, error)", cfg.Logging.Level)
	}

	return nil
}
