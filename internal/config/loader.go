package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the flat environment variable names the
// deployment surface uses. These take precedence over the config file.
var envBindings = map[string]string{
	"fetch.max_retries":              "FETCH_MAX_RETRIES",
	"fetch.timeout":                  "FETCH_TIMEOUT_SECONDS",
	"fetch.connect_timeout":          "FETCH_CONNECT_TIMEOUT_SECONDS",
	"fetch.max_processable_bytes":    "MAX_PROCESSABLE_PAGE_BYTES",
	"fetch.max_parse_bytes":          "MAX_PARSE_PAGE_BYTES",
	"fetch.low_conf_retry_enabled":   "LOW_CONF_BLOCK_RETRY_ENABLED",
	"autotune.enabled":               "ENABLE_FETCH_AUTOTUNE",
	"autotune.every_n_requests":      "FETCH_AUTOTUNE_EVERY_N_REQUESTS",
	"autotune.slow_fetch_threshold_ms": "SLOW_FETCH_THRESHOLD_MS",
	"autotune.retry_floor":           "DYNAMIC_FETCH_RETRY_FLOOR",
	"limiter.min":                    "FETCH_CONCURRENCY_MIN",
	"limiter.max":                    "FETCH_CONCURRENCY_MAX",
	"impersonate.browser":            "IMPERSONATE_BROWSER",
	"impersonate.platform":           "IMPERSONATE_PLATFORM",
	"impersonate.mobile":             "IMPERSONATE_MOBILE",
	"impersonate.request_delay":      "IMPERSONATE_REQUEST_DELAY",
	"cache.redis_addr":               "REDIS_ADDR",
	"cache.redis_db":                 "REDIS_DB",
}

// Load reads configuration from file and environment.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	// Environment variable support: the flat names the ops surface expects,
	// plus UNVEIL_-prefixed versions of every key.
	v.SetEnvPrefix("UNVEIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("unveil")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".unveil"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	coerceSeconds(v, "fetch.timeout")
	coerceSeconds(v, "fetch.connect_timeout")

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// coerceSeconds rewrites a bare-integer value (the *_SECONDS environment
// convention) into a duration string so the decode hook accepts it.
func coerceSeconds(v *viper.Viper, key string) {
	raw := v.GetString(key)
	if raw == "" {
		return
	}
	if _, err := time.ParseDuration(raw); err == nil {
		return
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		v.Set(key, fmt.Sprintf("%ds", secs))
	}
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("fetch.max_retries", cfg.Fetch.MaxRetries)
	v.SetDefault("fetch.timeout", cfg.Fetch.Timeout)
	v.SetDefault("fetch.connect_timeout", cfg.Fetch.ConnectTimeout)
	v.SetDefault("fetch.max_processable_bytes", cfg.Fetch.MaxProcessableBytes)
	v.SetDefault("fetch.max_parse_bytes", cfg.Fetch.MaxParseBytes)
	v.SetDefault("fetch.low_conf_retry_enabled", cfg.Fetch.LowConfRetryEnabled)
	v.SetDefault("fetch.follow_redirects", cfg.Fetch.FollowRedirects)
	v.SetDefault("fetch.max_redirects", cfg.Fetch.MaxRedirects)
	v.SetDefault("fetch.max_idle_conns", cfg.Fetch.MaxIdleConns)
	v.SetDefault("fetch.idle_conn_timeout", cfg.Fetch.IdleConnTimeout)

	v.SetDefault("limiter.concurrency", cfg.Limiter.Concurrency)
	v.SetDefault("limiter.min", cfg.Limiter.Min)
	v.SetDefault("limiter.max", cfg.Limiter.Max)

	v.SetDefault("autotune.enabled", cfg.Autotune.Enabled)
	v.SetDefault("autotune.every_n_requests", cfg.Autotune.EveryNRequests)
	v.SetDefault("autotune.slow_fetch_threshold_ms", cfg.Autotune.SlowFetchThreshold)
	v.SetDefault("autotune.retry_floor", cfg.Autotune.RetryFloor)

	v.SetDefault("impersonate.browser", cfg.Impersonate.Browser)
	v.SetDefault("impersonate.platform", cfg.Impersonate.Platform)
	v.SetDefault("impersonate.mobile", cfg.Impersonate.Mobile)
	v.SetDefault("impersonate.request_delay", cfg.Impersonate.RequestDelay)
	v.SetDefault("impersonate.pool_capacity", cfg.Impersonate.PoolCapacity)
	v.SetDefault("impersonate.session_idle", cfg.Impersonate.SessionIdle)

	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.compress_threshold", cfg.Cache.CompressThreshold)

	v.SetDefault("rewriter.truncation_ratio", cfg.Rewriter.TruncationRatio)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.metrics_path", cfg.Server.MetricsPath)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
}
