package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for unveil.
type Config struct {
	Fetch       FetchConfig       `mapstructure:"fetch"       yaml:"fetch"`
	Limiter     LimiterConfig     `mapstructure:"limiter"     yaml:"limiter"`
	Autotune    AutotuneConfig    `mapstructure:"autotune"    yaml:"autotune"`
	Impersonate ImpersonateConfig `mapstructure:"impersonate" yaml:"impersonate"`
	Cache       CacheConfig       `mapstructure:"cache"       yaml:"cache"`
	Rewriter    RewriterConfig    `mapstructure:"rewriter"    yaml:"rewriter"`
	Server      ServerConfig      `mapstructure:"server"      yaml:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"     yaml:"logging"`
}

// FetchConfig controls the transports and the retry loop around them.
type FetchConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"             yaml:"max_retries"`
	Timeout              time.Duration `mapstructure:"timeout"                 yaml:"timeout"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"         yaml:"connect_timeout"`
	MaxProcessableBytes  int64         `mapstructure:"max_processable_bytes"   yaml:"max_processable_bytes"`
	MaxParseBytes        int64         `mapstructure:"max_parse_bytes"         yaml:"max_parse_bytes"`
	LowConfRetryEnabled  bool          `mapstructure:"low_conf_retry_enabled"  yaml:"low_conf_retry_enabled"`
	FollowRedirects      bool          `mapstructure:"follow_redirects"        yaml:"follow_redirects"`
	MaxRedirects         int           `mapstructure:"max_redirects"           yaml:"max_redirects"`
	MaxIdleConns         int           `mapstructure:"max_idle_conns"          yaml:"max_idle_conns"`
	IdleConnTimeout      time.Duration `mapstructure:"idle_conn_timeout"       yaml:"idle_conn_timeout"`
	TLSInsecure          bool          `mapstructure:"tls_insecure"            yaml:"tls_insecure"`
}

// LimiterConfig controls the priority limiter.
type LimiterConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	Min         int `mapstructure:"min"         yaml:"min"`
	Max         int `mapstructure:"max"         yaml:"max"`
}

// AutotuneConfig controls the runtime concurrency/retry policy.
type AutotuneConfig struct {
	Enabled            bool  `mapstructure:"enabled"               yaml:"enabled"`
	EveryNRequests     int64 `mapstructure:"every_n_requests"      yaml:"every_n_requests"`
	SlowFetchThreshold int64 `mapstructure:"slow_fetch_threshold_ms" yaml:"slow_fetch_threshold_ms"`
	RetryFloor         int   `mapstructure:"retry_floor"           yaml:"retry_floor"`
}

// ImpersonateConfig controls the browser-impersonating transport.
type ImpersonateConfig struct {
	Browser      string        `mapstructure:"browser"        yaml:"browser"`
	Platform     string        `mapstructure:"platform"       yaml:"platform"`
	Mobile       bool          `mapstructure:"mobile"         yaml:"mobile"`
	RequestDelay time.Duration `mapstructure:"request_delay"  yaml:"request_delay"`
	PoolCapacity int           `mapstructure:"pool_capacity"  yaml:"pool_capacity"`
	SessionIdle  time.Duration `mapstructure:"session_idle"   yaml:"session_idle"`
}

// CacheConfig controls the Redis-backed content cache.
type CacheConfig struct {
	RedisAddr         string `mapstructure:"redis_addr"         yaml:"redis_addr"`
	RedisDB           int    `mapstructure:"redis_db"           yaml:"redis_db"`
	CompressThreshold int    `mapstructure:"compress_threshold" yaml:"compress_threshold"`
}

// RewriterConfig controls the HTML rewriter.
type RewriterConfig struct {
	// TruncationRatio is the output/input length ratio below which the
	// primary parse is treated as truncated and the fallback parser runs.
	TruncationRatio float64 `mapstructure:"truncation_ratio" yaml:"truncation_ratio"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"         yaml:"addr"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			MaxRetries:          3,
			Timeout:             15 * time.Second,
			ConnectTimeout:      5 * time.Second,
			MaxProcessableBytes: 10_000_000,
			MaxParseBytes:       4_000_000,
			LowConfRetryEnabled: false,
			FollowRedirects:     true,
			MaxRedirects:        10,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		},
		Limiter: LimiterConfig{
			Concurrency: 8,
			Min:         2,
			Max:         32,
		},
		Autotune: AutotuneConfig{
			Enabled:            true,
			EveryNRequests:     40,
			SlowFetchThreshold: 12_000,
			RetryFloor:         1,
		},
		Impersonate: ImpersonateConfig{
			Browser:      "chrome",
			Platform:     "Windows",
			Mobile:       false,
			RequestDelay: 0,
			PoolCapacity: 64,
			SessionIdle:  10 * time.Minute,
		},
		Cache: CacheConfig{
			RedisAddr:         "127.0.0.1:6379",
			CompressThreshold: 5000,
		},
		Rewriter: RewriterConfig{
			TruncationRatio: 0.70,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
