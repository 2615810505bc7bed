package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"unveil/internal/api"
	"unveil/internal/cache"
	"unveil/internal/classifier"
	"unveil/internal/config"
	"unveil/internal/fetcher"
	"unveil/internal/limiter"
	"unveil/internal/observability"
	"unveil/internal/pipeline"
	"unveil/internal/rewriter"
	"unveil/internal/types"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "unveild",
		Short: "Server-side unlock proxy",
		Long: `unveild fetches pages on behalf of callers, detects bot-challenge
walls, and rewrites the HTML for safe display.

Features:
  • Dual transports: plain HTTP and browser-impersonating sessions
  • Bot-challenge classification (Cloudflare, Akamai, PerimeterX)
  • HTML rewriting: URL rebasing, anti-copy cleanup, font neutralization
  • Redis-backed result cache with transparent compression
  • Priority-aware concurrency limiting with runtime autotuning
  • Prometheus metrics endpoint`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the unlock HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := setupLogger(&cfg.Logging)

			app, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()

			server := api.NewServer(&cfg.Server, app.pipe, app.store, app.metrics, logger)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received signal, shutting down", "signal", sig)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown error", "error", err)
				}
			}()

			logger.Info("starting unlock service",
				"addr", cfg.Server.Addr,
				"concurrency", cfg.Limiter.Concurrency,
				"redis", cfg.Cache.RedisAddr,
			)
			return server.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// fetchCmd creates the "fetch" subcommand for one-shot use.
func fetchCmd() *cobra.Command {
	var (
		impersonate bool
		sanitize    bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Unlock a single URL and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := setupLogger(&cfg.Logging)

			app, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()

			req, err := types.NewFetchRequest(args[0])
			if err != nil {
				return err
			}
			req.Unlock = !sanitize
			req.UseImpersonating = impersonate

			outcome := app.pipe.FetchAndClean(cmd.Context(), req)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(outcome)
			}
			fmt.Println(outcome.HTML)
			if !outcome.Success {
				return fmt.Errorf("unlock failed: %s", outcome.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&impersonate, "impersonate", false, "allow the browser-impersonating transport")
	cmd.Flags().BoolVar(&sanitize, "sanitize", false, "sanitize instead of full unlock rewrite")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full outcome record as JSON")
	return cmd
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("unveild %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Fetch:\n")
			fmt.Printf("  Max Retries:        %d\n", cfg.Fetch.MaxRetries)
			fmt.Printf("  Timeout:            %s\n", cfg.Fetch.Timeout)
			fmt.Printf("  Connect Timeout:    %s\n", cfg.Fetch.ConnectTimeout)
			fmt.Printf("  Max Page Bytes:     %d\n", cfg.Fetch.MaxProcessableBytes)
			fmt.Printf("  Max Parse Bytes:    %d\n", cfg.Fetch.MaxParseBytes)
			fmt.Printf("  Low-Conf Retry:     %v\n", cfg.Fetch.LowConfRetryEnabled)
			fmt.Printf("\nLimiter:\n")
			fmt.Printf("  Concurrency:        %d (min %d, max %d)\n", cfg.Limiter.Concurrency, cfg.Limiter.Min, cfg.Limiter.Max)
			fmt.Printf("\nAutotune:\n")
			fmt.Printf("  Enabled:            %v\n", cfg.Autotune.Enabled)
			fmt.Printf("  Every N Requests:   %d\n", cfg.Autotune.EveryNRequests)
			fmt.Printf("  Slow Threshold:     %d ms\n", cfg.Autotune.SlowFetchThreshold)
			fmt.Printf("  Retry Floor:        %d\n", cfg.Autotune.RetryFloor)
			fmt.Printf("\nImpersonate:\n")
			fmt.Printf("  Browser:            %s (%s)\n", cfg.Impersonate.Browser, cfg.Impersonate.Platform)
			fmt.Printf("  Pool Capacity:      %d\n", cfg.Impersonate.PoolCapacity)
			fmt.Printf("  Session Idle:       %s\n", cfg.Impersonate.SessionIdle)
			fmt.Printf("\nCache:\n")
			fmt.Printf("  Redis:              %s (db %d)\n", cfg.Cache.RedisAddr, cfg.Cache.RedisDB)
			fmt.Printf("  Compress Threshold: %d bytes\n", cfg.Cache.CompressThreshold)
			fmt.Printf("\nServer:\n")
			fmt.Printf("  Addr:               %s\n", cfg.Server.Addr)
			fmt.Printf("  Metrics Path:       %s\n", cfg.Server.MetricsPath)
			return nil
		},
	}
}

// app bundles the long-lived components behind the two entry points.
type app struct {
	pipe    *pipeline.Pipeline
	store   cache.Cache
	metrics *observability.Store
	close   func()
}

// buildApp wires the pipeline from config. Redis is probed once; when it is
// unreachable the process still comes up on an in-process cache.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics := observability.NewStore(logger)

	var store cache.Cache
	redisCache := cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisDB, cfg.Cache.CompressThreshold, logger)
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := redisCache.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Warn("redis unreachable, using in-process cache", "addr", cfg.Cache.RedisAddr, "error", err)
		redisCache.Close()
		store = cache.NewMemoryCache(cfg.Cache.CompressThreshold)
	} else {
		store = redisCache
	}

	lim := limiter.New(cfg.Limiter.Concurrency, logger)

	baseline, err := fetcher.NewBaselineFetcher(&cfg.Fetch, logger)
	if err != nil {
		return nil, fmt.Errorf("create baseline fetcher: %w", err)
	}
	pool := fetcher.NewSessionPool(&cfg.Impersonate, &cfg.Fetch, logger)
	impersonating := fetcher.NewImpersonatingFetcher(pool, &cfg.Impersonate, &cfg.Fetch, logger)

	tuner := pipeline.NewAutotuner(&cfg.Autotune, &cfg.Limiter, metrics, lim, logger)
	pipe := pipeline.New(
		cfg,
		pipeline.NewSSRFGuard(logger),
		store,
		lim,
		baseline,
		impersonating,
		classifier.New(logger),
		rewriter.New(&cfg.Rewriter, logger),
		rewriter.NewSanitizer(logger),
		metrics,
		tuner,
		logger,
	)

	registerGauges(metrics, lim)

	return &app{
		pipe:    pipe,
		store:   store,
		metrics: metrics,
		close: func() {
			baseline.Close()
			impersonating.Close()
			store.Close()
		},
	}, nil
}

// registerGauges hooks the live limiter and process stats into the store.
func registerGauges(metrics *observability.Store, lim *limiter.PriorityLimiter) {
	metrics.SetGaugeCallback(observability.GaugeQueueDepth, func() float64 {
		return float64(lim.QueueDepth())
	})
	metrics.SetGaugeCallback(observability.GaugeInFlight, func() float64 {
		return float64(lim.InFlight())
	})
	metrics.SetGaugeCallback(observability.GaugeProcessRSS, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.Sys) / (1024 * 1024)
	})
}

// setupLogger creates a structured logger per the logging config. The
// --verbose flag wins over the configured level.
func setupLogger(cfg *config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if cfg.Output == "stdout" {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}
