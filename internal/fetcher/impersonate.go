package fetcher

import (
	"context"
	"crypto/tls"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"unveil/internal/config"
	"unveil/internal/resilience"
	"unveil/internal/types"
)

// ImpersonatingFetcher escalates past bot defenses by presenting a
// browser-like TLS fingerprint and header set through pooled per-host
// sessions. It never errors for an HTTP status; the classifier decides.
type ImpersonatingFetcher struct {
	pool   *SessionPool
	cfg    *config.ImpersonateConfig
	fcfg   *config.FetchConfig
	logger *slog.Logger
}

// NewImpersonatingFetcher creates the impersonating transport over pool.
func NewImpersonatingFetcher(pool *SessionPool, cfg *config.ImpersonateConfig, fcfg *config.FetchConfig, logger *slog.Logger) *ImpersonatingFetcher {
	return &ImpersonatingFetcher{
		pool:   pool,
		cfg:    cfg,
		fcfg:   fcfg,
		logger: logger.With("component", "impersonating_fetcher"),
	}
}

// Fetch performs the request through the hostname's pooled session. The
// session client blocks, so it runs on its own goroutine bounded by the
// configured total timeout.
func (f *ImpersonatingFetcher) Fetch(ctx context.Context, req *types.FetchRequest) (*types.Response, error) {
	sess := f.pool.GetSession(req.Hostname())

	if wait := sess.Touch(f.cfg.RequestDelay); wait > 0 {
		if err := resilience.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URLString(), nil)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: false}
	}

	// Session defaults first, per-request headers over them. The session's
	// UA is pinned so retries keep a consistent fingerprint.
	for key, values := range sess.DefaultHeaders {
		httpReq.Header[key] = values
	}
	for key, values := range req.Headers {
		if http.CanonicalHeaderKey(key) == "User-Agent" {
			continue
		}
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}

	var resp *types.Response
	start := time.Now()
	err = resilience.CallBlockingWithTimeout(ctx, func() error {
		httpResp, doErr := sess.Client.Do(httpReq)
		if doErr != nil {
			return &types.FetchError{
				URL:       req.URLString(),
				Err:       doErr,
				Retryable: resilience.IsRetryable(doErr),
			}
		}
		defer httpResp.Body.Close()

		built, buildErr := buildResponse(req, httpResp, f.fcfg.MaxProcessableBytes, TypeImpersonating, time.Since(start))
		if buildErr != nil {
			return buildErr
		}
		resp = built
		return nil
	}, f.fcfg.Timeout+f.fcfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("fetch complete",
		"url", req.URLString(),
		"status", resp.StatusCode,
		"size", resp.ContentLength,
		"duration", resp.FetchDuration,
	)
	return resp, nil
}

// EvictSession discards the hostname's session so the next attempt starts
// fresh. Called after a high-confidence block.
func (f *ImpersonatingFetcher) EvictSession(hostname string) {
	f.pool.Evict(hostname)
}

// Close shuts down every pooled session.
func (f *ImpersonatingFetcher) Close() error {
	f.pool.EvictAll()
	return nil
}

// Type returns the transport type identifier.
func (f *ImpersonatingFetcher) Type() string {
	return TypeImpersonating
}

// ImpersonatingTransport is an http.RoundTripper that mimics common browser
// TLS fingerprints and fills in browser-ordered headers when absent.
type ImpersonatingTransport struct {
	inner  *http.Transport
	logger *slog.Logger
}

// NewImpersonatingTransport builds the RoundTripper for one session.
func NewImpersonatingTransport(cfg *config.FetchConfig, logger *slog.Logger) *ImpersonatingTransport {
	return &ImpersonatingTransport{
		inner: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:     browserTLSConfig(),
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     cfg.IdleConnTimeout,
			DisableCompression:  true, // decompression handled in buildResponse
		},
		logger: logger.With("component", "impersonating_transport"),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *ImpersonatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	if req.Header.Get("Upgrade-Insecure-Requests") == "" {
		req.Header.Set("Upgrade-Insecure-Requests", "1")
	}
	return t.inner.RoundTrip(req)
}

// browserTLSConfig mimics Chrome/Firefox cipher suite orderings.
func browserTLSConfig() *tls.Config {
	cipherSuites := [][]uint16{
		// Chrome-like
		{
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		// Firefox-like
		{
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}

	return &tls.Config{
		CipherSuites: cipherSuites[rand.Intn(len(cipherSuites))],
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		},
	}
}
