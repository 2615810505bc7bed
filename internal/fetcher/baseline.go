package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"unveil/internal/config"
	"unveil/internal/resilience"
	"unveil/internal/types"
)

// BaselineFetcher is the plain net/http transport. It errors only on
// transport-layer failure; any HTTP status comes back as a Response for the
// classifier to judge.
type BaselineFetcher struct {
	client *http.Client
	cfg    *config.FetchConfig
	logger *slog.Logger
}

// NewBaselineFetcher creates the baseline transport.
func NewBaselineFetcher(cfg *config.FetchConfig, logger *slog.Logger) (*BaselineFetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns / 2,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure,
		},
		DisableCompression: true, // We handle decompression ourselves (including brotli)
	}

	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if !cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("max redirects (%d) reached", cfg.MaxRedirects)
		}
		return nil
	}

	client := &http.Client{
		Transport:     transport,
		Jar:           jar,
		Timeout:       cfg.Timeout,
		CheckRedirect: redirectPolicy,
	}

	return &BaselineFetcher{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "baseline_fetcher"),
	}, nil
}

// Fetch executes a single HTTP request and returns the unified response.
func (f *BaselineFetcher) Fetch(ctx context.Context, req *types.FetchRequest) (*types.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URLString(), nil)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: false}
	}

	headers := SynthesizeHeaders("", req.Referer, "", false, false)
	for key, values := range headers {
		httpReq.Header[key] = values
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return nil, &types.FetchError{
			URL:       req.URLString(),
			Err:       err,
			Retryable: resilience.IsRetryable(err),
		}
	}
	defer httpResp.Body.Close()

	resp, err := buildResponse(req, httpResp, f.cfg.MaxProcessableBytes, TypeBaseline, duration)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("fetch complete",
		"url", req.URLString(),
		"status", resp.StatusCode,
		"size", resp.ContentLength,
		"duration", duration,
	)
	return resp, nil
}

// Close releases resources.
func (f *BaselineFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// Type returns the transport type identifier.
func (f *BaselineFetcher) Type() string {
	return TypeBaseline
}

// buildResponse reads, decompresses, and decodes an http.Response into the
// unified shape. Decoded reads are capped at maxBytes+1 so oversize pages
// are detectable without buffering the world.
func buildResponse(req *types.FetchRequest, httpResp *http.Response, maxBytes int64, transport string, duration time.Duration) (*types.Response, error) {
	reader, err := decompressReader(httpResp, httpResp.Body)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: false}
	}
	// The cap bounds decompressed bytes: a small hostile payload must not
	// expand past it in memory.
	if maxBytes > 0 {
		reader = io.LimitReader(reader, maxBytes+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}
	if len(raw) == 0 {
		return nil, &types.FetchError{
			URL:        req.URLString(),
			StatusCode: httpResp.StatusCode,
			Err:        types.ErrEmptyResponse,
			Retryable:  true,
		}
	}

	contentType := httpResp.Header.Get("Content-Type")
	body := stripNulBytes(decodeBody(raw, contentType))

	// Header value wins when present so oversize short-circuits before the
	// decoded length is consulted.
	contentLength := int64(len(body))
	if cl := httpResp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			contentLength = n
		}
	}

	finalURL := req.URLString()
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}

	return &types.Response{
		StatusCode:    httpResp.StatusCode,
		Headers:       httpResp.Header,
		BodyText:      body,
		ContentType:   contentType,
		ContentLength: contentLength,
		FinalURL:      finalURL,
		Method:        http.MethodGet,
		Transport:     transport,
		FetchDuration: duration,
		FetchedAt:     time.Now(),
	}, nil
}

// ParseRetryAfter parses a Retry-After header value. Supports both integer
// seconds and HTTP-date formats; capped at two minutes.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 0
}
