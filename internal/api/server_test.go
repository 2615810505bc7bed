package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

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

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// stubFetcher returns the same page for every request.
type stubFetcher struct {
	typ  string
	body string
}

func (f *stubFetcher) Fetch(ctx context.Context, req *types.FetchRequest) (*types.Response, error) {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &types.Response{
		StatusCode:    200,
		Headers:       h,
		BodyText:      f.body,
		ContentType:   "text/html; charset=utf-8",
		ContentLength: int64(len(f.body)),
		FinalURL:      req.URLString(),
		Method:        http.MethodGet,
		Transport:     f.typ,
	}, nil
}

func (f *stubFetcher) Close() error { return nil }
func (f *stubFetcher) Type() string { return f.typ }

func newTestServer(t *testing.T) (*Server, *cache.MemoryCache, *observability.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Autotune.Enabled = false

	store := cache.NewMemoryCache(cfg.Cache.CompressThreshold)
	metrics := observability.NewStore(testLogger)
	lim := limiter.New(cfg.Limiter.Concurrency, testLogger)
	tuner := pipeline.NewAutotuner(&cfg.Autotune, &cfg.Limiter, metrics, lim, testLogger)

	page := `<!DOCTYPE html><html><head><title>T</title></head><body><p>served</p></body></html>`
	pipe := pipeline.New(cfg,
		pipeline.NewSSRFGuard(testLogger),
		store, lim,
		&stubFetcher{typ: fetcher.TypeBaseline, body: page},
		&stubFetcher{typ: fetcher.TypeImpersonating, body: page},
		classifier.New(testLogger),
		rewriter.New(&cfg.Rewriter, testLogger),
		rewriter.NewSanitizer(testLogger),
		metrics, tuner, testLogger)

	return NewServer(&cfg.Server, pipe, store, metrics, testLogger), store, metrics
}

func postUnlock(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/unlock", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestUnlockHappyPath(t *testing.T) {
	s, _, _ := newTestServer(t)
	// A literal public IP keeps the guard off the resolver.
	rec := postUnlock(t, s, `{"url": "http://203.0.113.10/article"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var out types.FetchOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !out.Success {
		t.Errorf("success = false, reason = %s", out.Reason)
	}
	if !strings.Contains(out.HTML, "served") {
		t.Error("outcome missing page content")
	}
}

func TestUnlockInvalidJSON(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postUnlock(t, s, `{"url": `)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUnlockMissingURL(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postUnlock(t, s, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "url is required") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestUnlockBadSchemeIs400(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postUnlock(t, s, `{"url": "ftp://203.0.113.10/file"}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var out types.FetchOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.Reason != types.ReasonInvalidURL {
		t.Errorf("reason = %s", out.Reason)
	}
}

func TestUnlockRefusesPrivateTargets(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postUnlock(t, s, `{"url": "http://127.0.0.1:8080/admin"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out types.FetchOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.Success || out.Reason != types.ReasonSSRFRefused {
		t.Errorf("success = %v, reason = %s", out.Success, out.Reason)
	}
}

func TestUnlockCountsClientUsage(t *testing.T) {
	s, store, _ := newTestServer(t)
	postUnlock(t, s, `{"url": "http://203.0.113.10/a"}`)
	postUnlock(t, s, `{"url": "http://203.0.113.10/b"}`)

	// httptest requests arrive from 192.0.2.1.
	key := fmt.Sprintf("usage:192.0.2.1:%s", time.Now().UTC().Format("2006010215"))
	n, err := store.Incr(context.Background(), key)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != 3 {
		t.Errorf("usage counter = %d, want 3 after two requests plus probe", n)
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	postUnlock(t, s, `{"url": "http://203.0.113.10/page"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "unlock_pipeline_request_count") {
		t.Errorf("metrics output missing request counter:\n%s", rec.Body.String())
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	postUnlock(t, s, `{"url": "http://203.0.113.10/page"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty exposition")
	}
}

func TestMethodRouting(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/unlock", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /unlock status = %d, want 405", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		fwd    string
		want   string
	}{
		{"192.0.2.1:1234", "", "192.0.2.1"},
		{"192.0.2.1:1234", "198.51.100.7", "198.51.100.7"},
		{"192.0.2.1:1234", "198.51.100.7, 10.0.0.1", "198.51.100.7"},
		{"bad-addr", "", "bad-addr"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.fwd != "" {
			r.Header.Set("X-Forwarded-For", tt.fwd)
		}
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(remote=%q, fwd=%q) = %q, want %q", tt.remote, tt.fwd, got, tt.want)
		}
	}
}
