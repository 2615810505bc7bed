// Package api exposes the unlock pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"unveil/internal/cache"
	"unveil/internal/config"
	"unveil/internal/observability"
	"unveil/internal/pipeline"
	"unveil/internal/types"
)

// UnlockRequest is the POST /unlock body.
type UnlockRequest struct {
	URL              string `json:"url"`
	Unlock           *bool  `json:"unlock,omitempty"`
	Priority         *int   `json:"priority,omitempty"`
	UseImpersonating bool   `json:"use_impersonating,omitempty"`
	Referer          string `json:"referer,omitempty"`
}

// Server serves the unlock API plus health and metrics endpoints.
type Server struct {
	cfg     *config.ServerConfig
	pipe    *pipeline.Pipeline
	store   cache.Cache
	metrics *observability.Store
	logger  *slog.Logger

	mux  *http.ServeMux
	http *http.Server
}

// NewServer assembles the HTTP surface over an already-built pipeline.
func NewServer(cfg *config.ServerConfig, pipe *pipeline.Pipeline, store cache.Cache, metrics *observability.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		pipe:    pipe,
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "api_server"),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /unlock", s.handleUnlock)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET "+s.cfg.MetricsPath, s.handleMetrics)
	s.mux.Handle("GET "+s.cfg.MetricsPath+"/prometheus", observability.PrometheusHandler(s.metrics))
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body UnlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.URL == "" {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	req, err := types.NewFetchRequest(body.URL)
	if err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.ClientIP = clientIP(r)
	req.Referer = body.Referer
	req.UseImpersonating = body.UseImpersonating
	if body.Unlock != nil {
		req.Unlock = *body.Unlock
	}
	if body.Priority != nil && *body.Priority >= types.PriorityPremium && *body.Priority <= types.PriorityGuest {
		req.Priority = *body.Priority
	}

	s.countClient(r.Context(), req.ClientIP)

	outcome := s.pipe.FetchAndClean(r.Context(), req)
	status := http.StatusOK
	if outcome.Reason == types.ReasonInvalidURL {
		status = http.StatusBadRequest
	}
	s.jsonResponse(w, status, outcome)
}

// countClient tracks per-client hourly usage. Purely observational; write
// failures are ignored.
func (s *Server) countClient(ctx context.Context, ip string) {
	if ip == "" {
		return
	}
	key := fmt.Sprintf("usage:%s:%s", ip, time.Now().UTC().Format("2006010215"))
	n, err := s.store.Incr(ctx, key)
	if err != nil {
		return
	}
	if n == 1 {
		_ = s.store.Expire(ctx, key, time.Hour)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.metrics.Render()))
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
