package fetcher

import (
	"container/list"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"unveil/internal/config"
)

// Session is one impersonating HTTP session pinned to a hostname. The
// client carries the per-host cookie jar and browser-like TLS settings; the
// default headers are the bag the session was born with, so retries through
// the same session present a stable fingerprint.
type Session struct {
	Hostname       string
	Client         *http.Client
	DefaultHeaders http.Header

	mu       sync.Mutex
	lastUsed time.Time
}

// Touch records use of the session and returns how long to pause to honor
// the configured inter-request delay.
func (s *Session) Touch(minGap time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var wait time.Duration
	if minGap > 0 && !s.lastUsed.IsZero() {
		if elapsed := now.Sub(s.lastUsed); elapsed < minGap {
			wait = minGap - elapsed
		}
	}
	s.lastUsed = now.Add(wait)
	return wait
}

// idle reports whether the session has sat unused longer than ttl.
func (s *Session) idle(ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ttl > 0 && !s.lastUsed.IsZero() && time.Since(s.lastUsed) >= ttl
}

func (s *Session) close() {
	s.Client.CloseIdleConnections()
}

// SessionPool keeps an LRU of per-hostname impersonating sessions.
type SessionPool struct {
	mu       sync.Mutex
	capacity int
	idleTTL  time.Duration
	order    *list.List               // front = most recently used
	entries  map[string]*list.Element // hostname -> element holding *Session
	cfg      *config.ImpersonateConfig
	fcfg     *config.FetchConfig
	logger   *slog.Logger

	// newSession is swappable for tests.
	newSession func(hostname string) *Session
}

// NewSessionPool creates a pool bounded at cfg.PoolCapacity sessions.
func NewSessionPool(cfg *config.ImpersonateConfig, fcfg *config.FetchConfig, logger *slog.Logger) *SessionPool {
	p := &SessionPool{
		capacity: cfg.PoolCapacity,
		idleTTL:  cfg.SessionIdle,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		cfg:      cfg,
		fcfg:     fcfg,
		logger:   logger.With("component", "session_pool"),
	}
	p.newSession = p.buildSession
	return p
}

// GetSession returns the session for hostname, creating one on first use.
// Hits are promoted to most-recently-used; creation may evict the LRU
// entry when the pool is over capacity.
func (p *SessionPool) GetSession(hostname string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[hostname]; ok {
		sess := el.Value.(*Session)
		if !sess.idle(p.idleTTL) {
			p.order.MoveToFront(el)
			return sess
		}
		// Idle too long; rebuild below.
		p.order.Remove(el)
		delete(p.entries, hostname)
		sess.close()
	}

	sess := p.newSession(hostname)
	p.entries[hostname] = p.order.PushFront(sess)

	for p.order.Len() > p.capacity {
		back := p.order.Back()
		evicted := back.Value.(*Session)
		p.order.Remove(back)
		delete(p.entries, evicted.Hostname)
		evicted.close()
		p.logger.Debug("evicted LRU session", "hostname", evicted.Hostname)
	}

	return sess
}

// Evict closes and removes the session for hostname, if present. Used after
// a high-confidence block so the next attempt opens a fresh session.
func (p *SessionPool) Evict(hostname string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.entries[hostname]
	if !ok {
		return
	}
	p.order.Remove(el)
	delete(p.entries, hostname)
	el.Value.(*Session).close()
	p.logger.Debug("evicted session", "hostname", hostname)
}

// EvictAll closes every session. Called at shutdown.
func (p *SessionPool) EvictAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for el := p.order.Front(); el != nil; el = el.Next() {
		el.Value.(*Session).close()
	}
	p.order.Init()
	p.entries = make(map[string]*list.Element)
}

// Len returns the number of pooled sessions.
func (p *SessionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// buildSession constructs a fresh impersonating session for hostname.
func (p *SessionPool) buildSession(hostname string) *Session {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Transport: NewImpersonatingTransport(p.fcfg, p.logger),
		Jar:       jar,
		Timeout:   p.fcfg.Timeout,
	}
	headers := SynthesizeHeaders("", "", p.cfg.Platform, p.cfg.Mobile, true)
	return &Session{
		Hostname:       hostname,
		Client:         client,
		DefaultHeaders: headers,
	}
}
