package fetcher

import (
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"unveil/internal/config"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func newTestPool(capacity int) *SessionPool {
	cfg := config.DefaultConfig()
	cfg.Impersonate.PoolCapacity = capacity
	p := NewSessionPool(&cfg.Impersonate, &cfg.Fetch, testLogger)
	// Lightweight sessions; no real transport needed.
	p.newSession = func(hostname string) *Session {
		return &Session{
			Hostname:       hostname,
			Client:         &http.Client{},
			DefaultHeaders: make(http.Header),
		}
	}
	return p
}

func TestGetSessionReusesPerHost(t *testing.T) {
	p := newTestPool(4)
	a1 := p.GetSession("a.com")
	a2 := p.GetSession("a.com")
	b := p.GetSession("b.com")

	if a1 != a2 {
		t.Error("same hostname must reuse the session")
	}
	if a1 == b {
		t.Error("different hostnames must not share a session")
	}
	if p.Len() != 2 {
		t.Errorf("pool len = %d, want 2", p.Len())
	}
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	p := newTestPool(2)
	p.GetSession("a.com")
	p.GetSession("b.com")
	p.GetSession("a.com") // promote a.com; b.com is now LRU
	p.GetSession("c.com") // evicts b.com

	if p.Len() != 2 {
		t.Fatalf("pool len = %d, want 2", p.Len())
	}
	// b.com must have been rebuilt, a.com retained.
	a := p.GetSession("a.com")
	if a.Hostname != "a.com" {
		t.Error("promoted session lost")
	}
	before := p.Len()
	p.GetSession("b.com")
	if p.Len() != before {
		// b.com was evicted, so fetching it again rebuilds and evicts the
		// new LRU; the pool stays at capacity.
		t.Errorf("pool exceeded capacity: %d", p.Len())
	}
}

func TestEvictRemovesSession(t *testing.T) {
	p := newTestPool(4)
	first := p.GetSession("a.com")
	p.Evict("a.com")
	if p.Len() != 0 {
		t.Errorf("pool len after evict = %d, want 0", p.Len())
	}
	second := p.GetSession("a.com")
	if first == second {
		t.Error("evicted session was reused")
	}

	// Evicting an absent hostname is a no-op.
	p.Evict("never-seen.com")
}

func TestEvictAll(t *testing.T) {
	p := newTestPool(8)
	for _, h := range []string{"a.com", "b.com", "c.com"} {
		p.GetSession(h)
	}
	p.EvictAll()
	if p.Len() != 0 {
		t.Errorf("pool len after EvictAll = %d, want 0", p.Len())
	}
}

func TestIdleSessionRebuilt(t *testing.T) {
	p := newTestPool(4)
	p.idleTTL = 10 * time.Millisecond

	first := p.GetSession("a.com")
	first.Touch(0)
	time.Sleep(20 * time.Millisecond)

	second := p.GetSession("a.com")
	if first == second {
		t.Error("idle-expired session must be rebuilt")
	}
}

func TestTouchEnforcesMinGap(t *testing.T) {
	s := &Session{Hostname: "a.com", Client: &http.Client{}}

	if wait := s.Touch(50 * time.Millisecond); wait != 0 {
		t.Errorf("first touch wait = %s, want 0", wait)
	}
	wait := s.Touch(50 * time.Millisecond)
	if wait <= 0 || wait > 50*time.Millisecond {
		t.Errorf("second touch wait = %s, want (0,50ms]", wait)
	}

	if wait := s.Touch(0); wait != 0 {
		t.Errorf("zero min gap wait = %s, want 0", wait)
	}
}

func TestBuiltSessionHasBrowserHeaders(t *testing.T) {
	cfg := config.DefaultConfig()
	p := NewSessionPool(&cfg.Impersonate, &cfg.Fetch, testLogger)
	sess := p.GetSession("a.com")

	if sess.Client.Jar == nil {
		t.Error("session client missing cookie jar")
	}
	if sess.DefaultHeaders.Get("User-Agent") == "" {
		t.Error("session missing default User-Agent")
	}
	if sess.DefaultHeaders.Get("Sec-Fetch-Mode") != "navigate" {
		t.Error("session headers missing browser-mode Sec-Fetch family")
	}
}
