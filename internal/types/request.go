package types

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Priority levels for limiter scheduling, derived from the caller's
// entitlement. Lower value = earlier slot.
const (
	PriorityPremium  = 0
	PriorityStandard = 1
	PriorityGuest    = 2
)

// FetchRequest describes one unlock job submitted to the pipeline.
type FetchRequest struct {
	// URL is the target page.
	URL *url.URL

	// ClientIP is the requesting user's address, kept for observability only.
	ClientIP string

	// Unlock selects the full rewrite path; when false the body is only
	// sanitized.
	Unlock bool

	// Priority controls limiter ordering (lower = higher priority).
	Priority int

	// UseImpersonating allows escalation to the browser-impersonating
	// transport.
	UseImpersonating bool

	// Headers are extra headers merged over the transport defaults.
	Headers http.Header

	// Referer, when set, is forwarded to the header synthesizer.
	Referer string

	// CreatedAt is when this request was built.
	CreatedAt time.Time
}

// NewFetchRequest parses rawURL and returns a request with guest defaults.
func NewFetchRequest(rawURL string) (*FetchRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidURL, rawURL, err)
	}

	return &FetchRequest{
		URL:       u,
		Unlock:    true,
		Priority:  PriorityGuest,
		Headers:   make(http.Header),
		CreatedAt: time.Now(),
	}, nil
}

// URLString returns the string form of the request URL.
func (r *FetchRequest) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Hostname returns the hostname of the request URL.
func (r *FetchRequest) Hostname() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}
