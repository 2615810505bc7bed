// Package unveil provides a small client for the unveil unlock API.
//
// Example usage:
//
//	client := unveil.NewClient("http://localhost:8080",
//	    unveil.WithTimeout(30*time.Second),
//	)
//
//	out, err := client.Unlock(ctx, "https://example.com/article",
//	    unveil.WithImpersonation(),
//	    unveil.WithPriority(unveil.PriorityPremium),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.HTML)
package unveil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request priorities, highest first.
const (
	PriorityPremium  = 0
	PriorityStandard = 1
	PriorityGuest    = 2
)

// Outcome is the result of an unlock call. It mirrors the API's JSON
// response body.
type Outcome struct {
	Success    bool     `json:"success"`
	HTML       string   `json:"html"`
	HTTPStatus int      `json:"http_status,omitempty"`
	Attempts   int      `json:"attempts"`
	Reason     string   `json:"outcome_reason"`
	Provider   string   `json:"provider"`
	Confidence string   `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
	CacheHit   bool     `json:"cache_hit,omitempty"`
	RayID      string   `json:"ray_id,omitempty"`
}

// Blocked reports whether the outcome is a confirmed bot-challenge page.
func (o *Outcome) Blocked() bool {
	return strings.HasPrefix(o.Reason, "blocked_by_")
}

// Client talks to an unveil server.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the end-to-end request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type unlockBody struct {
	URL              string `json:"url"`
	Unlock           *bool  `json:"unlock,omitempty"`
	Priority         *int   `json:"priority,omitempty"`
	UseImpersonating bool   `json:"use_impersonating,omitempty"`
	Referer          string `json:"referer,omitempty"`
}

// UnlockOption configures a single unlock call.
type UnlockOption func(*unlockBody)

// WithPriority sets the scheduling priority for the request.
func WithPriority(p int) UnlockOption {
	return func(b *unlockBody) { b.Priority = &p }
}

// WithImpersonation routes the fetch through the browser-impersonating
// transport.
func WithImpersonation() UnlockOption {
	return func(b *unlockBody) { b.UseImpersonating = true }
}

// WithSanitizeOnly requests a stripped-down sanitized document instead of
// the full display rewrite.
func WithSanitizeOnly() UnlockOption {
	return func(b *unlockBody) {
		f := false
		b.Unlock = &f
	}
}

// WithReferer sets the Referer the fetch presents to the target.
func WithReferer(ref string) UnlockOption {
	return func(b *unlockBody) { b.Referer = ref }
}

// Unlock fetches, classifies, and rewrites the page at rawURL.
// A non-nil Outcome with Success=false describes why the page could not
// be served; err is reserved for transport and protocol failures.
func (c *Client) Unlock(ctx context.Context, rawURL string, opts ...UnlockOption) (*Outcome, error) {
	body := unlockBody{URL: rawURL}
	for _, opt := range opts {
		opt(&body)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/unlock", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unlock request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return nil, fmt.Errorf("unlock: unexpected status %d", resp.StatusCode)
	}
	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &out, nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

// Metrics fetches the server's plain-text metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("metrics request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
