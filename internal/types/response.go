package types

import (
	"net/http"
	"time"
)

// Response is the unified shape both transports produce. The impersonating
// transport fills it from its pooled session; the baseline transport from a
// plain net/http round trip. BodyText is always decoded text (charset
// resolved, replacement on bad sequences), never raw compressed bytes.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Headers are the response HTTP headers.
	Headers http.Header

	// BodyText is the decoded response body.
	BodyText string

	// ContentType is the MIME type of the response.
	ContentType string

	// ContentLength is the decoded body size in bytes. When the origin sent
	// a Content-Length header its value wins; otherwise this is measured.
	ContentLength int64

	// FinalURL is the URL after any redirects.
	FinalURL string

	// Method is the HTTP method that produced this response.
	Method string

	// Transport identifies which fetcher produced this response.
	Transport string

	// FetchDuration is how long the fetch took.
	FetchDuration time.Duration

	// FetchedAt is when this response was received.
	FetchedAt time.Time
}

// IsSuccess returns true if the response status is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsClientError returns true if the response status is 4xx.
func (r *Response) IsClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// IsServerError returns true if the response status is 5xx.
func (r *Response) IsServerError() bool {
	return r.StatusCode >= 500 && r.StatusCode < 600
}

// Header returns a single response header value.
func (r *Response) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}
