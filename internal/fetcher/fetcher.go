package fetcher

import (
	"context"

	"unveil/internal/types"
)

// Transport type identifiers.
const (
	TypeBaseline      = "baseline"
	TypeImpersonating = "impersonating"
)

// Fetcher is the interface both transport implementations satisfy.
type Fetcher interface {
	// Fetch retrieves the content at the given request's URL.
	Fetch(ctx context.Context, req *types.FetchRequest) (*types.Response, error)

	// Close releases any resources held by the fetcher.
	Close() error

	// Type returns the transport type identifier.
	Type() string
}
