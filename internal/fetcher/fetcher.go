package fetcher

import (
	"context"
	"net/url"
)

// Request describes one page request against a source API.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Body    any // JSON-encoded when non-nil
	Headers map[string]string
}

// Fetcher performs a single source request and returns the response body.
// Failures worth retrying are returned as *resilience.TransientError; the
// caller owns the retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}
