// Package fetcher defines the request and response types shared by the HTTP
// and headless fetch backends.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Request describes one outbound fetch.
type Request struct {
	URL     string
	Method  string
	Proxy   string
	Headers http.Header
}

// Response captures the result of a fetch after redirects were followed.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs HTTP requests.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Renderer loads a page in a real browser and reports where it landed.
type Renderer interface {
	Render(ctx context.Context, req Request) (Response, error)
}
