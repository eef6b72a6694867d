// Package operations holds the task bodies the API can launch: link
// resolution and page snapshotting. Each body takes the session lock before
// touching outbound HTTP state, reports progress through the reporter carried
// on its context, and records its results as task metadata.
package operations

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/fetcher"
	"github.com/JakeFAU/taskhub/internal/resolver"
	"github.com/JakeFAU/taskhub/internal/retry"
	"github.com/JakeFAU/taskhub/internal/session"
	"github.com/JakeFAU/taskhub/internal/storage"
	"github.com/JakeFAU/taskhub/internal/store"
)

// Task types.
const (
	TypeLinkResolve  = "link.resolve"
	TypePageSnapshot = "page.snapshot"
)

// Phase names emitted by the operations.
const (
	PhaseExtract  = "extract_urls"
	PhaseResolve  = "resolve"
	PhaseSnapshot = "snapshot"
)

var (
	// ErrNoURLs is returned when the input text contains no URLs.
	ErrNoURLs = errors.New("no urls extracted")
	// ErrNothingStored is returned when every page fetch or upload failed.
	ErrNothingStored = errors.New("no page could be stored")
)

// Request carries the caller's input for one operation.
type Request struct {
	Text   string `json:"text"`
	Proxy  string `json:"proxy,omitempty"`
	Cookie string `json:"cookie,omitempty"`
}

func (r Request) credentials() session.Credentials {
	return session.Credentials{Cookie: r.Cookie, Proxy: r.Proxy}
}

func (r Request) options() resolver.Options {
	opts := resolver.Options{Proxy: r.Proxy}
	if r.Cookie != "" {
		opts.Headers = http.Header{"Cookie": {r.Cookie}}
	}
	return opts
}

// URLResolver resolves a list of raw URLs in order.
type URLResolver interface {
	ResolveAll(ctx context.Context, urls []string, opts resolver.Options, each func(int, resolver.Result)) ([]resolver.Result, error)
}

// Hasher names snapshot bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator mints snapshot record ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config wires a Service.
type Config struct {
	Resolver URLResolver
	Fetcher  fetcher.Fetcher
	// Renderer and Detector are optional; together they replace JavaScript
	// shells with the browser-rendered page before a snapshot is stored.
	Renderer fetcher.Renderer
	Detector Detector
	Retry    *retry.Policy
	Locker   *session.Locker
	Blobs    storage.BlobStore
	// Snapshots is optional; when nil only the blob is written.
	Snapshots  store.SnapshotRepository
	Hasher     Hasher
	IDs        IDGenerator
	BlobPrefix string
	Logger     *zap.Logger
}

// Detector decides whether a fetched page needs a browser render.
type Detector interface {
	ShouldPromote(resp fetcher.Response) bool
}

// Service builds task operations from requests.
type Service struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Service. Resolver, Locker and Hasher are required for both
// operations; Fetcher and Blobs are required for snapshots.
func New(cfg Config) *Service {
	if cfg.Retry == nil {
		cfg.Retry = retry.NewPolicy(retry.Config{MaxAttempts: 1})
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocker(false)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger}
}

func (s *Service) lock(ctx context.Context, req Request) (func(), error) {
	return s.cfg.Locker.Acquire(ctx, req.credentials())
}
