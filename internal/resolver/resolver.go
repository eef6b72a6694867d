// Package resolver extracts URLs from free text and expands short links to
// their canonical destination, falling back to HTML inspection when the
// redirector serves an interstitial page instead of a redirect.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/fetcher"
	"github.com/JakeFAU/taskhub/internal/metrics"
	"github.com/JakeFAU/taskhub/internal/retry"
)

// DefaultDelay separates successive resolutions from one text blob.
const DefaultDelay = time.Second

// Method records how a URL was resolved.
type Method string

// Resolution methods.
const (
	MethodDirect   Method = "direct"
	MethodHTML     Method = "html"
	MethodHeadless Method = "headless"
	MethodOriginal Method = "original"
)

// Result pairs a scanned span with its resolved URL.
type Result struct {
	Raw    string `json:"raw"`
	URL    string `json:"url"`
	Method Method `json:"method"`
}

// Options tune a single resolution.
type Options struct {
	Proxy   string
	Headers http.Header
	// FullFetch probes with GET instead of HEAD, for callers that need the
	// body anyway.
	FullFetch bool
}

// Config wires a Resolver.
type Config struct {
	Fetcher    fetcher.Fetcher
	Renderer   fetcher.Renderer
	Retry      *retry.Policy
	ShortHosts []string
	Delay      time.Duration
	Logger     *zap.Logger
}

// Resolver resolves URLs. It is safe for concurrent use.
type Resolver struct {
	fetcher    fetcher.Fetcher
	renderer   fetcher.Renderer
	retry      *retry.Policy
	shortHosts map[string]struct{}
	delay      time.Duration
	logger     *zap.Logger
}

// New builds a Resolver. A nil Retry policy makes a single attempt per call;
// a negative Delay disables spacing.
func New(cfg Config) *Resolver {
	policy := cfg.Retry
	if policy == nil {
		policy = retry.NewPolicy(retry.Config{MaxAttempts: 1})
	}
	hosts := cfg.ShortHosts
	if len(hosts) == 0 {
		hosts = DefaultShortHosts
	}
	short := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		short[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.Delay
	if delay < 0 {
		delay = 0
	}
	return &Resolver{
		fetcher:    cfg.Fetcher,
		renderer:   cfg.Renderer,
		retry:      policy,
		shortHosts: short,
		delay:      delay,
		logger:     logger,
	}
}

// IsShortHost reports whether host is a configured short-link host.
func (r *Resolver) IsShortHost(host string) bool {
	_, ok := r.shortHosts[strings.ToLower(host)]
	return ok
}

// ResolveText scans text and resolves each URL in order. See ResolveAll.
func (r *Resolver) ResolveText(ctx context.Context, text string, opts Options) ([]Result, error) {
	return r.ResolveAll(ctx, Scan(text), opts, nil)
}

// ResolveAll resolves urls in order, waiting the configured delay between
// successive resolutions, and calls each (when non-nil) after every result.
// On cancellation it returns the results gathered so far with the error.
func (r *Resolver) ResolveAll(
	ctx context.Context,
	urls []string,
	opts Options,
	each func(i int, res Result),
) ([]Result, error) {
	results := make([]Result, 0, len(urls))
	for i, raw := range urls {
		if i > 0 && r.delay > 0 {
			if err := pause(ctx, r.delay); err != nil {
				return results, fmt.Errorf("resolve delay: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := r.Resolve(ctx, raw, opts)
		// A resolution cut short by cancellation degrades to the input URL;
		// it is not a result.
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, res)
		if each != nil {
			each(i, res)
		}
	}
	return results, nil
}

// Resolve returns the canonical URL for rawURL. It never fails: when every
// strategy fails the input is returned with MethodOriginal.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, opts Options) Result {
	ctx, span := otel.Tracer("github.com/JakeFAU/taskhub/internal/resolver").Start(ctx, "resolver.resolve")
	defer span.End()

	res := r.resolve(ctx, rawURL, opts)
	if res.URL == "" {
		res = Result{Raw: rawURL, URL: rawURL, Method: MethodOriginal}
	}
	span.SetAttributes(
		attribute.String("url.original", rawURL),
		attribute.String("url.resolved", res.URL),
		attribute.String("resolver.method", string(res.Method)),
	)
	metrics.ObserveResolution(rawURL, string(res.Method))
	r.logger.Info("resolved url",
		zap.String("url", rawURL),
		zap.String("resolved", res.URL),
		zap.String("method", string(res.Method)),
	)
	return res
}

func (r *Resolver) resolve(ctx context.Context, rawURL string, opts Options) Result {
	original := Result{Raw: rawURL, URL: rawURL, Method: MethodOriginal}
	if r.fetcher == nil {
		return original
	}
	method := http.MethodHead
	if opts.FullFetch {
		method = http.MethodGet
	}
	probe, err := r.fetch(ctx, rawURL, method, opts)
	if err != nil {
		// Hosts often refuse HEAD with a 4xx; where the redirects led is
		// still known.
		headRefused := method == http.MethodHead && errors.Is(err, retry.ErrClient) && probe.URL != ""
		if !headRefused {
			r.logger.Debug("probe failed", zap.String("url", rawURL), zap.Error(err))
			return original
		}
		probe.Body = nil
	}
	resolved := probe.URL
	if resolved == "" {
		resolved = rawURL
	}
	originalHost := hostOf(rawURL)
	if !r.IsShortHost(originalHost) || hostOf(resolved) != originalHost {
		return Result{Raw: rawURL, URL: resolved, Method: MethodDirect}
	}

	if target, m, ok := r.fallback(ctx, rawURL, probe, opts); ok {
		return Result{Raw: rawURL, URL: target, Method: m}
	}
	return Result{Raw: rawURL, URL: resolved, Method: MethodDirect}
}

// fallback runs when a short link answered without redirecting. It fetches
// the body (reusing the probe when it already has one), then inspects the
// final host and the HTML, then asks the headless renderer.
func (r *Resolver) fallback(ctx context.Context, rawURL string, probe fetcher.Response, opts Options) (string, Method, bool) {
	page := probe
	if len(page.Body) == 0 {
		got, err := r.fetch(ctx, rawURL, http.MethodGet, opts)
		if err != nil {
			r.logger.Debug("fallback fetch failed", zap.String("url", rawURL), zap.Error(err))
			return r.render(ctx, rawURL, opts)
		}
		page = got
		if page.URL != "" && !r.IsShortHost(hostOf(page.URL)) {
			return page.URL, MethodHTML, true
		}
	}
	if target, ok := ExtractFromHTML(page.Body, parseBase(page.URL, rawURL)); ok {
		return target, MethodHTML, true
	}
	return r.render(ctx, rawURL, opts)
}

func (r *Resolver) render(ctx context.Context, rawURL string, opts Options) (string, Method, bool) {
	if r.renderer == nil || ctx.Err() != nil {
		return "", "", false
	}
	page, err := r.renderer.Render(ctx, fetcher.Request{URL: rawURL, Proxy: opts.Proxy, Headers: opts.Headers})
	if err != nil {
		r.logger.Debug("headless render failed", zap.String("url", rawURL), zap.Error(err))
		return "", "", false
	}
	if page.URL != "" && !r.IsShortHost(hostOf(page.URL)) {
		return page.URL, MethodHeadless, true
	}
	if target, ok := ExtractFromHTML(page.Body, parseBase(page.URL, rawURL)); ok {
		return target, MethodHeadless, true
	}
	return "", "", false
}

func (r *Resolver) fetch(ctx context.Context, rawURL, method string, opts Options) (fetcher.Response, error) {
	var resp fetcher.Response
	err := r.retry.Do(ctx, rawURL, func(ctx context.Context) error {
		got, err := r.fetcher.Fetch(ctx, fetcher.Request{
			URL:     rawURL,
			Method:  method,
			Proxy:   opts.Proxy,
			Headers: opts.Headers,
		})
		resp = got
		return err
	})
	return resp, err
}

// pause waits d after a resolution has returned, so slow or retried
// resolutions are still followed by the full gap.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseBase(candidates ...string) *url.URL {
	for _, c := range candidates {
		if u, err := url.Parse(c); err == nil && u.Host != "" {
			return u
		}
	}
	return nil
}

// URLs returns the resolved URLs of results in order.
func URLs(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, res := range results {
		out = append(out, res.URL)
	}
	return out
}
