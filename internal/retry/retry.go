// Package retry wraps fallible network calls with bounded, jittered retries and
// converts exhausted failures into a single boundary error type.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/metrics"
)

var (
	// ErrTransport classifies network-level failures and 5xx responses.
	ErrTransport = errors.New("transport error")
	// ErrClient classifies 4xx responses that retrying cannot fix.
	ErrClient = errors.New("client error")
)

// StatusError reports a non-2xx/3xx HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Error is returned by Policy.Do once the call has failed for good. Callers can
// use errors.Is with ErrTransport or ErrClient to inspect the class.
type Error struct {
	URL      string
	Attempts int
	Err      error
	class    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("request %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

// Unwrap exposes the last underlying failure.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the failure class sentinel.
func (e *Error) Is(target error) bool {
	return target == e.class
}

// Config tunes a Policy. Zero delays disable backoff entirely.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *zap.Logger
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Policy implements jittered exponential retry.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
}

// NewPolicy builds a policy from cfg.
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		logger:      logger,
	}
}

// MaxAttempts reports the configured attempt ceiling.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Do invokes fn until it succeeds, fails with a non-retryable error, or the
// attempt budget runs out. Cancellation of ctx is returned as ctx.Err() so the
// caller sees it unchanged.
func (p *Policy) Do(ctx context.Context, url string, fn func(ctx context.Context) error) error {
	var lastErr error
	attempt := 0
	for attempt < p.maxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				metrics.ObserveRetry("recovered")
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !Retryable(lastErr) || attempt >= p.maxAttempts {
			break
		}
		delay := p.Backoff(attempt - 1)
		p.logger.Debug("retrying request",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	metrics.ObserveRetry("exhausted")
	return &Error{URL: url, Attempts: attempt, Err: lastErr, class: classify(lastErr)}
}

// Retryable reports whether err may succeed on another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return classify(err) == ErrTransport
}

func classify(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500 {
			return ErrTransport
		}
		return ErrClient
	}
	return ErrTransport
}

// Backoff returns the wait duration before the next attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
