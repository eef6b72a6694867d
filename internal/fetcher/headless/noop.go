package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/taskhub/internal/fetcher"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless renderer not configured")

// Noop implements fetcher.Renderer but always fails, for deployments without
// a Chrome binary.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render returns ErrDisabled.
func (Noop) Render(_ context.Context, _ fetcher.Request) (fetcher.Response, error) {
	return fetcher.Response{}, ErrDisabled
}
