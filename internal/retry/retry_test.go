package retry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) *Policy {
	return NewPolicy(Config{MaxAttempts: attempts})
}

func TestDoRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := fastPolicy(3).Do(context.Background(), "https://example.com", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestDoRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := fastPolicy(4).Do(context.Background(), "https://example.com/x", func(context.Context) error {
		calls.Add(1)
		return &StatusError{Code: http.StatusBadGateway}
	})
	require.Error(t, err)
	require.Equal(t, int32(4), calls.Load())

	var boundary *Error
	require.ErrorAs(t, err, &boundary)
	require.Equal(t, "https://example.com/x", boundary.URL)
	require.Equal(t, 4, boundary.Attempts)
	require.ErrorIs(t, err, ErrTransport)
	require.NotErrorIs(t, err, ErrClient)
}

func TestDoNeverRetriesClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := fastPolicy(5).Do(context.Background(), "https://example.com/missing", func(context.Context) error {
		calls.Add(1)
		return &StatusError{Code: http.StatusNotFound}
	})
	require.Equal(t, int32(1), calls.Load())
	require.ErrorIs(t, err, ErrClient)

	var boundary *Error
	require.ErrorAs(t, err, &boundary)
	require.Equal(t, 1, boundary.Attempts)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusNotFound, status.Code)
}

func TestDoTreatsTooManyRequestsAsRetryable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := fastPolicy(2).Do(context.Background(), "https://example.com", func(context.Context) error {
		calls.Add(1)
		return &StatusError{Code: http.StatusTooManyRequests}
	})
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, int32(2), calls.Load())
}

func TestDoReturnsCancellationUnchanged(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := NewPolicy(Config{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: time.Minute})
	var calls atomic.Int32
	err := policy.Do(ctx, "https://example.com", func(context.Context) error {
		calls.Add(1)
		cancel()
		return errors.New("boom")
	})
	require.ErrorIs(t, err, context.Canceled)
	var boundary *Error
	require.False(t, errors.As(err, &boundary))
	require.Equal(t, int32(1), calls.Load())
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()

	policy := NewPolicy(Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})
	for attempt := 0; attempt < 6; attempt++ {
		d := policy.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.Zero(t, fastPolicy(3).Backoff(2))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, Retryable(nil))
	require.False(t, Retryable(context.Canceled))
	require.True(t, Retryable(context.DeadlineExceeded))
	require.True(t, Retryable(&StatusError{Code: 503}))
	require.False(t, Retryable(&StatusError{Code: 403}))
}
