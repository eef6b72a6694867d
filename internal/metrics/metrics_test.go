package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if resolutionsTotal == nil || retriesTotal == nil ||
		httpRequestsTotal == nil || sessionLockWaitSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveResolution("https://v.douyin.com/abc", "html")
	if val := testutil.ToFloat64(resolutionsTotal.WithLabelValues("v.douyin.com", "html")); val != 1 {
		t.Errorf("Expected resolutionsTotal to be 1, got %f", val)
	}
}

func TestSubscriberGauge(t *testing.T) {
	IncSubscribers()
	IncSubscribers()
	DecSubscribers()
	if val := testutil.ToFloat64(sseSubscribers); val != 1 {
		t.Errorf("Expected one open stream, got %f", val)
	}
	DecSubscribers()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
