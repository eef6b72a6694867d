package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Patch("/v1/tasks/{task_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Put("/v1/tasks/{task_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPatch, "/v1/tasks/a", nil),
		httptest.NewRequest(http.MethodPatch, "/v1/tasks/b", nil),
		httptest.NewRequest(http.MethodPut, "/v1/tasks/c", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, 2.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "409")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPut, "202")), 1e-9)
	// Observations are keyed by route pattern, not by task id.
	require.Equal(t, 2, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareKeepsStreamsFlushable(t *testing.T) {
	Init()
	var flushable bool
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, flushable = w.(http.Flusher)
		w.(http.Flusher).Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/x/events", nil))
	require.True(t, flushable)
	require.True(t, rec.Flushed)
}
