package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/metrics"
	"github.com/JakeFAU/taskhub/internal/operations"
	"github.com/JakeFAU/taskhub/internal/resolver"
	"github.com/JakeFAU/taskhub/internal/task"
)

const (
	maxTitleRunes = 80
	maxBodyBytes  = 1 << 20
)

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.registry.List()})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Get(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, task.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Cancel(chi.URLParam(r, "task_id"))
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, task.ErrNotFound.Error())
	case errors.Is(err, task.ErrFinished):
		writeError(w, http.StatusConflict, task.ErrFinished.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

// submit creates a task of taskType from the request body and starts it.
func (s *Server) submit(taskType string, build func(operations.Request) task.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest(w, r)
		if !ok {
			return
		}
		t := s.registry.Create(taskType, titleFor(req.Text))
		if _, err := s.registry.Run(t, build(req)); err != nil && !errors.Is(err, task.ErrNotQueued) {
			s.logger.Error("start task failed", zap.String("task_id", t.ID()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start task")
			return
		}
		writeJSON(w, http.StatusAccepted, t.Snapshot())
	}
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	results, err := s.ops.ResolveText(r.Context(), req)
	switch {
	case errors.Is(err, operations.ErrNoURLs):
		writeJSON(w, http.StatusOK, map[string]any{"urls": []string{}})
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": resolver.URLs(results)})
}

// streamEvents replays the task log and then follows it live. A ping comment
// is written whenever the stream has been idle for the heartbeat interval.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Subscribe(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, task.ErrNotFound.Error())
		return
	}
	defer sub.Close()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	metrics.IncSubscribers()
	defer metrics.DecSubscribers()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, evt := range sub.Replay {
		if err := writeEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	idle := time.NewTimer(s.heartbeat)
	defer idle.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
		case <-idle.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
		idle.Reset(s.heartbeat)
	}
}

func writeEvent(w http.ResponseWriter, evt task.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (operations.Request, bool) {
	var req operations.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return req, false
	}
	return req, true
}

// titleFor keeps the first line of text, bounded in runes.
func titleFor(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return string(runes[:maxTitleRunes]) + "…"
}
