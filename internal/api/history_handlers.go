package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	historyTimeout      = 3 * time.Second
)

// HistoryHandler exposes read-only archived task runs.
type HistoryHandler struct {
	repo    store.TaskRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo store.TaskRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListTasks handles GET /v1/history?status=&limit=&offset=. It returns
// {"tasks": [...]} newest first, 400 for invalid filters, 503 when no
// repository is configured, or 500 if the repository call fails.
func (h *HistoryHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.TaskRunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &val
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListTasks(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list task history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// GetTask handles GET /v1/history/{task_id}. It returns {"task": {...},
// "events": [...]} with per-type event totals, 404 when the repository reports
// store.ErrNotFound, 503 without a repository, or 500 otherwise.
func (h *HistoryHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get task history failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	counts, err := h.repo.ListEventCounts(ctx, taskID)
	if err != nil {
		h.logger.Error("list event counts failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task events")
		return
	}
	events := make([]eventCountDTO, 0, len(counts))
	for _, c := range counts {
		events = append(events, eventCountDTO{Type: c.Type, Count: c.Count, LastUpdate: c.LastUpdate})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":   toRunDTO(run),
		"events": events,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.TaskRunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success", "succeeded":
		return store.RunSuccess, nil
	case "error", "failed":
		return store.RunError, nil
	case "cancelled", "canceled":
		return store.RunCancelled, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTO(run store.TaskRun) runDTO {
	return runDTO{
		ID:         run.ID,
		Type:       run.Type,
		Title:      run.Title,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

type runDTO struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Title      string     `json:"title"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type eventCountDTO struct {
	Type       string    `json:"type"`
	Count      int64     `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}
