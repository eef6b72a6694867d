// Package store declares interfaces for persisting task history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("task record not found")

// TaskRunStatus mirrors the task_runs status column.
type TaskRunStatus string

// Task run statuses persisted in task_runs.status.
const (
	RunRunning   TaskRunStatus = "running"
	RunSuccess   TaskRunStatus = "success"
	RunError     TaskRunStatus = "error"
	RunCancelled TaskRunStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskRunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError, RunCancelled:
		return true
	}
	return false
}

// TaskRun models one row of task_runs.
type TaskRun struct {
	ID    string
	Type  string
	Title string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	Status     TaskRunStatus
	// ErrorMessage holds the one-line failure summary, if any.
	ErrorMessage *string
}

// EventCount aggregates how many events of one type a task emitted.
type EventCount struct {
	TaskID     string
	Type       string
	Count      int64
	LastUpdate time.Time
}

// TaskRepository persists finished and in-flight task runs.
type TaskRepository interface {
	// UpsertTaskStart inserts (or idempotently updates) a running row.
	UpsertTaskStart(ctx context.Context, run TaskRun) error
	// CompleteTask marks the run finished with the provided status and error.
	CompleteTask(ctx context.Context, taskID string, finishedAt time.Time, status TaskRunStatus, errMsg *string) error
	// AddEventCounts applies per-type event deltas for one task.
	AddEventCounts(ctx context.Context, taskID, eventType string, delta int64, at time.Time) error

	// GetTask loads a single run or returns ErrNotFound.
	GetTask(ctx context.Context, taskID string) (TaskRun, error)
	// ListTasks returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListTasks(ctx context.Context, status *TaskRunStatus, limit, offset int) ([]TaskRun, error)
	// ListEventCounts returns per-type event totals for one task.
	ListEventCounts(ctx context.Context, taskID string) ([]EventCount, error)
}
