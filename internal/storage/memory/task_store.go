package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/taskhub/internal/store"
)

// TaskStore is an in-memory store.TaskRepository and store.SnapshotRepository.
type TaskStore struct {
	mu        sync.RWMutex
	runs      map[string]store.TaskRun
	counts    map[string]map[string]store.EventCount
	snapshots map[string][]store.SnapshotRecord
}

var (
	_ store.TaskRepository     = (*TaskStore)(nil)
	_ store.SnapshotRepository = (*TaskStore)(nil)
)

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		runs:      make(map[string]store.TaskRun),
		counts:    make(map[string]map[string]store.EventCount),
		snapshots: make(map[string][]store.SnapshotRecord),
	}
}

// UpsertTaskStart stores a running row unless the run already finished.
func (s *TaskStore) UpsertTaskStart(_ context.Context, run store.TaskRun) error {
	if run.ID == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.ID]; ok && existing.FinishedAt != nil {
		return nil
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.ErrorMessage = nil
	s.runs[run.ID] = run
	return nil
}

// CompleteTask marks the run finished, creating it when it never started.
func (s *TaskStore) CompleteTask(
	_ context.Context,
	taskID string,
	finishedAt time.Time,
	status store.TaskRunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		run = store.TaskRun{ID: taskID, StartedAt: finishedAt}
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[taskID] = run
	return nil
}

// AddEventCounts accumulates per-type event totals.
func (s *TaskStore) AddEventCounts(_ context.Context, taskID, eventType string, delta int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := s.counts[taskID]
	if byType == nil {
		byType = make(map[string]store.EventCount)
		s.counts[taskID] = byType
	}
	c := byType[eventType]
	c.TaskID = taskID
	c.Type = eventType
	c.Count += delta
	if at.After(c.LastUpdate) {
		c.LastUpdate = at
	}
	byType[eventType] = c
	return nil
}

// GetTask fetches a run by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.TaskRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListTasks returns runs newest first.
func (s *TaskStore) ListTasks(_ context.Context, status *store.TaskRunStatus, limit, offset int) ([]store.TaskRun, error) {
	s.mu.RLock()
	runs := make([]store.TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if offset >= len(runs) {
		return []store.TaskRun{}, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListEventCounts returns per-type totals ordered by type.
func (s *TaskStore) ListEventCounts(_ context.Context, taskID string) ([]store.EventCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.EventCount, 0, len(s.counts[taskID]))
	for _, c := range s.counts[taskID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// StoreSnapshot appends a snapshot row for a task.
func (s *TaskStore) StoreSnapshot(_ context.Context, record store.SnapshotRecord) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[record.TaskID] = append(s.snapshots[record.TaskID], record)
	return nil
}

// Snapshots returns the recorded snapshots for a task.
func (s *TaskStore) Snapshots(taskID string) []store.SnapshotRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SnapshotRecord, len(s.snapshots[taskID]))
	copy(out, s.snapshots[taskID])
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
