package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/store"
	"github.com/JakeFAU/taskhub/internal/task"
)

// StoreSink persists task history via a store.TaskRepository. Event counts are
// collapsed per (task, type) within a batch to reduce write amplification.
type StoreSink struct {
	repo   store.TaskRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.TaskRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes lifecycle rows and event-count deltas. It respects ctx
// deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []task.Record) error {
	if s == nil || s.repo == nil {
		return nil
	}
	counts := make(map[countKey]*countDelta)
	var order []countKey

	for _, rec := range batch {
		if err := s.handleLifecycle(ctx, rec); err != nil {
			return err
		}
		key := countKey{taskID: rec.Task.ID, eventType: rec.Event.Type}
		delta := counts[key]
		if delta == nil {
			delta = &countDelta{}
			counts[key] = delta
			order = append(order, key)
		}
		delta.n++
		if rec.Event.TS.After(delta.at) {
			delta.at = rec.Event.TS
		}
	}

	for _, key := range order {
		delta := counts[key]
		if err := s.repo.AddEventCounts(ctx, key.taskID, key.eventType, delta.n, delta.at); err != nil {
			return fmt.Errorf("add event counts: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleLifecycle(ctx context.Context, rec task.Record) error {
	switch rec.Event.Type {
	case task.EventStarted:
		started := rec.Event.TS
		if rec.Task.StartedAt != nil {
			started = *rec.Task.StartedAt
		}
		if err := s.repo.UpsertTaskStart(ctx, store.TaskRun{
			ID:        rec.Task.ID,
			Type:      rec.Task.Type,
			Title:     rec.Task.Title,
			StartedAt: started,
		}); err != nil {
			return fmt.Errorf("upsert task start: %w", err)
		}
	case task.EventFinished:
		finished := rec.Event.TS
		if rec.Task.FinishedAt != nil {
			finished = *rec.Task.FinishedAt
		}
		if err := s.repo.CompleteTask(ctx, rec.Task.ID, finished, runStatus(rec.Task.Status), rec.Task.Error); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
	}
	return nil
}

func runStatus(s task.Status) store.TaskRunStatus {
	switch s {
	case task.StatusSuccess:
		return store.RunSuccess
	case task.StatusError:
		return store.RunError
	case task.StatusCancelled:
		return store.RunCancelled
	default:
		return store.RunRunning
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type countKey struct {
	taskID    string
	eventType string
}

type countDelta struct {
	n  int64
	at time.Time
}
