package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/task"
)

// Publisher delivers notification payloads to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the compact payload published when a task finishes.
type Notification struct {
	TaskID     string         `json:"task_id"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     string         `json:"status"`
	Error      *string        `json:"error"`
	Meta       map[string]any `json:"meta"`
	FinishedAt time.Time      `json:"finished_at"`
}

// NotifySink publishes a Notification for every task.finished record.
type NotifySink struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewNotifySink builds a NotifySink around publisher.
func NewNotifySink(publisher Publisher, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, logger: logger}
}

// Consume publishes one message per finished task in the batch.
func (s *NotifySink) Consume(ctx context.Context, batch []task.Record) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, rec := range batch {
		if rec.Event.Type != task.EventFinished {
			continue
		}
		n := Notification{
			TaskID:     rec.Task.ID,
			Type:       rec.Task.Type,
			Title:      rec.Task.Title,
			Status:     string(rec.Task.Status),
			Error:      rec.Task.Error,
			Meta:       rec.Task.Meta,
			FinishedAt: rec.Event.TS,
		}
		id, err := s.publisher.Publish(ctx, task.EventFinished, n)
		if err != nil {
			return fmt.Errorf("publish %s: %w", rec.Task.ID, err)
		}
		s.logger.Debug("task notification published", zap.String("task_id", rec.Task.ID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
