package eventhub

import (
	"context"
	"errors"

	"github.com/JakeFAU/taskhub/internal/task"
)

// Sink consumes batches of task records. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []task.Record) error
	Close(ctx context.Context) error
}

// Validate performs coarse validation on a record before it is queued.
func Validate(rec task.Record) error {
	if rec.Task.ID == "" {
		return errors.New("task id is required")
	}
	if rec.Event.Type == "" {
		return errors.New("event type is required")
	}
	if rec.Event.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}
