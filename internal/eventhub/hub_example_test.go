package eventhub

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/taskhub/internal/task"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []task.Record) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting a record and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(task.Record{
		Task:  task.Snapshot{ID: "00000000-0000-0000-0000-000000000001", Type: "link.resolve"},
		Event: task.Event{TS: time.Unix(0, 0), Type: task.EventStarted},
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records forwarded: %d\n", sink.total)
	// Output:
	// records forwarded: 1
}

// ExampleSink implements a custom Sink that counts failed tasks.
func ExampleSink() {
	var failures int
	capture := sinkFunc(func(_ context.Context, batch []task.Record) error {
		for _, rec := range batch {
			if rec.Event.Type == task.EventFinished && rec.Task.Status == task.StatusError {
				failures++
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(task.Record{
		Task:  task.Snapshot{ID: "00000000-0000-0000-0000-000000000002", Status: task.StatusError},
		Event: task.Event{TS: time.Unix(0, 0), Type: task.EventFinished},
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("failed tasks: %d\n", failures)
	// Output:
	// failed tasks: 1
}

type sinkFunc func(context.Context, []task.Record) error

func (f sinkFunc) Consume(ctx context.Context, batch []task.Record) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
