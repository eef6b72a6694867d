package eventhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/task"
)

var _ task.Observer = (*Hub)(nil)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	rec := sampleRecord(task.EventStarted)
	hub.Emit(rec)
	hub.Emit(rec)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleRecord(task.EventStarted))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		in:     make(chan task.Record),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleRecord(task.EventStarted))
	hub.Emit(sampleRecord(task.EventMeta))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.dropped.Load(), "first drop is logged and reset, second is counted")
}

// TestHubFlushesOnTaskFinished checks completion is not held back by batching.
func TestHubFlushesOnTaskFinished(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleRecord(task.EventStarted))
	hub.Emit(sampleRecord(task.EventSucceeded))
	hub.Emit(sampleRecord(task.EventFinished))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 3
	}, time.Second, 5*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered records before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleRecord(task.EventFinished))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	// emits after close are ignored and Close stays idempotent
	hub.Emit(sampleRecord(task.EventFinished))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubDiscardsInvalidRecords(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(task.Record{})
	noType := sampleRecord("")
	hub.Emit(noType)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())

	require.Error(t, Validate(task.Record{Task: task.Snapshot{ID: "x"}, Event: task.Event{Type: "meta"}}))
	require.NoError(t, Validate(sampleRecord(task.EventMeta)))
}

// TestHubReceivesRegistryRecords wires the hub as the registry observer.
func TestHubReceivesRegistryRecords(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1000, MaxBatchWait: time.Minute}, sink)

	cfg := task.DefaultConfig()
	cfg.Observer = hub
	reg := task.NewRegistry(cfg)
	tk := reg.Create("link.resolve", "Resolve links")
	run, err := reg.Run(tk, func(context.Context, *task.Task) error { return nil })
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	require.NoError(t, err)

	require.NoError(t, hub.Close(context.Background()))
	var types []string
	for _, batch := range sink.Batches() {
		for _, rec := range batch {
			types = append(types, rec.Event.Type)
		}
	}
	require.Equal(t, []string{
		task.EventCreated,
		task.EventStarted,
		task.EventSucceeded,
		task.EventFinished,
	}, types)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]task.Record
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]task.Record{}}
}

func (s *stubSink) Consume(_ context.Context, batch []task.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]task.Record(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]task.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]task.Record, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]task.Record(nil), b...)
	}
	return out
}

func sampleRecord(eventType string) task.Record {
	return task.Record{
		Task:  task.Snapshot{ID: "task-1", Type: "link.resolve", Status: task.StatusRunning},
		Event: task.Event{TS: time.Now(), Type: eventType},
	}
}
