package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a task.
type Status string

// Supported task states.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrNotQueued is returned when Run is called on a task that already ran.
	ErrNotQueued = errors.New("task is not queued")
	// ErrFinished is returned when cancelling a task that already finished.
	ErrFinished = errors.New("task already finished")
)

// Snapshot is the summary view of a task without its log or subscribers.
type Snapshot struct {
	ID         string
	Type       string
	Title      string
	Status     Status
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
	Meta       map[string]any
}

// MarshalJSON renders timestamps as epoch seconds, null when unset.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	meta := s.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Title      string         `json:"title"`
		Status     Status         `json:"status"`
		CreatedAt  float64        `json:"created_at"`
		StartedAt  *float64       `json:"started_at"`
		FinishedAt *float64       `json:"finished_at"`
		Error      *string        `json:"error"`
		Meta       map[string]any `json:"meta"`
	}{
		ID:         s.ID,
		Type:       s.Type,
		Title:      s.Title,
		Status:     s.Status,
		CreatedAt:  epochSeconds(s.CreatedAt),
		StartedAt:  epochPtr(s.StartedAt),
		FinishedAt: epochPtr(s.FinishedAt),
		Error:      s.Error,
		Meta:       meta,
	})
}

// Task is one tracked background operation. Its state is mutated only by the
// registry's runner; operations interact with it through Emit and SetMeta.
type Task struct {
	id    string
	typ   string
	title string

	clock     Clock
	observer  Observer
	logger    *zap.Logger
	subBuffer int

	mu         sync.Mutex
	status     Status
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
	errSummary *string
	meta       map[string]any
	log        *ring
	subs       map[*Subscription]struct{}
	finished   bool
	cancel     context.CancelFunc
	cancelReq  bool
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Type returns the task type tag.
func (t *Task) Type() string { return t.typ }

// Title returns the human readable title.
func (t *Task) Title() string { return t.title }

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot returns the summary fields.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Snapshot {
	meta := make(map[string]any, len(t.meta))
	for k, v := range t.meta {
		meta[k] = v
	}
	return Snapshot{
		ID:         t.id,
		Type:       t.typ,
		Title:      t.title,
		Status:     t.status,
		CreatedAt:  t.createdAt,
		StartedAt:  copyTime(t.startedAt),
		FinishedAt: copyTime(t.finishedAt),
		Error:      copyString(t.errSummary),
		Meta:       meta,
	}
}

// Events returns the buffered log in order.
func (t *Task) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.items()
}

// Emit appends an event to the log and pushes it to every subscriber without
// blocking. Events emitted after task.finished are discarded.
func (t *Task) Emit(eventType string, payload map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(eventType, payload)
}

func (t *Task) emitLocked(eventType string, payload map[string]any) {
	if t.finished {
		t.logger.Debug("discarding event after task.finished",
			zap.String("task_id", t.id),
			zap.String("event_type", eventType),
		)
		return
	}
	evt := Event{TS: t.clock.Now(), Type: eventType, Payload: copyPayload(payload)}
	if eventType == EventFinished {
		t.finished = true
	}
	t.log.push(evt)
	for sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
	if t.observer != nil {
		t.observer.Emit(Record{Task: t.snapshotLocked(), Event: evt})
	}
}

// SetMeta records a metadata value and emits a meta event carrying the full
// metadata map.
func (t *Task) SetMeta(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta[key] = value
	payload := make(map[string]any, len(t.meta))
	for k, v := range t.meta {
		payload[k] = v
	}
	t.emitLocked(EventMeta, payload)
}

// Phase emits a phase marker.
func (t *Task) Phase(name string) {
	t.Emit(EventPhase, map[string]any{"name": name})
}

// Subscribe atomically captures the current log for replay and registers a
// live channel with the given buffer size.
func (t *Task) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = t.subBuffer
	}
	sub := &Subscription{task: t, ch: make(chan Event, buffer)}
	t.mu.Lock()
	defer t.mu.Unlock()
	sub.Replay = t.log.items()
	t.subs[sub] = struct{}{}
	return sub
}

func (t *Task) unsubscribe(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[sub]; !ok {
		return
	}
	delete(t.subs, sub)
	close(sub.ch)
}

// Subscription is one live observer of a task log.
type Subscription struct {
	// Replay holds the log as it was when the subscription was registered.
	Replay []Event

	task    *Task
	ch      chan Event
	once    sync.Once
	dropped atomic.Int64
}

// Events returns the live channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscriber missed because its buffer
// was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.task.unsubscribe(s)
	})
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k == "ts" || k == "type" {
			continue
		}
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
