package task

import (
	"encoding/json"
	"time"
)

// Lifecycle event types emitted by the runner.
const (
	EventCreated   = "task.created"
	EventStarted   = "task.started"
	EventSucceeded = "task.succeeded"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
	EventFinished  = "task.finished"
	EventMeta      = "meta"
	EventPhase     = "phase"
)

// Event is one immutable entry of a task log.
type Event struct {
	TS      time.Time
	Type    string
	Payload map[string]any
}

// MarshalJSON flattens the payload next to ts (epoch seconds) and type.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["ts"] = epochSeconds(e.TS)
	out["type"] = e.Type
	return json.Marshal(out)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func epochPtr(t *time.Time) *float64 {
	if t == nil {
		return nil
	}
	v := epochSeconds(*t)
	return &v
}

// Record pairs an event with the summary of its task at emission time. It is
// what observers such as the event hub receive.
type Record struct {
	Task  Snapshot
	Event Event
}

// Observer receives every event of every task. Emit must not block.
type Observer interface {
	Emit(rec Record)
}

// ring is a fixed-capacity FIFO that evicts the oldest entry when full.
type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(evt Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = evt
		r.size++
		return
	}
	r.buf[r.start] = evt
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []Event {
	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) last() (Event, bool) {
	if r.size == 0 {
		return Event{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}
