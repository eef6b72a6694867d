package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/taskhub/internal/clock/system"
)

// DefaultThrottle is the minimum spacing between pushed updates for one handle.
const DefaultThrottle = 200 * time.Millisecond

// Event types emitted by EventReporter.
const (
	EventAdd    = "progress.add"
	EventUpdate = "progress.update"
	EventRemove = "progress.remove"
)

// Handle identifies one counter registered with a Reporter.
type Handle string

// Reporter tracks measurable units of work inside a running operation.
type Reporter interface {
	Add(description string, total *int64, completed int64) Handle
	Update(h Handle, opts ...UpdateOption)
	Remove(h Handle)
}

// UpdateOption revises one field of a counter.
type UpdateOption func(*update)

type update struct {
	advance     int64
	completed   *int64
	total       *int64
	description *string
}

// Advance increments completed by n. It is ignored when Completed is also given.
func Advance(n int64) UpdateOption {
	return func(u *update) { u.advance += n }
}

// Completed overwrites the completed count.
func Completed(n int64) UpdateOption {
	return func(u *update) { u.completed = &n }
}

// Total revises the expected total.
func Total(n int64) UpdateOption {
	return func(u *update) { u.total = &n }
}

// Description revises the counter label.
func Description(s string) UpdateOption {
	return func(u *update) { u.description = &s }
}

// Int64 is a convenience for the optional total argument of Add.
func Int64(n int64) *int64 {
	return &n
}

// EmitFunc receives the structured events produced by EventReporter.
type EmitFunc func(eventType string, payload map[string]any)

// Clock abstracts time for throttling.
type Clock interface {
	Now() time.Time
}

// Option configures an EventReporter.
type Option func(*EventReporter)

// WithThrottle sets the per-handle emission window. Zero emits every update.
func WithThrottle(d time.Duration) Option {
	return func(r *EventReporter) {
		if d < 0 {
			d = 0
		}
		r.throttle = d
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(r *EventReporter) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithPrefix overrides the generated handle prefix.
func WithPrefix(prefix string) Option {
	return func(r *EventReporter) { r.prefix = prefix }
}

type counter struct {
	description string
	total       *int64
	completed   int64
	lastEmit    time.Time
}

// EventReporter turns counter changes into progress events. Internal state is
// updated on every call; only the pushed events are throttled.
type EventReporter struct {
	emit     EmitFunc
	throttle time.Duration
	clock    Clock
	prefix   string

	mu       sync.Mutex
	next     int
	counters map[Handle]*counter
}

// NewEventReporter builds a reporter that pushes events through emit.
func NewEventReporter(emit EmitFunc, opts ...Option) *EventReporter {
	r := &EventReporter{
		emit:     emit,
		throttle: DefaultThrottle,
		clock:    system.New(),
		prefix:   strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "-",
		next:     1,
		counters: make(map[Handle]*counter),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.emit == nil {
		r.emit = func(string, map[string]any) {}
	}
	return r
}

// Add registers a counter and emits progress.add.
func (r *EventReporter) Add(description string, total *int64, completed int64) Handle {
	r.mu.Lock()
	h := Handle(fmt.Sprintf("%s%d", r.prefix, r.next))
	r.next++
	c := &counter{
		description: description,
		total:       copyInt(total),
		completed:   completed,
		lastEmit:    r.clock.Now(),
	}
	r.counters[h] = c
	payload := c.payload(h)
	r.mu.Unlock()

	r.emit(EventAdd, payload)
	return h
}

// Update applies opts and emits progress.update when the handle is finished or
// the throttle window has elapsed. Unknown handles are ignored.
func (r *EventReporter) Update(h Handle, opts ...UpdateOption) {
	var u update
	for _, opt := range opts {
		opt(&u)
	}

	r.mu.Lock()
	c, ok := r.counters[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	if u.description != nil {
		c.description = *u.description
	}
	if u.total != nil {
		c.total = copyInt(u.total)
	}
	if u.completed != nil {
		c.completed = *u.completed
	} else {
		c.completed += u.advance
	}
	now := r.clock.Now()
	done := c.total != nil && c.completed >= *c.total
	if !done && r.throttle > 0 && now.Sub(c.lastEmit) < r.throttle {
		r.mu.Unlock()
		return
	}
	c.lastEmit = now
	payload := c.payload(h)
	r.mu.Unlock()

	r.emit(EventUpdate, payload)
}

// Remove frees the handle and emits progress.remove.
func (r *EventReporter) Remove(h Handle) {
	r.mu.Lock()
	_, ok := r.counters[h]
	delete(r.counters, h)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.emit(EventRemove, map[string]any{"task_id": string(h)})
}

// Snapshot reports the current state of a handle.
func (r *EventReporter) Snapshot(h Handle) (completed int64, total *int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[h]
	if !ok {
		return 0, nil, false
	}
	return c.completed, copyInt(c.total), true
}

func (c *counter) payload(h Handle) map[string]any {
	var total any
	if c.total != nil {
		total = *c.total
	}
	return map[string]any{
		"task_id":     string(h),
		"description": c.description,
		"total":       total,
		"completed":   c.completed,
	}
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// Noop discards all progress.
type Noop struct{}

// Add implements Reporter.
func (Noop) Add(string, *int64, int64) Handle { return "" }

// Update implements Reporter.
func (Noop) Update(Handle, ...UpdateOption) {}

// Remove implements Reporter.
func (Noop) Remove(Handle) {}

type ctxKey struct{}

// WithReporter returns a context carrying r.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	if r == nil {
		r = Noop{}
	}
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the reporter carried by ctx, or Noop.
func FromContext(ctx context.Context) Reporter {
	if ctx != nil {
		if r, ok := ctx.Value(ctxKey{}).(Reporter); ok {
			return r
		}
	}
	return Noop{}
}
