package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/clock/system"
	"github.com/JakeFAU/taskhub/internal/id/uuid"
	"github.com/JakeFAU/taskhub/internal/progress"
)

const (
	defaultLogCapacity      = 2000
	defaultSubscriberBuffer = 200
	maxErrorSummary         = 512
)

// Clock abstracts time retrieval.
type Clock interface {
	Now() time.Time
}

// IDGenerator allocates task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Operation is the business body run under a task. The context carries the
// task's progress reporter and is cancelled by Registry.Cancel.
type Operation func(ctx context.Context, t *Task) error

// Config tunes a Registry.
//   - LogCapacity: events kept per task (default 2000).
//   - SubscriberBuffer: live channel size per subscriber (default 200).
//   - ProgressThrottle: per-handle progress window; zero emits every update.
//   - BaseContext: parent of every run context (default context.Background()).
type Config struct {
	LogCapacity      int
	SubscriberBuffer int
	ProgressThrottle time.Duration
	BaseContext      context.Context
	Clock            Clock
	IDs              IDGenerator
	Observer         Observer
	Logger           *zap.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LogCapacity:      defaultLogCapacity,
		SubscriberBuffer: defaultSubscriberBuffer,
		ProgressThrottle: progress.DefaultThrottle,
	}
}

// Registry creates, stores, and runs tasks. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
	order []*Task
	wg    sync.WaitGroup
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = defaultLogCapacity
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.ProgressThrottle < 0 {
		cfg.ProgressThrottle = 0
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		tasks:  make(map[string]*Task),
	}
}

// Create allocates a queued task and emits task.created.
func (r *Registry) Create(taskType, title string) *Task {
	id, err := r.cfg.IDs.NewID()
	if err != nil || id == "" {
		id = uuid.New().MustNewID()
	}
	t := &Task{
		id:        id,
		typ:       taskType,
		title:     title,
		clock:     r.cfg.Clock,
		observer:  r.cfg.Observer,
		logger:    r.logger,
		subBuffer: r.cfg.SubscriberBuffer,
		status:    StatusQueued,
		createdAt: r.cfg.Clock.Now(),
		meta:      make(map[string]any),
		log:       newRing(r.cfg.LogCapacity),
		subs:      make(map[*Subscription]struct{}),
	}
	r.mu.Lock()
	r.tasks[id] = t
	r.order = append(r.order, t)
	r.mu.Unlock()

	t.Emit(EventCreated, nil)
	r.logger.Debug("task created", zap.String("task_id", id), zap.String("task_type", taskType))
	return t
}

// Get returns the task for id.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// List returns snapshots, most recently created first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	tasks := append([]*Task(nil), r.order...)
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		out = append(out, tasks[i].Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Subscribe registers a live subscriber on the task with id.
func (r *Registry) Subscribe(id string) (*Subscription, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return t.Subscribe(r.cfg.SubscriberBuffer), nil
}

// Cancel requests cooperative cancellation of a running task. A task with no
// run attached yet is finished on the spot as cancelled, and a later Run on
// it fails with ErrNotQueued.
func (r *Registry) Cancel(id string) (Snapshot, error) {
	t, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	if t.status.IsTerminal() || t.finished {
		t.mu.Unlock()
		return t.Snapshot(), ErrFinished
	}
	t.cancelReq = true
	cancel := t.cancel
	if cancel == nil {
		now := t.clock.Now()
		t.status = StatusCancelled
		t.emitLocked(EventCancelled, nil)
		t.finishedAt = &now
		t.emitLocked(EventFinished, nil)
	}
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.logger.Info("task cancellation requested", zap.String("task_id", id))
	return t.Snapshot(), nil
}

// Wait blocks until every run started by the registry has returned or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}

// Run is the handle for one scheduled execution.
type Run struct {
	task *Task
	done chan struct{}
	err  error
}

// Task returns the task being run.
func (r *Run) Task() *Task { return r.task }

// Done is closed after task.finished has been emitted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run completes. It returns the terminal status and
// context.Canceled when the task was cancelled. Operation failures are not
// returned here; they are recorded on the task snapshot.
func (r *Run) Wait(ctx context.Context) (Status, error) {
	select {
	case <-r.done:
		return r.task.Status(), r.err
	case <-ctx.Done():
		return r.task.Status(), ctx.Err()
	}
}

// Run schedules op on its own goroutine.
func (r *Registry) Run(t *Task, op Operation) (*Run, error) {
	ctx, cancel := context.WithCancel(r.cfg.BaseContext)
	t.mu.Lock()
	if t.status != StatusQueued || t.cancel != nil {
		t.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotQueued, t.id, t.status)
	}
	t.cancel = cancel
	t.mu.Unlock()

	run := &Run{task: t, done: make(chan struct{})}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(run.done)
		defer cancel()
		run.err = r.execute(ctx, t, op)
	}()
	return run, nil
}

func (r *Registry) execute(ctx context.Context, t *Task, op Operation) (result error) {
	ctx, span := otel.Tracer("github.com/JakeFAU/taskhub/internal/task").Start(ctx, "task.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", t.id),
			attribute.String("task.type", t.typ),
		),
	)
	defer span.End()

	var opErr error
	defer func() {
		result = r.finish(ctx, t, opErr)
		if result != nil {
			span.SetStatus(codes.Error, "cancelled")
		} else if opErr != nil {
			span.RecordError(opErr)
			span.SetStatus(codes.Error, summarize(opErr))
		}
	}()

	t.mu.Lock()
	now := t.clock.Now()
	t.status = StatusRunning
	t.startedAt = &now
	t.emitLocked(EventStarted, nil)
	t.mu.Unlock()
	r.logger.Info("task started", zap.String("task_id", t.id), zap.String("task_type", t.typ))

	opErr = r.invoke(ctx, t, op)
	return nil
}

func (r *Registry) invoke(ctx context.Context, t *Task, op Operation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	reporter := progress.NewEventReporter(t.Emit,
		progress.WithThrottle(r.cfg.ProgressThrottle),
		progress.WithClock(r.cfg.Clock),
	)
	return op(progress.WithReporter(ctx, reporter), t)
}

// finish records the terminal status and always emits task.finished last.
func (r *Registry) finish(ctx context.Context, t *Task, opErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer func() {
		now := t.clock.Now()
		t.finishedAt = &now
		t.emitLocked(EventFinished, nil)
	}()

	cancelled := opErr != nil && errors.Is(opErr, context.Canceled) && (ctx.Err() != nil || t.cancelReq)
	switch {
	case opErr == nil:
		t.status = StatusSuccess
		t.emitLocked(EventSucceeded, nil)
		r.logger.Info("task succeeded", zap.String("task_id", t.id), zap.String("task_type", t.typ))
		return nil
	case cancelled:
		t.status = StatusCancelled
		t.emitLocked(EventCancelled, nil)
		r.logger.Info("task cancelled", zap.String("task_id", t.id), zap.String("task_type", t.typ))
		return context.Canceled
	default:
		summary := summarize(opErr)
		t.status = StatusError
		t.errSummary = &summary
		t.emitLocked(EventFailed, map[string]any{"error": summary})
		r.logger.Warn("task failed",
			zap.String("task_id", t.id),
			zap.String("task_type", t.typ),
			zap.String("error", summary),
		)
		return nil
	}
}

// summarize keeps the first line of err, bounded in length.
func summarize(err error) string {
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	if msg == "" {
		msg = fmt.Sprintf("%T", err)
	}
	if len(msg) > maxErrorSummary {
		cut := maxErrorSummary
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
