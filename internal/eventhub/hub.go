package eventhub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/task"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize bounds the records waiting for the batcher (default 4096).
	// Records beyond it are dropped.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many records
	// (default 1000).
	MaxBatchEvents int
	// MaxBatchWait is the longest a record waits in a partial batch
	// (default 500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (default 10s).
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

// Hub receives every record of every task through task.Observer and hands
// them to its sinks in batches on one background goroutine. Emit never
// blocks. A task.finished record closes the current batch immediately so
// history rows and notifications do not trail the task.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan task.Record
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	lastWarn atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub that forwards to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		in:     make(chan task.Record, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.run()
	return h
}

// Emit queues rec for the sinks. Invalid records and records arriving after
// Close are discarded.
func (h *Hub) Emit(rec task.Record) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := Validate(rec); err != nil {
		h.logger.Debug("discarding invalid task record", zap.Error(err))
		return
	}
	select {
	case h.in <- rec:
	default:
		h.noteDrop(rec)
	}
}

func (h *Hub) noteDrop(rec task.Record) {
	h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.lastWarn.Load()
	if now-last < dropWarnInterval.Nanoseconds() || !h.lastWarn.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("task records dropped due to backpressure",
		zap.Int64("dropped", h.dropped.Swap(0)),
		zap.String("task_id", rec.Task.ID),
		zap.String("event_type", rec.Event.Type),
	)
}

// Close stops intake, flushes what is queued, closes every sink, and waits
// for the batcher to exit or ctx to end. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	var (
		batch    []task.Record
		timer    *time.Timer
		deadline <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(batch) > 0 {
			h.deliver(batch)
			batch = nil
		}
	}

	for {
		select {
		case rec := <-h.in:
			batch = append(batch, rec)
			if len(batch) >= h.cfg.MaxBatchEvents || rec.Event.Type == task.EventFinished {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			timer, deadline = nil, nil
			flush()
		case <-h.stop:
			for drained := false; !drained; {
				select {
				case rec := <-h.in:
					batch = append(batch, rec)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to each sink in turn. Sinks share the slice and must
// not modify it.
func (h *Hub) deliver(batch []task.Record) {
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("event sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("records", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err),
			)
		}
	}
}
