package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/taskhub/internal/task"
)

// PrometheusSink exports task lifecycle metrics. It owns all collectors for
// tasks started/completed/running and per-type event counters.
type PrometheusSink struct {
	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec
	events         *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_tasks_started_total",
			Help: "Total tasks that have started, by type.",
		}, []string{"type"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_tasks_completed_total",
			Help: "Total tasks finished, by type and terminal status.",
		}, []string{"type", "status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskhub_tasks_running",
			Help: "Current number of running tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskhub_task_runtime_seconds",
			Help:    "Wall time from start to finish per task.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"type", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_task_events_total",
			Help: "Task events emitted, by event type.",
		}, []string{"event"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskRuntime,
		s.events,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register task collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []task.Record) error {
	for _, rec := range batch {
		s.consume(rec)
	}
	return nil
}

func (s *PrometheusSink) consume(rec task.Record) {
	s.events.WithLabelValues(rec.Event.Type).Inc()
	switch rec.Event.Type {
	case task.EventStarted:
		s.tasksStarted.WithLabelValues(rec.Task.Type).Inc()
		if s.tracker.start(rec.Task.ID) {
			s.tasksRunning.Inc()
		}
	case task.EventFinished:
		status := string(rec.Task.Status)
		s.tasksCompleted.WithLabelValues(rec.Task.Type, status).Inc()
		if rec.Task.StartedAt != nil && rec.Task.FinishedAt != nil {
			if d := rec.Task.FinishedAt.Sub(*rec.Task.StartedAt); d >= 0 {
				s.taskRuntime.WithLabelValues(rec.Task.Type, status).Observe(d.Seconds())
			}
		}
		if s.tracker.complete(rec.Task.ID) {
			s.tasksRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
