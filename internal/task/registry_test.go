package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskhub/internal/progress"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%d", s.n.Add(1)), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type captureObserver struct {
	mu      sync.Mutex
	records []Record
}

func (o *captureObserver) Emit(rec Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

func (o *captureObserver) Types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, rec.Event.Type)
	}
	return out
}

func newTestRegistry(t *testing.T, mutate func(*Config)) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Clock = &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg.IDs = &seqIDs{}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRegistry(cfg)
}

func eventTypes(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func runAndWait(t *testing.T, reg *Registry, tk *Task, op Operation) (Status, error) {
	t.Helper()
	run, err := reg.Run(tk, op)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return run.Wait(ctx)
}

func TestEndToEndEventOrder(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("link.resolve", "resolve links")
	sub, err := reg.Subscribe(tk.ID())
	require.NoError(t, err)
	defer sub.Close()

	status, err := runAndWait(t, reg, tk, func(_ context.Context, tk *Task) error {
		tk.Emit("x", nil)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)

	got := eventTypes(sub.Replay)
	for len(got) < 5 {
		select {
		case evt := <-sub.Events():
			got = append(got, evt.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	require.Equal(t, []string{EventCreated, EventStarted, "x", EventSucceeded, EventFinished}, got)
}

func TestRunStatusSequences(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name       string
		op         Operation
		wantStatus Status
		wantErr    error
		wantEvent  string
		wantError  string
	}{
		{
			name:       "success",
			op:         func(context.Context, *Task) error { return nil },
			wantStatus: StatusSuccess,
			wantEvent:  EventSucceeded,
		},
		{
			name:       "returned error",
			op:         func(context.Context, *Task) error { return fmt.Errorf("resolve: %w", boom) },
			wantStatus: StatusError,
			wantEvent:  EventFailed,
			wantError:  "resolve: boom",
		},
		{
			name:       "panic",
			op:         func(context.Context, *Task) error { panic("kaboom") },
			wantStatus: StatusError,
			wantEvent:  EventFailed,
			wantError:  "panic: kaboom",
		},
		{
			name: "failure inside cleanup",
			op: func(context.Context, *Task) (err error) {
				defer func() {
					panic("cleanup failed")
				}()
				return nil
			},
			wantStatus: StatusError,
			wantEvent:  EventFailed,
			wantError:  "panic: cleanup failed",
		},
		{
			name: "cancelled",
			op: func(ctx context.Context, _ *Task) error {
				return context.Canceled
			},
			wantStatus: StatusCancelled,
			wantErr:    context.Canceled,
			wantEvent:  EventCancelled,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			reg := newTestRegistry(t, nil)
			tk := reg.Create("test", tc.name)
			op := tc.op
			if tc.wantStatus == StatusCancelled {
				op = func(ctx context.Context, _ *Task) error {
					if _, err := reg.Cancel(tk.ID()); err != nil {
						return err
					}
					<-ctx.Done()
					return tc.op(ctx, nil)
				}
			}
			status, err := runAndWait(t, reg, tk, op)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.wantStatus, status)

			types := eventTypes(tk.Events())
			require.Equal(t, []string{EventCreated, EventStarted, tc.wantEvent, EventFinished}, types)

			snap := tk.Snapshot()
			require.NotNil(t, snap.StartedAt)
			require.NotNil(t, snap.FinishedAt)
			if tc.wantError != "" {
				require.NotNil(t, snap.Error)
				require.Equal(t, tc.wantError, *snap.Error)
				failed := tk.Events()[2]
				require.Equal(t, tc.wantError, failed.Payload["error"])
			} else {
				require.Nil(t, snap.Error)
			}
		})
	}
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("test", "blocking")
	started := make(chan struct{})
	run, err := reg.Run(tk, func(ctx context.Context, _ *Task) error {
		close(started)
		<-ctx.Done()
		return fmt.Errorf("waiting: %w", ctx.Err())
	})
	require.NoError(t, err)
	<-started

	snap, err := reg.Cancel(tk.ID())
	require.NoError(t, err)
	require.Equal(t, tk.ID(), snap.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := run.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusCancelled, status)

	last := tk.Events()[len(tk.Events())-1]
	require.Equal(t, EventFinished, last.Type)

	_, err = reg.Cancel(tk.ID())
	require.ErrorIs(t, err, ErrFinished)
}

func TestCancelQueuedTaskFinishesImmediately(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("test", "never started")

	snap, err := reg.Cancel(tk.ID())
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, snap.Status)
	require.NotNil(t, snap.FinishedAt)
	require.Nil(t, snap.StartedAt)
	require.Equal(t, []string{EventCreated, EventCancelled, EventFinished}, eventTypes(tk.Events()))

	_, err = reg.Run(tk, func(context.Context, *Task) error { return nil })
	require.ErrorIs(t, err, ErrNotQueued)
	_, err = reg.Cancel(tk.ID())
	require.ErrorIs(t, err, ErrFinished)
}

func TestEventLogIsBounded(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("test", "bounded")
	for i := 1; i <= 2001; i++ {
		tk.Emit("tick", map[string]any{"n": i})
	}

	events := tk.Events()
	require.Len(t, events, 2000)
	require.Equal(t, 2, events[0].Payload["n"])
	require.Equal(t, 2001, events[len(events)-1].Payload["n"])
	for i := 1; i < len(events); i++ {
		require.Equal(t, events[i-1].Payload["n"].(int)+1, events[i].Payload["n"])
	}
}

func TestSaturatedSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("test", "fanout")
	slow := tk.Subscribe(1)
	defer slow.Close()
	fast := tk.Subscribe(1000)
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			tk.Emit("tick", map[string]any{"n": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a saturated subscriber")
	}

	require.Len(t, fast.Events(), 500)
	require.Equal(t, int64(499), slow.Dropped())
	require.Zero(t, fast.Dropped())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("test", "close")
	sub := tk.Subscribe(0)
	require.Len(t, sub.Replay, 1)
	sub.Close()
	sub.Close()
	_, ok := <-sub.Events()
	require.False(t, ok)

	tk.Emit("after-close", nil)
}

func TestEmitAfterFinishedIsDiscarded(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("test", "late")
	var leaked *Task
	_, err := runAndWait(t, reg, tk, func(_ context.Context, tk *Task) error {
		leaked = tk
		return nil
	})
	require.NoError(t, err)
	leaked.Emit("late", nil)

	events := tk.Events()
	require.Equal(t, EventFinished, events[len(events)-1].Type)
}

func TestRunTwiceFails(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("test", "twice")
	_, err := runAndWait(t, reg, tk, func(context.Context, *Task) error { return nil })
	require.NoError(t, err)
	_, err = reg.Run(tk, func(context.Context, *Task) error { return nil })
	require.ErrorIs(t, err, ErrNotQueued)
}

func TestGetAndList(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	first := reg.Create("a", "first")
	second := reg.Create("b", "second")

	got, err := reg.Get(first.ID())
	require.NoError(t, err)
	require.Same(t, first, got)

	_, err = reg.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Subscribe("missing")
	require.ErrorIs(t, err, ErrNotFound)

	list := reg.List()
	require.Len(t, list, 2)
	require.Equal(t, second.ID(), list[0].ID)
	require.Equal(t, first.ID(), list[1].ID)
	require.Equal(t, StatusQueued, list[0].Status)
}

func TestCreateSurvivesIDFailure(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, func(cfg *Config) { cfg.IDs = failingIDs{} })
	a := reg.Create("a", "a")
	b := reg.Create("b", "b")
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
}

func TestProgressReporterIsOnContext(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, func(cfg *Config) { cfg.ProgressThrottle = 0 })
	tk := reg.Create("test", "progress")
	_, err := runAndWait(t, reg, tk, func(ctx context.Context, _ *Task) error {
		reporter := progress.FromContext(ctx)
		h := reporter.Add("urls", progress.Int64(2), 0)
		reporter.Update(h, progress.Advance(1))
		reporter.Update(h, progress.Advance(1))
		reporter.Remove(h)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		EventCreated, EventStarted,
		progress.EventAdd, progress.EventUpdate, progress.EventUpdate, progress.EventRemove,
		EventSucceeded, EventFinished,
	}, eventTypes(tk.Events()))
}

func TestObserverSeesEveryEvent(t *testing.T) {
	t.Parallel()

	obs := &captureObserver{}
	reg := newTestRegistry(t, func(cfg *Config) { cfg.Observer = obs })
	tk := reg.Create("test", "observed")
	_, err := runAndWait(t, reg, tk, func(_ context.Context, tk *Task) error {
		tk.SetMeta("urls_count", 2)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{EventCreated, EventStarted, EventMeta, EventSucceeded, EventFinished}, obs.Types())

	obs.mu.Lock()
	last := obs.records[len(obs.records)-1]
	obs.mu.Unlock()
	require.Equal(t, StatusSuccess, last.Task.Status)
	require.Equal(t, 2, last.Task.Meta["urls_count"])
}

func TestSnapshotJSONShape(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	tk := reg.Create("link.resolve", "title")
	raw, err := json.Marshal(tk.Snapshot())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"id", "type", "title", "status", "created_at", "started_at", "finished_at", "error", "meta"} {
		require.Contains(t, decoded, key)
	}
	require.Nil(t, decoded["started_at"])
	require.Equal(t, "queued", decoded["status"])
	require.InDelta(t, 1_700_000_000.001, decoded["created_at"], 1e-3)
}

func TestEventJSONFlattensPayload(t *testing.T) {
	t.Parallel()

	evt := Event{
		TS:      time.Unix(1_700_000_000, 500_000_000),
		Type:    EventFailed,
		Payload: map[string]any{"error": "boom"},
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	require.JSONEq(t, `{"ts": 1700000000.5, "type": "task.failed", "error": "boom"}`, string(raw))
}

func TestSummarizeKeepsFirstLine(t *testing.T) {
	t.Parallel()

	require.Equal(t, "first", summarize(errors.New("first\n\tat frame 1\n\tat frame 2")))
	long := summarize(errors.New(strings.Repeat("界", 400)))
	require.LessOrEqual(t, len(long), maxErrorSummary)
	require.True(t, strings.HasPrefix(long, "界"))
}
