package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskhub/internal/store"
)

func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTaskStore()
	t0 := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.UpsertTaskStart(ctx, store.TaskRun{ID: "a", Type: "link.resolve", StartedAt: t0}))
	require.NoError(t, s.UpsertTaskStart(ctx, store.TaskRun{ID: "b", Type: "page.snapshot", StartedAt: t0.Add(time.Second)}))
	msg := "boom"
	require.NoError(t, s.CompleteTask(ctx, "a", t0.Add(2*time.Second), store.RunError, &msg))

	run, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, "boom", *run.ErrorMessage)
	require.NotNil(t, run.FinishedAt)

	// a late start must not reopen a finished run
	require.NoError(t, s.UpsertTaskStart(ctx, store.TaskRun{ID: "a", StartedAt: t0}))
	run, err = s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)

	_, err = s.GetTask(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Error(t, s.UpsertTaskStart(ctx, store.TaskRun{}))
}

func TestTaskStoreList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTaskStore()
	t0 := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.UpsertTaskStart(ctx, store.TaskRun{ID: id, StartedAt: t0.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, s.CompleteTask(ctx, "b", t0.Add(time.Minute), store.RunSuccess, nil))
	require.NoError(t, s.CompleteTask(ctx, "queued", t0.Add(time.Hour), store.RunCancelled, nil))

	runs, err := s.ListTasks(ctx, nil, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"queued", "c"}, []string{runs[0].ID, runs[1].ID})

	running := store.RunRunning
	runs, err = s.ListTasks(ctx, &running, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	runs, err = s.ListTasks(ctx, nil, 10, 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestTaskStoreCountsAndSnapshots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTaskStore()
	t0 := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.AddEventCounts(ctx, "a", "phase", 2, t0))
	require.NoError(t, s.AddEventCounts(ctx, "a", "phase", 1, t0.Add(time.Second)))
	require.NoError(t, s.AddEventCounts(ctx, "a", "meta", 1, t0))

	counts, err := s.ListEventCounts(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []store.EventCount{
		{TaskID: "a", Type: "meta", Count: 1, LastUpdate: t0},
		{TaskID: "a", Type: "phase", Count: 3, LastUpdate: t0.Add(time.Second)},
	}, counts)

	require.NoError(t, s.StoreSnapshot(ctx, store.SnapshotRecord{ID: "s1", TaskID: "a"}))
	require.Error(t, s.StoreSnapshot(ctx, store.SnapshotRecord{TaskID: "a"}))
	require.Len(t, s.Snapshots("a"), 1)
}
