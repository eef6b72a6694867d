package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskhub/internal/store"
)

func newMockTaskStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewTaskStoreWithPool(mock, "")
	require.NoError(t, err)
	return s, mock
}

func TestUpsertTaskStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockTaskStore(t)
	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO task_runs").
		WithArgs("t1", "link.resolve", "Resolve links", started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertTaskStart(context.Background(), store.TaskRun{
		ID:        "t1",
		Type:      "link.resolve",
		Title:     "Resolve links",
		StartedAt: started,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, s.UpsertTaskStart(context.Background(), store.TaskRun{}))
}

func TestCompleteTask(t *testing.T) {
	t.Parallel()

	s, mock := newMockTaskStore(t)
	finished := time.Unix(1700000100, 0).UTC()
	msg := "no urls extracted"
	mock.ExpectExec("INSERT INTO task_runs").
		WithArgs("t1", finished, store.RunError, &msg).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CompleteTask(context.Background(), "t1", finished, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddEventCountsInsertsWhenMissing(t *testing.T) {
	t.Parallel()

	s, mock := newMockTaskStore(t)
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE task_runs_event_counts").
		WithArgs(int64(3), at, "t1", "progress.update").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO task_runs_event_counts").
		WithArgs("t1", "progress.update", int64(3), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AddEventCounts(context.Background(), "t1", "progress.update", 3, at))
	require.NoError(t, s.AddEventCounts(context.Background(), "t1", "progress.update", 0, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddEventCountsUpdatesExisting(t *testing.T) {
	t.Parallel()

	s, mock := newMockTaskStore(t)
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE task_runs_event_counts").
		WithArgs(int64(1), at, "t1", "meta").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.AddEventCounts(context.Background(), "t1", "meta", 1, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	s, mock := newMockTaskStore(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	rows := pgxmock.NewRows([]string{"id", "task_type", "title", "started_at", "finished_at", "status", "error_message"}).
		AddRow("t1", "page.snapshot", "Snapshot", started, &finished, store.RunSuccess, (*string)(nil))
	mock.ExpectQuery("(?s)SELECT .+ FROM task_runs").WithArgs("t1").WillReturnRows(rows)

	run, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "page.snapshot", run.Type)
	require.Equal(t, store.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)

	mock.ExpectQuery("(?s)SELECT .+ FROM task_runs").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err = s.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	mock.ExpectQuery("(?s)SELECT .+ FROM task_runs").WithArgs("boom").WillReturnError(errors.New("conn reset"))
	_, err = s.GetTask(context.Background(), "boom")
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	s, mock := newMockTaskStore(t)
	started := time.Unix(1700000000, 0).UTC()
	status := store.RunRunning
	rows := pgxmock.NewRows([]string{"id", "task_type", "title", "started_at", "finished_at", "status", "error_message"}).
		AddRow("t2", "link.resolve", "b", started.Add(time.Second), (*time.Time)(nil), store.RunRunning, (*string)(nil)).
		AddRow("t1", "link.resolve", "a", started, (*time.Time)(nil), store.RunRunning, (*string)(nil))
	mock.ExpectQuery("(?s)SELECT .+ FROM task_runs").WithArgs(&status, 10, 0).WillReturnRows(rows)

	runs, err := s.ListTasks(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "t2", runs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventCounts(t *testing.T) {
	t.Parallel()

	s, mock := newMockTaskStore(t)
	at := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"task_id", "event_type", "event_count", "last_update"}).
		AddRow("t1", "meta", int64(2), at).
		AddRow("t1", "task.created", int64(1), at)
	mock.ExpectQuery("(?s)SELECT .+ FROM task_runs_event_counts").WithArgs("t1").WillReturnRows(rows)

	counts, err := s.ListEventCounts(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, []store.EventCount{
		{TaskID: "t1", Type: "meta", Count: 2, LastUpdate: at},
		{TaskID: "t1", Type: "task.created", Count: 1, LastUpdate: at},
	}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewTaskStoreWithPool(mock, "runs; drop table x")
	require.Error(t, err)
	_, err = NewTaskStoreWithPool(nil, "")
	require.Error(t, err)
}
