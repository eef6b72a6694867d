package postgres

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskhub/internal/store"
)

func TestStoreSnapshotInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewSnapshotStoreWithPool(mock, "")
	require.NoError(t, err)

	rec := store.SnapshotRecord{
		ID:          "snap-1",
		TaskID:      "task-1",
		SourceURL:   "https://v.douyin.com/abc",
		URL:         "https://www.douyin.com/video/1",
		Hash:        "abc123",
		BlobURI:     "memory://snapshots/task-1/abc123.html",
		Headers:     http.Header{"Content-Type": {"text/html"}},
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Size:        42,
		RetrievedAt: time.Unix(1700000000, 0).UTC(),
	}

	mock.ExpectExec("INSERT INTO page_snapshots").
		WithArgs(
			rec.ID,
			rec.TaskID,
			rec.SourceURL,
			rec.URL,
			rec.Hash,
			rec.BlobURI,
			[]byte(`{"Content-Type":["text/html"]}`),
			rec.StatusCode,
			rec.ContentType,
			rec.Size,
			rec.RetrievedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.StoreSnapshot(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSnapshotStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewSnapshotStoreWithPool(mock, "bad;table")
	require.Error(t, err)

	s, err := NewSnapshotStoreWithPool(mock, "snaps")
	require.NoError(t, err)
	require.Error(t, s.StoreSnapshot(context.Background(), store.SnapshotRecord{}))
}
