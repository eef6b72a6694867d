package store

import (
	"context"
	"net/http"
	"time"
)

// SnapshotRecord describes one stored page body produced by a snapshot task.
type SnapshotRecord struct {
	ID          string
	TaskID      string
	SourceURL   string
	URL         string
	Hash        string
	BlobURI     string
	Headers     http.Header
	StatusCode  int
	ContentType string
	Size        int64
	RetrievedAt time.Time
}

// SnapshotRepository persists snapshot metadata. The body itself lives in a
// blob store; only its location is recorded here.
type SnapshotRepository interface {
	StoreSnapshot(ctx context.Context, record SnapshotRecord) error
}
