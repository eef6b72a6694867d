// Package storage defines the blob store used for page snapshots. Concrete
// backends live in the memory, local, and gcs subpackages.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// BlobStore persists opaque objects and returns a URI describing where the
// object landed.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// SnapshotPath builds "<prefix>/<taskID>/<hash>.html" with empty segments
// skipped.
func SnapshotPath(prefix, taskID, hash string) string {
	parts := make([]string, 0, 3)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, taskID, hash+".html")
	return path.Join(parts...)
}
