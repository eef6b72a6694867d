package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/taskhub/internal/store"
)

const defaultSnapshotTable = "page_snapshots"

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// SnapshotStore writes snapshot rows into Postgres.
type SnapshotStore struct {
	pool  execCloser
	table string
}

var _ store.SnapshotRepository = (*SnapshotStore)(nil)

// NewSnapshotStore creates a Postgres-backed SnapshotStore.
func NewSnapshotStore(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	table, err := tableName(cfg.Table, defaultSnapshotTable)
	if err != nil {
		return nil, err
	}
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: p, table: table}, nil
}

// NewSnapshotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSnapshotStoreWithPool(p execCloser, table string) (*SnapshotStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table, defaultSnapshotTable)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreSnapshot inserts a snapshot row.
func (s *SnapshotStore) StoreSnapshot(ctx context.Context, record store.SnapshotRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("snapshot store is not configured")
	}
	if record.ID == "" {
		return errors.New("record id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	task_id,
	source_url,
	page_url,
	content_hash,
	blob_uri,
	headers,
	status_code,
	content_type,
	size_bytes,
	retrieved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	args := []any{
		record.ID,
		record.TaskID,
		record.SourceURL,
		record.URL,
		record.Hash,
		record.BlobURI,
		headersJSON,
		record.StatusCode,
		record.ContentType,
		record.Size,
		record.RetrievedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
