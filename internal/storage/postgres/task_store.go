// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/taskhub/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTaskTable = "task_runs"

// Config controls the Postgres connection pool shared by the stores here.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Connect opens a pgx pool from cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// TaskStore implements store.TaskRepository. Runs live in the configured
// table; per-type event counts live in "<table>_event_counts".
type TaskStore struct {
	pool   pool
	table  string
	counts string
}

var _ store.TaskRepository = (*TaskStore)(nil)

// NewTaskStore connects to Postgres and returns a TaskStore.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	table, err := tableName(cfg.Table, defaultTaskTable)
	if err != nil {
		return nil, err
	}
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newTaskStore(p, table), nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool, table string) (*TaskStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table, defaultTaskTable)
	if err != nil {
		return nil, err
	}
	return newTaskStore(p, table), nil
}

func newTaskStore(p pool, table string) *TaskStore {
	return &TaskStore{pool: p, table: table, counts: table + "_event_counts"}
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertTaskStart inserts a running row, leaving finished rows untouched.
func (s *TaskStore) UpsertTaskStart(ctx context.Context, run store.TaskRun) error {
	if run.ID == "" {
		return errors.New("task id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, task_type, title, started_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET started_at = EXCLUDED.started_at
WHERE %s.finished_at IS NULL`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, query, run.ID, run.Type, run.Title, run.StartedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert task start: %w", err)
	}
	return nil
}

// CompleteTask records the terminal status of a run. A run that never
// started (cancelled while queued) gets a row whose started_at equals
// finishedAt.
func (s *TaskStore) CompleteTask(
	ctx context.Context,
	taskID string,
	finishedAt time.Time,
	status store.TaskRunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, task_type, title, started_at, finished_at, status, error_message)
VALUES ($1, '', '', $2, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET finished_at = EXCLUDED.finished_at, status = EXCLUDED.status, error_message = EXCLUDED.error_message`, s.table)
	if _, err := s.pool.Exec(ctx, query, taskID, finishedAt, status, errMsg); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// AddEventCounts adds delta to the (task, type) counter.
func (s *TaskStore) AddEventCounts(ctx context.Context, taskID, eventType string, delta int64, at time.Time) error {
	if delta == 0 {
		return nil
	}
	query := fmt.Sprintf(`
UPDATE %s SET event_count = event_count + $1, last_update = $2
WHERE task_id = $3 AND event_type = $4`, s.counts)
	res, err := s.pool.Exec(ctx, query, delta, at, taskID, eventType)
	if err != nil {
		return fmt.Errorf("update event counts: %w", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}
	query = fmt.Sprintf(`
INSERT INTO %s (task_id, event_type, event_count, last_update)
VALUES ($1, $2, $3, $4)
ON CONFLICT (task_id, event_type) DO UPDATE
SET event_count = %s.event_count + EXCLUDED.event_count, last_update = EXCLUDED.last_update`, s.counts, s.counts)
	if _, err := s.pool.Exec(ctx, query, taskID, eventType, delta, at); err != nil {
		return fmt.Errorf("insert event counts: %w", err)
	}
	return nil
}

// GetTask retrieves a single run by id.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT id, task_type, title, started_at, finished_at, status, error_message
FROM %s
WHERE id = $1`, s.table)
	var run store.TaskRun
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&run.ID,
		&run.Type,
		&run.Title,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRun{}, store.ErrNotFound
		}
		return store.TaskRun{}, fmt.Errorf("get task: %w", err)
	}
	return run, nil
}

// ListTasks retrieves runs newest first, optionally filtered by status.
func (s *TaskStore) ListTasks(
	ctx context.Context,
	status *store.TaskRunStatus,
	limit,
	offset int,
) ([]store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT id, task_type, title, started_at, finished_at, status, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	runs := []store.TaskRun{}
	for rows.Next() {
		var run store.TaskRun
		if err := rows.Scan(
			&run.ID,
			&run.Type,
			&run.Title,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return runs, nil
}

// ListEventCounts returns per-type totals for one task.
func (s *TaskStore) ListEventCounts(ctx context.Context, taskID string) ([]store.EventCount, error) {
	query := fmt.Sprintf(`
SELECT task_id, event_type, event_count, last_update
FROM %s
WHERE task_id = $1
ORDER BY event_type`, s.counts)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list event counts: %w", err)
	}
	defer rows.Close()

	counts := []store.EventCount{}
	for rows.Next() {
		var c store.EventCount
		if err := rows.Scan(&c.TaskID, &c.Type, &c.Count, &c.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan event count row: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event count rows: %w", err)
	}
	return counts, nil
}
