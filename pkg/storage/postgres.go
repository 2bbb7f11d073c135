package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aivillage/hub/pkg/types"
)

// schema is applied by Migrate. Idempotent on purpose so the hub and the
// migrate binary can both run it safely.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          BIGSERIAL PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks (agent_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at);

CREATE TABLE IF NOT EXISTS task_progress (
	id               BIGSERIAL PRIMARY KEY,
	task_id          BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	agent_id         TEXT NOT NULL,
	progress_percent DOUBLE PRECISION,
	message          TEXT NOT NULL DEFAULT '',
	data             JSONB,
	timestamp        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_progress_task ON task_progress (task_id, id);
CREATE INDEX IF NOT EXISTS idx_progress_agent ON task_progress (agent_id, id);

CREATE TABLE IF NOT EXISTS artifact_metadata (
	id           BIGSERIAL PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	task_id      BIGINT REFERENCES tasks(id) ON DELETE CASCADE,
	bucket       TEXT NOT NULL,
	object_path  TEXT NOT NULL UNIQUE,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	metadata     JSONB NOT NULL DEFAULT '{}',
	uploaded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_artifact_agent_task ON artifact_metadata (agent_id, task_id);
`

const taskColumns = "id, agent_id, title, description, status, metadata, created_at, updated_at"

// PostgresStore implements TaskBackend on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the relational store and verifies the
// connection with a ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w: %v", ErrUnavailable, err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateTask inserts a new pending task and returns its id
func (s *PostgresStore) CreateTask(ctx context.Context, task *types.Task) (int64, error) {
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}
	status := task.Status
	if status == "" {
		status = types.StatusPending
	}
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO tasks (agent_id, title, description, status, metadata)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		task.AgentID, task.Title, task.Description, status, meta,
	).Scan(&id)
	if err != nil {
		return 0, wrapPgErr("create task", err)
	}
	return id, nil
}

// GetTask fetches a task by id
func (s *PostgresStore) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, wrapPgErr("get task", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter plus the unpaginated total
func (s *PostgresStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, int, error) {
	where := " WHERE true"
	args := []any{}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	order := " ORDER BY created_at DESC, id DESC"
	if filter.Order == types.OrderAsc {
		order = " ORDER BY created_at ASC, id ASC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	paging := fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		paging += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := "SELECT " + taskColumns + ", count(*) OVER() FROM tasks" + where + order + paging
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapPgErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	total := 0
	for rows.Next() {
		task, n, err := scanTaskWithTotal(rows)
		if err != nil {
			return nil, 0, wrapPgErr("scan task", err)
		}
		total = n
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapPgErr("list tasks", err)
	}
	return tasks, total, nil
}

// UpdateTaskStatus transitions a task through the state machine, optionally
// rebinding the owning agent and merging metadata. The whole operation runs
// in one transaction with the row locked, so concurrent writers cannot
// interleave an illegal edge.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID int64, status types.Status, agentID string, merge *types.TaskMetadata) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr("begin", err)
	}
	defer tx.Rollback(ctx)

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if task.Status != status && !task.Status.CanTransitionTo(status) {
		return fmt.Errorf("task %d: %s -> %s: %w", taskID, task.Status, status, ErrConflict)
	}
	if merge != nil {
		task.Metadata.Merge(*merge)
	}
	if agentID == "" {
		agentID = task.AgentID
	}

	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE tasks SET status = $2, agent_id = $3, metadata = $4, updated_at = now() WHERE id = $1`,
		taskID, status, agentID, meta)
	if err != nil {
		return wrapPgErr("update task", err)
	}
	return tx.Commit(ctx)
}

// MergeTaskMetadata merges metadata keys without touching status. On a
// terminal task only the response fields may still change.
func (s *PostgresStore) MergeTaskMetadata(ctx context.Context, taskID int64, merge types.TaskMetadata) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr("begin", err)
	}
	defer tx.Rollback(ctx)

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() && !responseOnly(merge) {
		return fmt.Errorf("task %d is terminal: %w", taskID, ErrConflict)
	}
	task.Metadata.Merge(merge)

	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE tasks SET metadata = $2, updated_at = now() WHERE id = $1`, taskID, meta)
	if err != nil {
		return wrapPgErr("merge metadata", err)
	}
	return tx.Commit(ctx)
}

// ClaimNextPending atomically claims the oldest pending task owned by the
// agent. The inner select takes a row lock with SKIP LOCKED, so concurrent
// claimers never observe the same row; the task leaves pending before the
// lock is released.
func (s *PostgresStore) ClaimNextPending(ctx context.Context, agentID string) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = 'assigned', agent_id = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND agent_id = $1
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, agentID)

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPgErr("claim task", err)
	}
	return task, nil
}

// ResetStalled returns claimed but silent tasks to pending. Staleness is
// measured from the latest progress row, falling back to updated_at for
// tasks that never reported progress.
func (s *PostgresStore) ResetStalled(ctx context.Context, grace time.Duration) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		WITH stalled AS (
			SELECT t.id FROM tasks t
			WHERE t.status IN ('assigned', 'in_progress')
			  AND GREATEST(
			        t.updated_at,
			        COALESCE((SELECT max(p.timestamp) FROM task_progress p WHERE p.task_id = t.id), t.updated_at)
			      ) < now() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET status = 'pending', updated_at = now()
		WHERE id IN (SELECT id FROM stalled)
		RETURNING id`, grace.Seconds())
	if err != nil {
		return nil, wrapPgErr("reset stalled", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapPgErr("scan stalled id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendProgress inserts a progress row and returns its id
func (s *PostgresStore) AppendProgress(ctx context.Context, entry *types.ProgressEntry) (int64, error) {
	var data []byte
	if entry.Data != nil {
		var err error
		if data, err = json.Marshal(entry.Data); err != nil {
			return 0, fmt.Errorf("encode progress data: %w", err)
		}
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO task_progress (task_id, agent_id, progress_percent, message, data)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		entry.TaskID, entry.AgentID, entry.Percent, entry.Message, data,
	).Scan(&id)
	if err != nil {
		return 0, wrapPgErr("append progress", err)
	}
	return id, nil
}

// ListProgress returns progress rows for a task in append order
func (s *PostgresStore) ListProgress(ctx context.Context, taskID int64, sinceID int64, limit int) ([]*types.ProgressEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, agent_id, progress_percent, message, data, timestamp
		FROM task_progress
		WHERE task_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, taskID, sinceID, limit)
	if err != nil {
		return nil, wrapPgErr("list progress", err)
	}
	defer rows.Close()
	return scanProgress(rows)
}

// TailProgress returns the task's newest rows in append order, so a long
// history never pushes the terminal row out of the response.
func (s *PostgresStore) TailProgress(ctx context.Context, taskID int64, limit int) ([]*types.ProgressEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, agent_id, progress_percent, message, data, timestamp
		FROM (
			SELECT id, task_id, agent_id, progress_percent, message, data, timestamp
			FROM task_progress
			WHERE task_id = $1
			ORDER BY id DESC
			LIMIT $2
		) tail
		ORDER BY id ASC`, taskID, limit)
	if err != nil {
		return nil, wrapPgErr("tail progress", err)
	}
	defer rows.Close()
	return scanProgress(rows)
}

// LatestProgress returns the newest progress rows, optionally filtered by
// agent, newest first. Used by the live feed endpoints.
func (s *PostgresStore) LatestProgress(ctx context.Context, agentID string, limit int) ([]*types.ProgressEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, task_id, agent_id, progress_percent, message, data, timestamp
		FROM task_progress`
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = $1"
		args = append(args, agentID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPgErr("latest progress", err)
	}
	defer rows.Close()
	return scanProgress(rows)
}

// MaxProgressPercent returns the highest reported percent for a task, or
// nil when the task has no percent-bearing rows.
func (s *PostgresStore) MaxProgressPercent(ctx context.Context, taskID int64) (*float64, error) {
	var max *float64
	err := s.pool.QueryRow(ctx,
		`SELECT max(progress_percent) FROM task_progress WHERE task_id = $1`, taskID,
	).Scan(&max)
	if err != nil {
		return nil, wrapPgErr("max progress", err)
	}
	return max, nil
}

// RegisterArtifact inserts an artifact metadata row. The blob must already
// exist in the object store; the facade sequences the two writes.
func (s *PostgresStore) RegisterArtifact(ctx context.Context, a *types.Artifact) (int64, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode artifact metadata: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO artifact_metadata (agent_id, task_id, bucket, object_path, content_type, size_bytes, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.AgentID, a.TaskID, a.Bucket, a.ObjectPath, a.ContentType, a.SizeBytes, meta,
	).Scan(&id)
	if err != nil {
		return 0, wrapPgErr("register artifact", err)
	}
	return id, nil
}

// GetArtifact fetches an artifact metadata row by id
func (s *PostgresStore) GetArtifact(ctx context.Context, artifactID int64) (*types.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, task_id, bucket, object_path, content_type, size_bytes, metadata, uploaded_at
		FROM artifact_metadata WHERE id = $1`, artifactID)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("artifact %d: %w", artifactID, ErrNotFound)
	}
	if err != nil {
		return nil, wrapPgErr("get artifact", err)
	}
	return a, nil
}

// ListArtifacts returns artifact rows matching the filter, newest first
func (s *PostgresStore) ListArtifacts(ctx context.Context, filter types.ArtifactFilter) ([]*types.Artifact, error) {
	where := " WHERE true"
	args := []any{}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.TaskID != nil {
		args = append(args, *filter.TaskID)
		where += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if filter.Bucket != "" {
		args = append(args, filter.Bucket)
		where += fmt.Sprintf(" AND bucket = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, task_id, bucket, object_path, content_type, size_bytes, metadata, uploaded_at
		FROM artifact_metadata`+where+fmt.Sprintf(" ORDER BY uploaded_at DESC, id DESC LIMIT $%d", len(args)), args...)
	if err != nil {
		return nil, wrapPgErr("list artifacts", err)
	}
	defer rows.Close()

	var artifacts []*types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, wrapPgErr("scan artifact", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ListAgents returns the distinct agent ids seen across tasks
func (s *PostgresStore) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT agent_id FROM tasks ORDER BY agent_id`)
	if err != nil {
		return nil, wrapPgErr("list agents", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapPgErr("scan agent", err)
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// lockTask selects a task row FOR UPDATE inside tx
func lockTask(ctx context.Context, tx pgx.Tx, taskID int64) (*types.Task, error) {
	row := tx.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1 FOR UPDATE", taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, wrapPgErr("lock task", err)
	}
	return task, nil
}

// responseOnly reports whether a metadata merge touches nothing but the
// response fields, the only keys still writable on a terminal task.
func responseOnly(m types.TaskMetadata) bool {
	return m.AssignedAgentID == "" && m.Result == nil && len(m.Extra) == 0
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var task types.Task
	var meta []byte
	if err := row.Scan(&task.ID, &task.AgentID, &task.Title, &task.Description,
		&task.Status, &meta, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &task.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &task, nil
}

func scanTaskWithTotal(row pgx.Row) (*types.Task, int, error) {
	var task types.Task
	var meta []byte
	var total int
	if err := row.Scan(&task.ID, &task.AgentID, &task.Title, &task.Description,
		&task.Status, &meta, &task.CreatedAt, &task.UpdatedAt, &total); err != nil {
		return nil, 0, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &task.Metadata); err != nil {
			return nil, 0, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &task, total, nil
}

func scanProgress(rows pgx.Rows) ([]*types.ProgressEntry, error) {
	var entries []*types.ProgressEntry
	for rows.Next() {
		var e types.ProgressEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.Percent, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, wrapPgErr("scan progress", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode progress data: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func scanArtifact(row pgx.Row) (*types.Artifact, error) {
	var a types.Artifact
	var meta []byte
	if err := row.Scan(&a.ID, &a.AgentID, &a.TaskID, &a.Bucket, &a.ObjectPath,
		&a.ContentType, &a.SizeBytes, &meta, &a.UploadedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode artifact metadata: %w", err)
		}
	}
	return &a, nil
}

// wrapPgErr converts driver errors into the facade's error kinds
func wrapPgErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Detail)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, pgErr.Detail)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
