package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostlinkhq/hostlink/pkg/task"
)

const tasksLogPrefix = "db:tasks"

// TaskStore is the Postgres-backed task.Store implementation.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore over the given pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Create persists a new task record.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	slog.Debug(fmt.Sprintf("%s - Create id=%s type=%s", tasksLogPrefix, t.ID, t.ServiceType))

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $8)`,
		t.ID, t.SessionKey, t.TenantID, t.ServiceType, t.Payload, string(t.Status), t.RemoteTaskID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s - insert failed: %w", tasksLogPrefix, err)
	}
	return nil
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified
		 FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// UpdateStatus transitions a task under a row lock, validating the edge
// against the state machine.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, to task.Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin failed: %w", tasksLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s - select for update failed: %w", tasksLogPrefix, err)
	}

	if err := task.CheckTransition(task.Status(current), to); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status = $2, modified = $3 WHERE id = $1`,
		id, string(to), time.Now().UTC()); err != nil {
		return fmt.Errorf("%s - update failed: %w", tasksLogPrefix, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit failed: %w", tasksLogPrefix, err)
	}
	return nil
}

// Link sets the remote task id with a conditional update: a second call
// with the same value is a no-op, a different value is rejected.
func (s *TaskStore) Link(ctx context.Context, id, remoteTaskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET remote_task_id = $2, modified = $3
		 WHERE id = $1 AND (remote_task_id IS NULL OR remote_task_id = $2)`,
		id, remoteTaskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - link failed: %w", tasksLogPrefix, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the task is missing or it is linked elsewhere.
	var existing *string
	err = s.pool.QueryRow(ctx, `SELECT remote_task_id FROM tasks WHERE id = $1`, id).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s - link lookup failed: %w", tasksLogPrefix, err)
	}
	return fmt.Errorf("%w: task %s is linked to %s", task.ErrAlreadyLinked, id, *existing)
}

// ListByStatusOlderThan returns tasks in the given status whose last update
// precedes cutoff. Used by the pending-auth sweeper.
func (s *TaskStore) ListByStatusOlderThan(ctx context.Context, status task.Status, cutoff time.Time) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified
		 FROM tasks WHERE status = $1 AND modified < $2`, string(status), cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s - list failed: %w", tasksLogPrefix, err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetByRemoteTaskID finds the local task linked to a remote id.
func (s *TaskStore) GetByRemoteTaskID(ctx context.Context, remoteTaskID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified
		 FROM tasks WHERE remote_task_id = $1`, remoteTaskID)
	return scanTask(row)
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var status string
	var remoteTaskID *string
	err := row.Scan(&t.ID, &t.SessionKey, &t.TenantID, &t.ServiceType, &t.Payload,
		&status, &remoteTaskID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan failed: %w", tasksLogPrefix, err)
	}
	t.Status = task.Status(status)
	if remoteTaskID != nil {
		t.RemoteTaskID = *remoteTaskID
	}
	return &t, nil
}
