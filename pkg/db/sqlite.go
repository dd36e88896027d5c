package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hostlinkhq/hostlink/pkg/auth"
	"github.com/hostlinkhq/hostlink/pkg/session"
	"github.com/hostlinkhq/hostlink/pkg/task"
)

const sqliteLogPrefix = "db:sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    session_key    TEXT NOT NULL,
    tenant_id      TEXT NOT NULL DEFAULT '',
    service_type   TEXT NOT NULL,
    payload        TEXT NOT NULL,
    status         TEXT NOT NULL,
    remote_task_id TEXT,
    created        TIMESTAMP NOT NULL,
    modified       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_remote_task_id ON tasks (remote_task_id);

CREATE TABLE IF NOT EXISTS sessions (
    key           TEXT PRIMARY KEY,
    state         TEXT NOT NULL DEFAULT '{}',
    access_token  TEXT,
    token_type    TEXT,
    token_expiry  TIMESTAMP,
    created       TIMESTAMP NOT NULL,
    modified      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_requests (
    correlation_id TEXT PRIMARY KEY,
    task_id        TEXT NOT NULL,
    session_key    TEXT NOT NULL,
    consumed       INTEGER NOT NULL DEFAULT 0,
    created        TIMESTAMP NOT NULL
);
`

// SQLite bundles single-file implementations of all three durable stores.
// Used for single-binary and development deployments; Postgres is the
// production driver.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	slog.Info(fmt.Sprintf("%s - Opening database at %s", sqliteLogPrefix, path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open %s: %w", sqliteLogPrefix, path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s - failed to apply schema: %w", sqliteLogPrefix, err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Tasks returns the task.Store view.
func (s *SQLite) Tasks() task.Store { return &sqliteTaskStore{db: s.db} }

// Sessions returns the session.Store view.
func (s *SQLite) Sessions() session.Store { return &sqliteSessionStore{db: s.db} }

// AuthRequests returns the auth.RequestStore view.
func (s *SQLite) AuthRequests() auth.RequestStore { return &sqliteAuthRequestStore{db: s.db} }

type sqliteTaskStore struct {
	db *sql.DB
}

func (s *sqliteTaskStore) Create(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		t.ID, t.SessionKey, t.TenantID, t.ServiceType, t.Payload, string(t.Status), t.RemoteTaskID, t.CreatedAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s - insert task failed: %w", sqliteLogPrefix, err)
	}
	return nil
}

func (s *sqliteTaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified
		 FROM tasks WHERE id = ?`, id)
	return scanSQLiteTask(row)
}

func (s *sqliteTaskStore) UpdateStatus(ctx context.Context, id string, to task.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s - begin failed: %w", sqliteLogPrefix, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s - status lookup failed: %w", sqliteLogPrefix, err)
	}

	if err := task.CheckTransition(task.Status(current), to); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, modified = ? WHERE id = ?`,
		string(to), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("%s - status update failed: %w", sqliteLogPrefix, err)
	}
	return tx.Commit()
}

func (s *sqliteTaskStore) Link(ctx context.Context, id, remoteTaskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET remote_task_id = ?, modified = ?
		 WHERE id = ? AND (remote_task_id IS NULL OR remote_task_id = ?)`,
		remoteTaskID, time.Now().UTC(), id, remoteTaskID)
	if err != nil {
		return fmt.Errorf("%s - link failed: %w", sqliteLogPrefix, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT remote_task_id FROM tasks WHERE id = ?`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s - link lookup failed: %w", sqliteLogPrefix, err)
	}
	return fmt.Errorf("%w: task %s is linked to %s", task.ErrAlreadyLinked, id, existing.String)
}

func (s *sqliteTaskStore) ListByStatusOlderThan(ctx context.Context, status task.Status, cutoff time.Time) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified
		 FROM tasks WHERE status = ? AND modified < ?`, string(status), cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s - list tasks failed: %w", sqliteLogPrefix, err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var t task.Task
		var st string
		var remoteTaskID sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionKey, &t.TenantID, &t.ServiceType, &t.Payload,
			&st, &remoteTaskID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s - scan task failed: %w", sqliteLogPrefix, err)
		}
		t.Status = task.Status(st)
		t.RemoteTaskID = remoteTaskID.String
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqliteTaskStore) GetByRemoteTaskID(ctx context.Context, remoteTaskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_key, tenant_id, service_type, payload, status, remote_task_id, created, modified
		 FROM tasks WHERE remote_task_id = ?`, remoteTaskID)
	return scanSQLiteTask(row)
}

func scanSQLiteTask(row *sql.Row) (*task.Task, error) {
	var t task.Task
	var status string
	var remoteTaskID sql.NullString
	err := row.Scan(&t.ID, &t.SessionKey, &t.TenantID, &t.ServiceType, &t.Payload,
		&status, &remoteTaskID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan task failed: %w", sqliteLogPrefix, err)
	}
	t.Status = task.Status(status)
	t.RemoteTaskID = remoteTaskID.String
	return &t, nil
}

type sqliteSessionStore struct {
	db *sql.DB
}

func (s *sqliteSessionStore) Get(ctx context.Context, key string) (*session.Session, error) {
	var sess session.Session
	var stateJSON string
	var accessToken, tokenType sql.NullString
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT key, state, access_token, token_type, token_expiry, modified
		 FROM sessions WHERE key = ?`, key).
		Scan(&sess.Key, &stateJSON, &accessToken, &tokenType, &expiry, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan session failed: %w", sqliteLogPrefix, err)
	}

	sess.State = make(map[string]any)
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
			return nil, fmt.Errorf("%s - corrupt state for session %s: %w", sqliteLogPrefix, key, err)
		}
	}
	if accessToken.Valid && accessToken.String != "" {
		cred := &session.Credential{AccessToken: accessToken.String, TokenType: tokenType.String}
		if expiry.Valid {
			cred.ExpiresAt = expiry.Time
		}
		sess.Credential = cred
	}
	return &sess, nil
}

func (s *sqliteSessionStore) ApplyDelta(ctx context.Context, key string, delta session.Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s - begin failed: %w", sqliteLogPrefix, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (key, state, created, modified) VALUES (?, '{}', ?, ?)
		 ON CONFLICT (key) DO NOTHING`, key, now, now); err != nil {
		return fmt.Errorf("%s - ensure session row failed: %w", sqliteLogPrefix, err)
	}

	var stateJSON string
	if err := tx.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE key = ?`, key).Scan(&stateJSON); err != nil {
		return fmt.Errorf("%s - state lookup failed: %w", sqliteLogPrefix, err)
	}

	state := make(map[string]any)
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return fmt.Errorf("%s - corrupt state for session %s: %w", sqliteLogPrefix, key, err)
		}
	}
	for k, v := range delta.State {
		state[k] = v
	}
	merged, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%s - marshal state failed: %w", sqliteLogPrefix, err)
	}

	if delta.Credential != nil {
		var expiry any
		if !delta.Credential.ExpiresAt.IsZero() {
			expiry = delta.Credential.ExpiresAt
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, access_token = ?, token_type = ?, token_expiry = ?, modified = ?
			 WHERE key = ?`,
			string(merged), delta.Credential.AccessToken, delta.Credential.TokenType, expiry, now, key)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, modified = ? WHERE key = ?`, string(merged), now, key)
	}
	if err != nil {
		return fmt.Errorf("%s - session update failed: %w", sqliteLogPrefix, err)
	}
	return tx.Commit()
}

func (s *sqliteSessionStore) GetCredential(ctx context.Context, key string) (*session.Credential, error) {
	var accessToken, tokenType sql.NullString
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, token_type, token_expiry FROM sessions WHERE key = ?`, key).
		Scan(&accessToken, &tokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - credential lookup failed: %w", sqliteLogPrefix, err)
	}
	if !accessToken.Valid || accessToken.String == "" {
		return nil, nil
	}

	cred := &session.Credential{AccessToken: accessToken.String, TokenType: tokenType.String}
	if expiry.Valid {
		cred.ExpiresAt = expiry.Time
	}
	return cred, nil
}

type sqliteAuthRequestStore struct {
	db *sql.DB
}

func (s *sqliteAuthRequestStore) Create(ctx context.Context, req *auth.Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_requests (correlation_id, task_id, session_key, consumed, created)
		 VALUES (?, ?, ?, 0, ?)`,
		req.CorrelationID, req.TaskID, req.SessionKey, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s - insert auth request failed: %w", sqliteLogPrefix, err)
	}
	return nil
}

func (s *sqliteAuthRequestStore) Get(ctx context.Context, correlationID string) (*auth.Request, error) {
	var req auth.Request
	var consumed int
	err := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, task_id, session_key, consumed, created
		 FROM auth_requests WHERE correlation_id = ?`, correlationID).
		Scan(&req.CorrelationID, &req.TaskID, &req.SessionKey, &consumed, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan auth request failed: %w", sqliteLogPrefix, err)
	}
	req.Consumed = consumed != 0
	return &req, nil
}

func (s *sqliteAuthRequestStore) Consume(ctx context.Context, correlationID string) (*auth.Request, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_requests SET consumed = 1 WHERE correlation_id = ? AND consumed = 0`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("%s - consume failed: %w", sqliteLogPrefix, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, correlationID); getErr != nil {
			return nil, auth.ErrRequestNotFound
		}
		return nil, auth.ErrAlreadyConsumed
	}
	return s.Get(ctx, correlationID)
}
