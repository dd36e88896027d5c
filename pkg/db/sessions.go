package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostlinkhq/hostlink/pkg/session"
)

const sessionsLogPrefix = "db:sessions"

// SessionStore is the Postgres-backed session.Store implementation.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore over the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Get loads a session by key.
func (s *SessionStore) Get(ctx context.Context, key string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, state, access_token, token_type, token_expiry, modified
		 FROM sessions WHERE key = $1`, key)
	return scanSession(row)
}

// ApplyDelta merges delta into the session under a single transaction. The
// row is locked for the read-modify-write so a concurrent delta from
// another request is not lost.
func (s *SessionStore) ApplyDelta(ctx context.Context, key string, delta session.Delta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin failed: %w", sessionsLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	// Ensure the row exists, then lock it for the merge.
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (key, state, created, modified) VALUES ($1, '{}'::jsonb, $2, $2)
		 ON CONFLICT (key) DO NOTHING`, key, now); err != nil {
		return fmt.Errorf("%s - ensure row failed: %w", sessionsLogPrefix, err)
	}

	var stateJSON []byte
	if err := tx.QueryRow(ctx,
		`SELECT state FROM sessions WHERE key = $1 FOR UPDATE`, key).Scan(&stateJSON); err != nil {
		return fmt.Errorf("%s - select for update failed: %w", sessionsLogPrefix, err)
	}

	state := make(map[string]any)
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return fmt.Errorf("%s - corrupt state for session %s: %w", sessionsLogPrefix, key, err)
		}
	}
	for k, v := range delta.State {
		state[k] = v
	}
	merged, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%s - marshal state failed: %w", sessionsLogPrefix, err)
	}

	if delta.Credential != nil {
		var expiry *time.Time
		if !delta.Credential.ExpiresAt.IsZero() {
			e := delta.Credential.ExpiresAt
			expiry = &e
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET state = $2, access_token = $3, token_type = $4, token_expiry = $5, modified = $6
			 WHERE key = $1`,
			key, merged, delta.Credential.AccessToken, delta.Credential.TokenType, expiry, now)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET state = $2, modified = $3 WHERE key = $1`, key, merged, now)
	}
	if err != nil {
		return fmt.Errorf("%s - update failed: %w", sessionsLogPrefix, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit failed: %w", sessionsLogPrefix, err)
	}
	return nil
}

// GetCredential projects the stored credential, or nil when absent.
func (s *SessionStore) GetCredential(ctx context.Context, key string) (*session.Credential, error) {
	var accessToken, tokenType *string
	var expiry *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT access_token, token_type, token_expiry FROM sessions WHERE key = $1`, key).
		Scan(&accessToken, &tokenType, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - credential lookup failed: %w", sessionsLogPrefix, err)
	}
	if accessToken == nil || *accessToken == "" {
		return nil, nil
	}

	cred := &session.Credential{AccessToken: *accessToken}
	if tokenType != nil {
		cred.TokenType = *tokenType
	}
	if expiry != nil {
		cred.ExpiresAt = *expiry
	}
	return cred, nil
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var sess session.Session
	var stateJSON []byte
	var accessToken, tokenType *string
	var expiry *time.Time
	err := row.Scan(&sess.Key, &stateJSON, &accessToken, &tokenType, &expiry, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan failed: %w", sessionsLogPrefix, err)
	}

	sess.State = make(map[string]any)
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
			return nil, fmt.Errorf("%s - corrupt state for session %s: %w", sessionsLogPrefix, sess.Key, err)
		}
	}
	if accessToken != nil && *accessToken != "" {
		cred := &session.Credential{AccessToken: *accessToken}
		if tokenType != nil {
			cred.TokenType = *tokenType
		}
		if expiry != nil {
			cred.ExpiresAt = *expiry
		}
		sess.Credential = cred
	}
	return &sess, nil
}
