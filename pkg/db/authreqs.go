package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostlinkhq/hostlink/pkg/auth"
)

const authReqsLogPrefix = "db:auth_requests"

// AuthRequestStore is the Postgres-backed auth.RequestStore implementation.
type AuthRequestStore struct {
	pool *pgxpool.Pool
}

// NewAuthRequestStore creates an AuthRequestStore over the given pool.
func NewAuthRequestStore(pool *pgxpool.Pool) *AuthRequestStore {
	return &AuthRequestStore{pool: pool}
}

// Create persists a new authorization request.
func (s *AuthRequestStore) Create(ctx context.Context, req *auth.Request) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_requests (correlation_id, task_id, session_key, consumed, created)
		 VALUES ($1, $2, $3, FALSE, $4)`,
		req.CorrelationID, req.TaskID, req.SessionKey, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s - insert failed: %w", authReqsLogPrefix, err)
	}
	return nil
}

// Get loads a request by correlation id.
func (s *AuthRequestStore) Get(ctx context.Context, correlationID string) (*auth.Request, error) {
	var req auth.Request
	err := s.pool.QueryRow(ctx,
		`SELECT correlation_id, task_id, session_key, consumed, created
		 FROM auth_requests WHERE correlation_id = $1`, correlationID).
		Scan(&req.CorrelationID, &req.TaskID, &req.SessionKey, &req.Consumed, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan failed: %w", authReqsLogPrefix, err)
	}
	return &req, nil
}

// Consume atomically flips consumed from false to true. The single
// conditional update is the idempotency barrier for code replays.
func (s *AuthRequestStore) Consume(ctx context.Context, correlationID string) (*auth.Request, error) {
	var req auth.Request
	err := s.pool.QueryRow(ctx,
		`UPDATE auth_requests SET consumed = TRUE
		 WHERE correlation_id = $1 AND consumed = FALSE
		 RETURNING correlation_id, task_id, session_key, consumed, created`, correlationID).
		Scan(&req.CorrelationID, &req.TaskID, &req.SessionKey, &req.Consumed, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either never existed or already consumed; distinguish for the caller.
		if _, getErr := s.Get(ctx, correlationID); getErr != nil {
			return nil, auth.ErrRequestNotFound
		}
		return nil, auth.ErrAlreadyConsumed
	}
	if err != nil {
		return nil, fmt.Errorf("%s - consume failed: %w", authReqsLogPrefix, err)
	}
	return &req, nil
}
