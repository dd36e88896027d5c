// Package auth drives the credential-acquisition sub-flow: suspending a
// task when no credential is available, and resuming it when the external
// authorization callback delivers a code to exchange.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors surfaced by the authorization flow.
var (
	// ErrExchangeFailed covers every failure of the code-for-credential
	// exchange, including replays of an already-exchanged code. The task
	// stays in auth_required and the user may retry the redirect.
	ErrExchangeFailed = errors.New("authorization exchange failed")

	ErrRequestNotFound = errors.New("authorization request not found")
	ErrAlreadyConsumed = errors.New("authorization request already consumed")
)

// Request is the durable correlation between a pending authorization and
// the task that triggered it. It must survive a process restart: the
// callback may land on a different instance than the one that issued the
// redirect.
type Request struct {
	CorrelationID string    `json:"correlationId"`
	TaskID        string    `json:"taskId"`
	SessionKey    string    `json:"sessionKey"`
	Consumed      bool      `json:"consumed"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RequestStore persists pending authorization requests. Consume must be an
// atomic check-and-set so a code replay or a racing duplicate callback
// cannot mint a second credential record.
type RequestStore interface {
	Create(ctx context.Context, req *Request) error

	// Get loads a request by correlation id. Returns ErrRequestNotFound
	// when absent.
	Get(ctx context.Context, correlationID string) (*Request, error)

	// Consume atomically marks an unconsumed request as consumed and
	// returns it. Returns ErrAlreadyConsumed if it was consumed before,
	// ErrRequestNotFound if it never existed.
	Consume(ctx context.Context, correlationID string) (*Request, error)
}

// InMemoryRequestStore is a volatile RequestStore for tests and demo runs.
type InMemoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// NewInMemoryRequestStore constructs an empty in-memory request store.
func NewInMemoryRequestStore() *InMemoryRequestStore {
	return &InMemoryRequestStore{requests: make(map[string]*Request)}
}

// Create persists a new request.
func (s *InMemoryRequestStore) Create(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.CorrelationID] = &cp
	return nil
}

// Get loads a request by correlation id.
func (s *InMemoryRequestStore) Get(_ context.Context, correlationID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[correlationID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

// Consume atomically marks a request consumed.
func (s *InMemoryRequestStore) Consume(_ context.Context, correlationID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[correlationID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Consumed {
		return nil, ErrAlreadyConsumed
	}
	req.Consumed = true
	cp := *req
	return &cp, nil
}
