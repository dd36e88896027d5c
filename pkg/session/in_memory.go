package session

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a volatile Store backed by a process-local map. Each
// returned session is a copy so callers cannot mutate internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// Get loads a session copy.
func (s *InMemoryStore) Get(_ context.Context, key string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

// ApplyDelta merges delta into the session, creating it if absent.
func (s *InMemoryStore) ApplyDelta(_ context.Context, key string, delta Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{Key: key, State: make(map[string]any)}
		s.sessions[key] = sess
	}
	for k, v := range delta.State {
		sess.State[k] = v
	}
	if delta.Credential != nil {
		cred := *delta.Credential
		sess.Credential = &cred
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// GetCredential projects the stored credential, or nil when absent.
func (s *InMemoryStore) GetCredential(_ context.Context, key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok || sess.Credential == nil {
		return nil, nil
	}
	cred := *sess.Credential
	return &cred, nil
}

func cloneSession(sess *Session) *Session {
	cp := &Session{
		Key:       sess.Key,
		State:     make(map[string]any, len(sess.State)),
		UpdatedAt: sess.UpdatedAt,
	}
	for k, v := range sess.State {
		cp.State[k] = v
	}
	if sess.Credential != nil {
		cred := *sess.Credential
		cp.Credential = &cred
	}
	return cp
}
