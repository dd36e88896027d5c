package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore is a volatile Store implementation backed by a process-local
// map. Safe for concurrent access; suited to tests and single-process demo
// runs where durability is not required.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewInMemoryStore constructs an empty in-memory task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[string]*Task)}
}

// Create persists a new task record.
func (s *InMemoryStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// Get loads a task by id.
func (s *InMemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateStatus transitions a task after validating the edge.
func (s *InMemoryStore) UpdateStatus(_ context.Context, id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if err := CheckTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Link sets the remote task id; idempotent for the same value.
func (s *InMemoryStore) Link(_ context.Context, id, remoteTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.RemoteTaskID != "" {
		if t.RemoteTaskID == remoteTaskID {
			return nil
		}
		return fmt.Errorf("%w: task %s is linked to %s", ErrAlreadyLinked, id, t.RemoteTaskID)
	}
	t.RemoteTaskID = remoteTaskID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ListByStatusOlderThan returns copies of tasks in the given status whose
// last update precedes cutoff.
func (s *InMemoryStore) ListByStatusOlderThan(_ context.Context, status Status, cutoff time.Time) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == status && t.UpdatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetByRemoteTaskID finds the local task linked to a remote id.
func (s *InMemoryStore) GetByRemoteTaskID(_ context.Context, remoteTaskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.RemoteTaskID == remoteTaskID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
