package task

import (
	"context"
	"time"
)

// Store is the durable task persistence contract. Implementations must make
// UpdateStatus and Link atomic read-modify-writes so that concurrent writers
// cannot tear a record.
type Store interface {
	// Create persists a new task record.
	Create(ctx context.Context, t *Task) error

	// Get loads a task by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Task, error)

	// UpdateStatus transitions a task, validating the edge against the
	// state machine and stamping UpdatedAt.
	UpdateStatus(ctx context.Context, id string, to Status) error

	// Link sets the remote task id. Idempotent for the same value; a
	// different value fails with ErrAlreadyLinked.
	Link(ctx context.Context, id, remoteTaskID string) error

	// GetByRemoteTaskID finds the local task linked to a remote id.
	// Returns ErrNotFound when no link exists.
	GetByRemoteTaskID(ctx context.Context, remoteTaskID string) (*Task, error)
}

// StaleLister is an optional Store extension used by the pending-auth
// sweeper to find tasks stuck in a status past a cutoff.
type StaleLister interface {
	ListByStatusOlderThan(ctx context.Context, status Status, cutoff time.Time) ([]*Task, error)
}
