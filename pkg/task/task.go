// Package task defines the durable record of one accepted unit of delegated
// work and its lifecycle state machine.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is a task lifecycle state.
type Status string

// Task lifecycle states. submitted → working → completed|failed, with the
// suspend/resume detour working → auth_required → working when a credential
// has to be acquired out of band.
const (
	StatusSubmitted    Status = "submitted"
	StatusWorking      Status = "working"
	StatusAuthRequired Status = "auth_required"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Store-level error conditions.
var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyLinked     = errors.New("task already linked to a different remote task")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Task is the local record of one accepted unit of work. RemoteTaskID, once
// set, never changes: a task links to at most one remote counterpart for its
// lifetime. Rows are never physically deleted; terminal states are kept for
// audit and idempotent replay.
type Task struct {
	ID           string    `json:"id"`
	SessionKey   string    `json:"sessionKey"`
	TenantID     string    `json:"tenantId,omitempty"`
	ServiceType  string    `json:"serviceType"`
	Payload      string    `json:"payload"`
	Status       Status    `json:"status"`
	RemoteTaskID string    `json:"remoteTaskId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusSubmitted:    {StatusWorking, StatusAuthRequired, StatusFailed},
	StatusWorking:      {StatusAuthRequired, StatusCompleted, StatusFailed},
	StatusAuthRequired: {StatusWorking, StatusFailed},
}

// ValidTransition reports whether from → to is a legal edge of the state
// machine. A no-op transition (from == to) is allowed for idempotent
// replays.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition (wrapped with detail) when
// from → to is not legal.
func CheckTransition(from, to Status) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
