// Package session holds durable per-user state, primarily the bearer
// credential obtained through the authorization sub-flow.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session key has no record.
var ErrNotFound = errors.New("session not found")

// Credential is a bearer token obtained from the token endpoint. ExpiresAt
// is advisory: expired sessions are never deleted, the dispatcher simply
// treats a stale credential as absent.
type Credential struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Usable reports whether the credential can still be attached to an
// outbound call at the given instant.
func (c *Credential) Usable(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// Session is the durable per-key state record. State is mutated only
// through ApplyDelta merges, never overwritten wholesale.
type Session struct {
	Key        string         `json:"key"`
	State      map[string]any `json:"state"`
	Credential *Credential    `json:"credential,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Delta is an append-style state change. State keys are merged into the
// session's map; a non-nil Credential replaces the stored one. The merge is
// applied atomically so concurrent deltas from different requests are not
// lost.
type Delta struct {
	State      map[string]any
	Credential *Credential
}

// Store is the durable session persistence contract.
type Store interface {
	// Get loads a session. Returns ErrNotFound when the key has no record.
	Get(ctx context.Context, key string) (*Session, error)

	// ApplyDelta merges delta into the session under a single atomic
	// read-modify-write, creating the session if absent.
	ApplyDelta(ctx context.Context, key string, delta Delta) error

	// GetCredential is a read-only projection of the session's credential.
	// Returns (nil, nil) when the session or credential is absent.
	GetCredential(ctx context.Context, key string) (*Credential, error)
}
