package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCredential_Usable(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name string
		cred *Credential
		want bool
	}{
		{name: "nil", cred: nil, want: false},
		{name: "empty token", cred: &Credential{}, want: false},
		{name: "no expiry", cred: &Credential{AccessToken: "tok"}, want: true},
		{name: "future expiry", cred: &Credential{AccessToken: "tok", ExpiresAt: now.Add(time.Hour)}, want: true},
		{name: "expired", cred: &Credential{AccessToken: "tok", ExpiresAt: now.Add(-time.Minute)}, want: false},
	}

	for _, tt := range tests {
		if got := tt.cred.Usable(now); got != tt.want {
			t.Errorf("session:session_test - %s: Usable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestInMemoryStore_ApplyDeltaMerges(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session:session_test - Get before create: got %v, want ErrNotFound", err)
	}

	if err := store.ApplyDelta(ctx, "s1", Delta{State: map[string]any{"city": "Lisbon", "units": "metric"}}); err != nil {
		t.Fatalf("session:session_test - ApplyDelta failed: %v", err)
	}
	// A later delta merges key-wise instead of replacing the map.
	if err := store.ApplyDelta(ctx, "s1", Delta{State: map[string]any{"units": "imperial"}}); err != nil {
		t.Fatalf("session:session_test - ApplyDelta failed: %v", err)
	}

	sess, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("session:session_test - Get failed: %v", err)
	}
	if sess.State["city"] != "Lisbon" {
		t.Errorf("session:session_test - city = %v, want Lisbon preserved", sess.State["city"])
	}
	if sess.State["units"] != "imperial" {
		t.Errorf("session:session_test - units = %v, want imperial", sess.State["units"])
	}
	if sess.Credential != nil {
		t.Error("session:session_test - no credential was written yet")
	}
}

func TestInMemoryStore_CredentialProjection(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	// Absent session projects (nil, nil), not an error.
	cred, err := store.GetCredential(ctx, "s1")
	if err != nil || cred != nil {
		t.Fatalf("session:session_test - GetCredential(absent) = (%v, %v), want (nil, nil)", cred, err)
	}

	want := &Credential{AccessToken: "tok", TokenType: "Bearer"}
	if err := store.ApplyDelta(ctx, "s1", Delta{Credential: want}); err != nil {
		t.Fatalf("session:session_test - ApplyDelta failed: %v", err)
	}

	cred, err = store.GetCredential(ctx, "s1")
	if err != nil {
		t.Fatalf("session:session_test - GetCredential failed: %v", err)
	}
	if cred == nil || cred.AccessToken != "tok" {
		t.Fatalf("session:session_test - credential = %+v, want tok", cred)
	}

	// A credential-only delta must not clobber state, and a state-only delta
	// must not clobber the credential.
	if err := store.ApplyDelta(ctx, "s1", Delta{State: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("session:session_test - ApplyDelta failed: %v", err)
	}
	cred, _ = store.GetCredential(ctx, "s1")
	if cred == nil || cred.AccessToken != "tok" {
		t.Error("session:session_test - state-only delta dropped the credential")
	}
}
