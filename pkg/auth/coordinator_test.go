package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostlinkhq/hostlink/pkg/session"
	"github.com/hostlinkhq/hostlink/pkg/task"
)

// tokenServer is a fake token endpoint that accepts exactly one code.
func tokenServer(t *testing.T, validCode string, exchanges *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("auth:coordinator_test - bad form: %v", err)
		}
		if r.PostFormValue("grant_type") != "authorization_code" {
			t.Errorf("auth:coordinator_test - grant_type = %q", r.PostFormValue("grant_type"))
		}
		if r.PostFormValue("code") != validCode {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	}))
}

func newFlowFixture(t *testing.T, tokenURL string) (*Coordinator, task.Store, session.Store, *task.Task) {
	t.Helper()
	tasks := task.NewInMemoryStore()
	sessions := session.NewInMemoryStore()
	requests := NewInMemoryRequestStore()

	coord := NewCoordinator(Config{
		AuthorizeURL: "https://idp.example/authorize",
		TokenURL:     tokenURL,
		ClientID:     "hostlink",
		ClientSecret: "secret",
		RedirectURI:  "https://hostlink.example/callback",
		Scopes:       []string{"tasks.delegate"},
	}, tasks, sessions, requests)

	tk := &task.Task{
		ID:          "t1",
		SessionKey:  "sess-1",
		ServiceType: "billing",
		Payload:     "show my invoices",
		Status:      task.StatusSubmitted,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("auth:coordinator_test - create task: %v", err)
	}
	return coord, tasks, sessions, tk
}

func TestBeginFlow_SuspendsTask(t *testing.T) {
	ctx := context.Background()
	coord, tasks, _, tk := newFlowFixture(t, "https://idp.example/token")

	redirect, err := coord.BeginFlow(ctx, tk)
	if err != nil {
		t.Fatalf("auth:coordinator_test - BeginFlow failed: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("auth:coordinator_test - bad redirect URL: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != "hostlink" {
		t.Errorf("auth:coordinator_test - redirect query = %v", q)
	}
	if q.Get("state") == "" {
		t.Error("auth:coordinator_test - redirect must carry the correlation id in state")
	}
	if q.Get("scope") != "tasks.delegate" {
		t.Errorf("auth:coordinator_test - scope = %q", q.Get("scope"))
	}

	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusAuthRequired {
		t.Errorf("auth:coordinator_test - task status = %s, want auth_required", got.Status)
	}
}

func TestCompleteFlow_ExchangesAndResumes(t *testing.T) {
	ctx := context.Background()
	var exchanges atomic.Int32
	srv := tokenServer(t, "code-ok", &exchanges)
	defer srv.Close()

	coord, tasks, sessions, tk := newFlowFixture(t, srv.URL)
	redirect, err := coord.BeginFlow(ctx, tk)
	if err != nil {
		t.Fatalf("auth:coordinator_test - BeginFlow failed: %v", err)
	}
	u, _ := url.Parse(redirect)
	correlation := u.Query().Get("state")

	taskID, err := coord.CompleteFlow(ctx, "code-ok", correlation)
	if err != nil {
		t.Fatalf("auth:coordinator_test - CompleteFlow failed: %v", err)
	}
	if taskID != tk.ID {
		t.Errorf("auth:coordinator_test - taskID = %q, want %q", taskID, tk.ID)
	}

	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusWorking {
		t.Errorf("auth:coordinator_test - task status = %s, want working", got.Status)
	}

	cred, err := sessions.GetCredential(ctx, tk.SessionKey)
	if err != nil || cred == nil {
		t.Fatalf("auth:coordinator_test - GetCredential = (%v, %v)", cred, err)
	}
	if cred.AccessToken != "tok-123" || !cred.Usable(time.Now()) {
		t.Errorf("auth:coordinator_test - credential = %+v", cred)
	}

	// Replaying the same callback must not mint a second credential.
	if _, err := coord.CompleteFlow(ctx, "code-ok", correlation); !errors.Is(err, ErrExchangeFailed) {
		t.Errorf("auth:coordinator_test - replay: got %v, want ErrExchangeFailed", err)
	}
	if n := exchanges.Load(); n != 1 {
		t.Errorf("auth:coordinator_test - token endpoint hit %d times, want 1", n)
	}
}

func TestCompleteFlow_BadCodeLeavesTaskSuspended(t *testing.T) {
	ctx := context.Background()
	var exchanges atomic.Int32
	srv := tokenServer(t, "code-ok", &exchanges)
	defer srv.Close()

	coord, tasks, _, tk := newFlowFixture(t, srv.URL)
	redirect, _ := coord.BeginFlow(ctx, tk)
	u, _ := url.Parse(redirect)
	correlation := u.Query().Get("state")

	if _, err := coord.CompleteFlow(ctx, "code-bad", correlation); !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("auth:coordinator_test - bad code: got %v, want ErrExchangeFailed", err)
	}

	// The failed exchange must not consume the correlation; the user can
	// retry the redirect and succeed.
	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusAuthRequired {
		t.Errorf("auth:coordinator_test - task status = %s, want auth_required after failure", got.Status)
	}
	if _, err := coord.CompleteFlow(ctx, "code-ok", correlation); err != nil {
		t.Errorf("auth:coordinator_test - retry after failure must succeed: %v", err)
	}
}

// flakySessionStore fails the first n ApplyDelta writes.
type flakySessionStore struct {
	session.Store
	failures int
}

func (s *flakySessionStore) ApplyDelta(ctx context.Context, key string, delta session.Delta) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("write failed")
	}
	return s.Store.ApplyDelta(ctx, key, delta)
}

func TestCompleteFlow_WriteFailureKeepsCorrelationOpen(t *testing.T) {
	ctx := context.Background()
	var exchanges atomic.Int32
	srv := tokenServer(t, "code-ok", &exchanges)
	defer srv.Close()

	tasks := task.NewInMemoryStore()
	sessions := &flakySessionStore{Store: session.NewInMemoryStore(), failures: 1}
	requests := NewInMemoryRequestStore()
	coord := NewCoordinator(Config{
		AuthorizeURL: "https://idp.example/authorize",
		TokenURL:     srv.URL,
		ClientID:     "hostlink",
		RedirectURI:  "https://hostlink.example/callback",
	}, tasks, sessions, requests)

	tk := &task.Task{
		ID:         "t1",
		SessionKey: "sess-1",
		Status:     task.StatusSubmitted,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := tasks.Create(ctx, tk); err != nil {
		t.Fatalf("auth:coordinator_test - create task: %v", err)
	}

	redirect, err := coord.BeginFlow(ctx, tk)
	if err != nil {
		t.Fatalf("auth:coordinator_test - BeginFlow failed: %v", err)
	}
	u, _ := url.Parse(redirect)
	correlation := u.Query().Get("state")

	// The credential write fails after a successful exchange. The
	// correlation must survive so the redirect can be re-followed.
	if _, err := coord.CompleteFlow(ctx, "code-ok", correlation); !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("auth:coordinator_test - write failure: got %v, want ErrExchangeFailed", err)
	}
	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusAuthRequired {
		t.Errorf("auth:coordinator_test - task status = %s, want auth_required after failed write", got.Status)
	}

	taskID, err := coord.CompleteFlow(ctx, "code-ok", correlation)
	if err != nil {
		t.Fatalf("auth:coordinator_test - retry after failed write must succeed: %v", err)
	}
	if taskID != tk.ID {
		t.Errorf("auth:coordinator_test - taskID = %q, want %q", taskID, tk.ID)
	}
	cred, err := sessions.GetCredential(ctx, tk.SessionKey)
	if err != nil || !cred.Usable(time.Now()) {
		t.Errorf("auth:coordinator_test - credential after retry = (%+v, %v)", cred, err)
	}
	got, _ = tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusWorking {
		t.Errorf("auth:coordinator_test - task status = %s, want working after retry", got.Status)
	}
}

func TestCompleteFlow_UnknownCorrelation(t *testing.T) {
	coord, _, _, _ := newFlowFixture(t, "https://idp.example/token")
	if _, err := coord.CompleteFlow(context.Background(), "code", "nope"); !errors.Is(err, ErrExchangeFailed) {
		t.Errorf("auth:coordinator_test - unknown correlation: got %v, want ErrExchangeFailed", err)
	}
}

func TestRequestStore_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRequestStore()

	req := &Request{CorrelationID: "c1", TaskID: "t1", SessionKey: "s1", CreatedAt: time.Now().UTC()}
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("auth:coordinator_test - Create failed: %v", err)
	}

	got, err := store.Consume(ctx, "c1")
	if err != nil {
		t.Fatalf("auth:coordinator_test - Consume failed: %v", err)
	}
	if got.TaskID != "t1" {
		t.Errorf("auth:coordinator_test - TaskID = %q, want t1", got.TaskID)
	}

	if _, err := store.Consume(ctx, "c1"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Errorf("auth:coordinator_test - second Consume: got %v, want ErrAlreadyConsumed", err)
	}
	if _, err := store.Consume(ctx, "c2"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("auth:coordinator_test - missing Consume: got %v, want ErrRequestNotFound", err)
	}
}
