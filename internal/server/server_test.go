package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/hostlinkhq/hostlink/internal/config"
	"github.com/hostlinkhq/hostlink/pkg/auth"
	"github.com/hostlinkhq/hostlink/pkg/classifier"
	"github.com/hostlinkhq/hostlink/pkg/dispatcher"
	"github.com/hostlinkhq/hostlink/pkg/registry"
	"github.com/hostlinkhq/hostlink/pkg/remote"
	"github.com/hostlinkhq/hostlink/pkg/session"
	"github.com/hostlinkhq/hostlink/pkg/task"
)

// newTestServer wires a full in-memory Server around a fake downstream agent
// and a fake token endpoint.
func newTestServer(t *testing.T) (*Server, session.Store) {
	t.Helper()

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","result":{"id":"remote-1","status":{"state":"completed"},"output":"sunny"}}`))
	}))
	t.Cleanup(agent.Close)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	cards := []registry.ServiceCard{
		{
			Name: "weather-service",
			URL:  agent.URL,
			Skills: []registry.Skill{
				{
					ID:          "forecast",
					Description: "weather forecast rain temperature",
					Tags:        map[string]string{registry.TagType: "weather"},
				},
			},
		},
	}
	reg := registry.NewRegistry(&registry.StaticSource{Cards: cards})
	if _, err := reg.Load(context.Background()); err != nil {
		t.Fatalf("server:server_test - registry load: %v", err)
	}

	tasks := task.NewInMemoryStore()
	sessions := session.NewInMemoryStore()
	requests := auth.NewInMemoryRequestStore()
	coord := auth.NewCoordinator(auth.Config{
		AuthorizeURL: "https://idp.example/authorize",
		TokenURL:     tokenSrv.URL,
		ClientID:     "hostlink",
		RedirectURI:  "https://hostlink.example/callback",
	}, tasks, sessions, requests)

	disp := dispatcher.NewDispatcher(reg, tasks, sessions, coord, classifier.NewStatic(),
		remote.NewClient(5*time.Second), nil,
		dispatcher.WithRetryPolicy(dispatcher.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}))

	cfg := &config.Config{HealthCheckTimeout: 5 * time.Second}
	return &Server{cfg: cfg, reg: reg, disp: disp, coord: coord, tasks: tasks}, sessions
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("server:server_test - marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleDelegate_Completed(t *testing.T) {
	s, sessions := newTestServer(t)
	mux := s.routes()

	err := sessions.ApplyDelta(context.Background(), "sess-1", session.Delta{
		Credential: &session.Credential{AccessToken: "tok"},
	})
	if err != nil {
		t.Fatalf("server:server_test - seed credential: %v", err)
	}

	rec := postJSON(t, mux, "/delegations", map[string]string{
		"prompt":     "what is the weather forecast",
		"sessionKey": "sess-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("server:server_test - status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res dispatcher.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("server:server_test - decode response: %v", err)
	}
	if res.Status != task.StatusCompleted || res.Output != "sunny" || res.RemoteTaskID != "remote-1" {
		t.Errorf("server:server_test - result = %+v", res)
	}

	// The record is readable back through the API.
	getReq := httptest.NewRequest(http.MethodGet, "/delegations/"+res.TaskID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Errorf("server:server_test - GET status = %d", getRec.Code)
	}
}

func TestHandleDelegate_Unclassified(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.routes()

	rec := postJSON(t, mux, "/delegations", map[string]string{
		"prompt":     "xyzzy plugh",
		"sessionKey": "sess-1",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("server:server_test - status = %d, want 422", rec.Code)
	}
}

func TestHandleDelegate_MissingFields(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.routes()

	rec := postJSON(t, mux, "/delegations", map[string]string{"prompt": "weather"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("server:server_test - status = %d, want 400", rec.Code)
	}
}

func TestCallbackFlow_EndToEnd(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.routes()

	// No credential: delegation suspends with a redirect.
	rec := postJSON(t, mux, "/delegations", map[string]string{
		"prompt":     "what is the weather forecast",
		"sessionKey": "sess-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("server:server_test - status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var suspended dispatcher.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &suspended); err != nil {
		t.Fatalf("server:server_test - decode: %v", err)
	}
	if suspended.Status != task.StatusAuthRequired || suspended.RedirectURL == "" {
		t.Fatalf("server:server_test - result = %+v, want auth_required with redirect", suspended)
	}

	// The authorization server calls back; the handler exchanges the code
	// and re-drives the task to completion.
	u, _ := url.Parse(suspended.RedirectURL)
	state := u.Query().Get("state")
	cbReq := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+url.QueryEscape(state), nil)
	cbRec := httptest.NewRecorder()
	mux.ServeHTTP(cbRec, cbReq)
	if cbRec.Code != http.StatusOK {
		t.Fatalf("server:server_test - callback status = %d, body = %s", cbRec.Code, cbRec.Body.String())
	}

	var final dispatcher.Result
	if err := json.Unmarshal(cbRec.Body.Bytes(), &final); err != nil {
		t.Fatalf("server:server_test - decode: %v", err)
	}
	if final.TaskID != suspended.TaskID || final.Status != task.StatusCompleted {
		t.Errorf("server:server_test - final = %+v", final)
	}

	// A replayed callback must be rejected, and the rejection names the
	// task the correlation belongs to.
	replayRec := httptest.NewRecorder()
	mux.ServeHTTP(replayRec, cbReq)
	if replayRec.Code != http.StatusConflict {
		t.Errorf("server:server_test - replay status = %d, want 409", replayRec.Code)
	}
	var replayErr dispatcher.DelegationError
	if err := json.Unmarshal(replayRec.Body.Bytes(), &replayErr); err != nil {
		t.Fatalf("server:server_test - decode replay error: %v", err)
	}
	if replayErr.TaskID != suspended.TaskID {
		t.Errorf("server:server_test - replay taskId = %q, want %q", replayErr.TaskID, suspended.TaskID)
	}
}

func TestHandleHealthAndRefresh(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("server:server_test - healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/registry/refresh", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("server:server_test - refresh status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
