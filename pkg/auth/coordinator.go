package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hostlinkhq/hostlink/pkg/session"
	"github.com/hostlinkhq/hostlink/pkg/task"
)

const coordinatorLogPrefix = "auth:coordinator"

// Config holds the OAuth client settings for the coordinator.
type Config struct {
	// AuthorizeURL is the authorization endpoint users are redirected to.
	AuthorizeURL string
	// TokenURL is the token endpoint used for the code exchange.
	TokenURL     string
	ClientID     string
	ClientSecret string
	// RedirectURI is where the authorization server sends the callback.
	RedirectURI string
	Scopes      []string
	// ExchangeTimeout bounds the outbound call to the token endpoint.
	ExchangeTimeout time.Duration
}

// Coordinator drives the pending-authorization sub-flow. All state lives in
// the injected stores; the coordinator itself is stateless, so BeginFlow and
// CompleteFlow may run on different process instances.
type Coordinator struct {
	cfg      Config
	tasks    task.Store
	sessions session.Store
	requests RequestStore
	client   *http.Client
}

// NewCoordinator creates a Coordinator over the given durable stores.
func NewCoordinator(cfg Config, tasks task.Store, sessions session.Store, requests RequestStore) *Coordinator {
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		tasks:    tasks,
		sessions: sessions,
		requests: requests,
		client:   &http.Client{Timeout: timeout},
	}
}

// BeginFlow suspends a task pending authorization: it persists a durable
// correlation between a fresh authorization request and the task, marks the
// task auth_required, and returns the redirect target for the user.
func (c *Coordinator) BeginFlow(ctx context.Context, t *task.Task) (string, error) {
	req := &Request{
		CorrelationID: uuid.NewString(),
		TaskID:        t.ID,
		SessionKey:    t.SessionKey,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.requests.Create(ctx, req); err != nil {
		return "", fmt.Errorf("%s - failed to persist authorization request: %w", coordinatorLogPrefix, err)
	}

	if err := c.tasks.UpdateStatus(ctx, t.ID, task.StatusAuthRequired); err != nil {
		return "", fmt.Errorf("%s - failed to suspend task %s: %w", coordinatorLogPrefix, t.ID, err)
	}

	redirect, err := c.buildRedirect(req.CorrelationID)
	if err != nil {
		return "", err
	}

	slog.Info(fmt.Sprintf("%s - task %s suspended pending authorization (correlation %s)",
		coordinatorLogPrefix, t.ID, req.CorrelationID))
	return redirect, nil
}

// CompleteFlow is invoked by the external callback boundary with the
// authorization code and the correlation id issued at BeginFlow. On success
// the credential is written into the session store and the correlated task
// transitions auth_required → working; the returned task id identifies the
// unit of work that is now ready to be re-driven.
//
// The exchange is idempotent: a replayed or unknown correlation fails with
// ErrExchangeFailed without minting a second credential record. An exchange
// or persistence failure leaves the correlation unconsumed and the task in
// auth_required so the user may retry the redirect.
func (c *Coordinator) CompleteFlow(ctx context.Context, code, correlationID string) (string, error) {
	req, err := c.requests.Get(ctx, correlationID)
	if err != nil {
		return "", fmt.Errorf("%w: unknown correlation %s", ErrExchangeFailed, correlationID)
	}
	if req.Consumed {
		return "", fmt.Errorf("%w: correlation %s already exchanged", ErrExchangeFailed, correlationID)
	}

	cred, err := c.exchange(ctx, code)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - exchange failed for task %s: %v", coordinatorLogPrefix, req.TaskID, err))
		return "", err
	}

	// Persist before consuming: a failed write leaves the correlation open
	// so the user can re-follow the redirect, and replaying ApplyDelta with
	// the same credential is harmless.
	if err := c.sessions.ApplyDelta(ctx, req.SessionKey, session.Delta{Credential: cred}); err != nil {
		return "", fmt.Errorf("%w: failed to store credential for session %s: %v",
			ErrExchangeFailed, req.SessionKey, err)
	}

	if err := c.tasks.UpdateStatus(ctx, req.TaskID, task.StatusWorking); err != nil {
		return "", fmt.Errorf("%w: failed to resume task %s: %v", ErrExchangeFailed, req.TaskID, err)
	}

	// Consume last: the loser of a racing duplicate callback fails here
	// after writing an identical credential, never a second distinct one.
	if _, err := c.requests.Consume(ctx, correlationID); err != nil {
		return "", fmt.Errorf("%w: correlation %s already exchanged", ErrExchangeFailed, correlationID)
	}

	slog.Info(fmt.Sprintf("%s - task %s resumed after authorization", coordinatorLogPrefix, req.TaskID))
	return req.TaskID, nil
}

// TaskForCorrelation looks up the task correlated with a pending
// authorization without consuming it.
func (c *Coordinator) TaskForCorrelation(ctx context.Context, correlationID string) (string, error) {
	req, err := c.requests.Get(ctx, correlationID)
	if err != nil {
		return "", err
	}
	return req.TaskID, nil
}

func (c *Coordinator) buildRedirect(correlationID string) (string, error) {
	u, err := url.Parse(c.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("%s - invalid authorize URL %q: %w", coordinatorLogPrefix, c.cfg.AuthorizeURL, err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	if len(c.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}
	q.Set("state", correlationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Coordinator) exchange(ctx context.Context, code string) (*session.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build token request: %v", ErrExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token endpoint unreachable: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token response: %v", ErrExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrExchangeFailed, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: malformed token response: %v", ErrExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrExchangeFailed)
	}

	cred := &session.Credential{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return cred, nil
}
