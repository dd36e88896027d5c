// Package remote sends delegation requests to resolved downstream agent
// endpoints. The remote service is the authority that mints its own task
// identity; the client never sends one.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hostlinkhq/hostlink/pkg/session"
)

const logPrefix = "remote:client"

// Message is the user-role message wrapped in a delegation request.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
}

// Part is a single message content part. Only text parts are sent.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// sendRequest is the JSON envelope posted to the downstream agent.
type sendRequest struct {
	ID     string     `json:"id"`
	Method string     `json:"method"`
	Params sendParams `json:"params"`
}

type sendParams struct {
	Message Message `json:"message"`
}

// sendResponse is the downstream agent's reply envelope.
type sendResponse struct {
	ID     string       `json:"id"`
	Result *TaskResult  `json:"result,omitempty"`
	Error  *RemoteError `json:"error,omitempty"`
}

// RemoteError is a logical rejection carried in the response envelope. The
// transport call itself succeeded, so retrying the same request will not
// change the outcome.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// TaskResult describes the remote unit of work created (or completed
// synchronously) for a delegation. ID may be empty for synchronous-complete
// calls that never create a remote task.
type TaskResult struct {
	ID     string `json:"id,omitempty"`
	Status struct {
		State string `json:"state"`
	} `json:"status"`
	Output string `json:"output,omitempty"`
}

// Completed reports whether the remote operation finished synchronously.
func (r *TaskResult) Completed() bool {
	return r.Status.State == "completed" || r.Status.State == ""
}

// StatusError is a non-2xx response from the downstream agent. 5xx is
// transient, 4xx is not.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote endpoint returned status %d", e.StatusCode)
}

// Transient reports whether the failure may succeed on retry.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500
}

// Client posts delegation messages to downstream agents.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with a bounded per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Send posts the payload to endpointURL, attaching cred as a bearer header
// when present. Network errors are returned as-is (transient); HTTP
// failures are returned as *StatusError, error envelopes as *RemoteError.
func (c *Client) Send(ctx context.Context, endpointURL, payload, contextID string, cred *session.Credential) (*TaskResult, error) {
	msg := Message{
		Role:      "user",
		Parts:     []Part{{Type: "text", Text: payload}},
		MessageID: uuid.NewString(),
		ContextID: contextID,
	}
	envelope := sendRequest{
		ID:     msg.MessageID,
		Method: "message/send",
		Params: sendParams{Message: msg},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode request: %w", logPrefix, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build request: %w", logPrefix, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred != nil && cred.AccessToken != "" {
		tokenType := cred.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		req.Header.Set("Authorization", tokenType+" "+cred.AccessToken)
	}

	slog.Debug(fmt.Sprintf("%s - POST %s message=%s", logPrefix, endpointURL, msg.MessageID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s - request failed: %w", logPrefix, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read response: %w", logPrefix, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%s - malformed response: %w", logPrefix, err)
	}
	if parsed.Error != nil {
		return nil, parsed.Error
	}
	if parsed.Result == nil {
		return nil, fmt.Errorf("%s - response missing result", logPrefix)
	}
	return parsed.Result, nil
}
