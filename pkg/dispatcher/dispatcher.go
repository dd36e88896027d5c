// Package dispatcher orchestrates one delegation end to end: classify the
// prompt, resolve the target agent, persist the task record, attach the
// session credential (or suspend for authorization), call the remote agent
// with bounded retries, and record the outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hostlinkhq/hostlink/pkg/auth"
	"github.com/hostlinkhq/hostlink/pkg/classifier"
	"github.com/hostlinkhq/hostlink/pkg/events"
	"github.com/hostlinkhq/hostlink/pkg/registry"
	"github.com/hostlinkhq/hostlink/pkg/remote"
	"github.com/hostlinkhq/hostlink/pkg/session"
	"github.com/hostlinkhq/hostlink/pkg/task"
)

const logPrefix = "dispatcher:dispatcher"

// Request is one inbound delegation.
type Request struct {
	// Prompt is the natural-language request to route.
	Prompt string `json:"prompt"`
	// SessionKey identifies the durable session (and its credential).
	SessionKey string `json:"sessionKey"`
	// TenantID scopes resolution for tenant-bound service types.
	TenantID string `json:"tenantId,omitempty"`
}

// Result is the outcome of a delegation or a resume. Status mirrors the
// task's persisted status at return time. RedirectURL is set only when the
// task was suspended pending authorization.
type Result struct {
	TaskID       string      `json:"taskId"`
	Status       task.Status `json:"status"`
	Output       string      `json:"output,omitempty"`
	RemoteTaskID string      `json:"remoteTaskId,omitempty"`
	RedirectURL  string      `json:"redirectUrl,omitempty"`
}

// RemoteSender sends a delegation payload to a resolved endpoint.
type RemoteSender interface {
	Send(ctx context.Context, endpointURL, payload, contextID string, cred *session.Credential) (*remote.TaskResult, error)
}

// RetryPolicy bounds the remote-call retry loop. Only transient failures
// (transport errors and 5xx responses) are retried; 4xx responses and
// resolution failures are not.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the first backoff interval; it doubles per attempt.
	BaseDelay time.Duration
}

// DefaultRetryPolicy is used when the configured policy is zero-valued.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// Dispatcher wires the registry, stores, coordinator and remote client into
// the delegation flow. It holds no per-request state; all durable state
// lives in the injected stores, so a delegation suspended by one process may
// be resumed by another.
type Dispatcher struct {
	reg        *registry.Registry
	tasks      task.Store
	sessions   session.Store
	coord      *auth.Coordinator
	classify   classifier.Classifier
	sender     RemoteSender
	publisher  events.Publisher
	retry      RetryPolicy
	now        func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.retry = p }
}

// WithClock overrides the clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher. publisher may be nil to disable
// lifecycle events.
func NewDispatcher(reg *registry.Registry, tasks task.Store, sessions session.Store,
	coord *auth.Coordinator, cls classifier.Classifier, sender RemoteSender,
	publisher events.Publisher, opts ...Option) *Dispatcher {

	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	d := &Dispatcher{
		reg:       reg,
		tasks:     tasks,
		sessions:  sessions,
		coord:     coord,
		classify:  cls,
		sender:    sender,
		publisher: publisher,
		retry:     DefaultRetryPolicy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retry.MaxAttempts <= 0 {
		d.retry.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if d.retry.BaseDelay <= 0 {
		d.retry.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return d
}

// Delegate runs one delegation. Classification failures reject the request
// before any task record exists; every later failure is recorded on the
// durable task and surfaced with its id.
func (d *Dispatcher) Delegate(ctx context.Context, req Request) (*Result, error) {
	snap := d.reg.Snapshot()
	if snap == nil || snap.Len() == 0 {
		return nil, &DelegationError{
			Code:      registry.CodeRegistryUnavailable,
			Message:   "no service cards loaded",
			Retryable: true,
		}
	}

	serviceType, err := d.classify.Classify(ctx, req.Prompt, snap.Skills())
	if err != nil {
		slog.Info(fmt.Sprintf("%s - request unclassified: %v", logPrefix, err))
		return nil, &DelegationError{
			Code:    CodeUnclassifiedRequest,
			Message: "request does not match any known service type",
		}
	}
	// The classifier is untrusted: a label outside the snapshot is treated
	// the same as no label at all.
	if !snap.HasType(serviceType) {
		slog.Warn(fmt.Sprintf("%s - classifier returned unknown type %q", logPrefix, serviceType))
		return nil, &DelegationError{
			Code:    CodeUnclassifiedRequest,
			Message: fmt.Sprintf("classified type %q is not advertised by any agent", serviceType),
		}
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		SessionKey:  req.SessionKey,
		TenantID:    req.TenantID,
		ServiceType: serviceType,
		Payload:     req.Prompt,
		Status:      task.StatusSubmitted,
		CreatedAt:   d.now().UTC(),
		UpdatedAt:   d.now().UTC(),
	}
	if err := d.tasks.Create(ctx, t); err != nil {
		return nil, &DelegationError{
			Code:      CodeInternal,
			Message:   fmt.Sprintf("failed to persist task: %v", err),
			Retryable: true,
		}
	}
	d.publish(ctx, t, "", task.StatusSubmitted)

	slog.Info(fmt.Sprintf("%s - task %s accepted: type=%s session=%s tenant=%s",
		logPrefix, t.ID, serviceType, req.SessionKey, req.TenantID))

	return d.drive(ctx, t, snap)
}

// Resume re-drives a task from its durable state, typically after the
// authorization callback moved it back to working. It re-reads the current
// snapshot and session, so a registry or credential change since suspension
// is picked up.
func (d *Dispatcher) Resume(ctx context.Context, taskID string) (*Result, error) {
	t, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, &DelegationError{
				Code:    CodeTaskNotFound,
				Message: fmt.Sprintf("no task %s", taskID),
			}
		}
		return nil, &DelegationError{
			Code:      CodeInternal,
			Message:   fmt.Sprintf("failed to load task %s: %v", taskID, err),
			TaskID:    taskID,
			Retryable: true,
		}
	}
	if t.Status.Terminal() {
		return nil, &DelegationError{
			Code:    CodeTaskNotResumable,
			Message: fmt.Sprintf("task %s is already %s", taskID, t.Status),
			TaskID:  taskID,
		}
	}

	snap := d.reg.Snapshot()
	if snap == nil || snap.Len() == 0 {
		return nil, &DelegationError{
			Code:      registry.CodeRegistryUnavailable,
			Message:   "no service cards loaded",
			TaskID:    taskID,
			Retryable: true,
		}
	}

	slog.Info(fmt.Sprintf("%s - resuming task %s from status %s", logPrefix, t.ID, t.Status))
	return d.drive(ctx, t, snap)
}

// drive advances a non-terminal task as far as it can go in one pass:
// resolve, credential check (suspending if absent), remote call, link and
// complete. Shared by Delegate and Resume.
func (d *Dispatcher) drive(ctx context.Context, t *task.Task, snap *registry.Snapshot) (*Result, error) {
	endpoint, err := snap.Resolve(t.ServiceType, t.TenantID)
	if err != nil {
		d.fail(ctx, t)
		code := registry.ErrorCode(err)
		if code == "" {
			code = CodeInternal
		}
		return nil, &DelegationError{
			Code:    code,
			Message: err.Error(),
			TaskID:  t.ID,
		}
	}

	cred, err := d.sessions.GetCredential(ctx, t.SessionKey)
	if err != nil {
		return nil, &DelegationError{
			Code:      CodeInternal,
			Message:   fmt.Sprintf("failed to read session %s: %v", t.SessionKey, err),
			TaskID:    t.ID,
			Retryable: true,
		}
	}

	if !cred.Usable(d.now()) {
		redirect, err := d.coord.BeginFlow(ctx, t)
		if err != nil {
			d.fail(ctx, t)
			return nil, &DelegationError{
				Code:      CodeInternal,
				Message:   fmt.Sprintf("failed to begin authorization: %v", err),
				TaskID:    t.ID,
				Retryable: true,
			}
		}
		d.publish(ctx, t, t.Status, task.StatusAuthRequired)
		t.Status = task.StatusAuthRequired
		return &Result{TaskID: t.ID, Status: task.StatusAuthRequired, RedirectURL: redirect}, nil
	}

	if t.Status != task.StatusWorking {
		if err := d.tasks.UpdateStatus(ctx, t.ID, task.StatusWorking); err != nil {
			return nil, &DelegationError{
				Code:      CodeInternal,
				Message:   fmt.Sprintf("failed to mark task working: %v", err),
				TaskID:    t.ID,
				Retryable: true,
			}
		}
		d.publish(ctx, t, t.Status, task.StatusWorking)
		t.Status = task.StatusWorking
	}

	res, err := d.sendWithRetry(ctx, endpoint.URL, t, cred)
	if err != nil {
		d.fail(ctx, t)
		return nil, &DelegationError{
			Code:      CodeRemoteFailure,
			Message:   err.Error(),
			TaskID:    t.ID,
			Retryable: transient(err),
		}
	}

	// The remote service is the authority for the remote id. A missing id
	// means the call completed synchronously without creating a remote task;
	// the local record stays unlinked.
	if res.ID != "" {
		if err := d.tasks.Link(ctx, t.ID, res.ID); err != nil {
			d.fail(ctx, t)
			return nil, &DelegationError{
				Code:    CodeInternal,
				Message: fmt.Sprintf("failed to link remote task %s: %v", res.ID, err),
				TaskID:  t.ID,
			}
		}
		t.RemoteTaskID = res.ID
	}

	// A remote task still in progress keeps the local record at working;
	// the caller polls or resumes it later once the remote side finishes.
	if !res.Completed() {
		slog.Info(fmt.Sprintf("%s - task %s accepted remotely, still working: card=%s remote=%s",
			logPrefix, t.ID, endpoint.CardName, t.RemoteTaskID))
		return &Result{
			TaskID:       t.ID,
			Status:       task.StatusWorking,
			Output:       res.Output,
			RemoteTaskID: t.RemoteTaskID,
		}, nil
	}

	if err := d.tasks.UpdateStatus(ctx, t.ID, task.StatusCompleted); err != nil {
		return nil, &DelegationError{
			Code:      CodeInternal,
			Message:   fmt.Sprintf("failed to complete task: %v", err),
			TaskID:    t.ID,
			Retryable: true,
		}
	}
	d.publish(ctx, t, task.StatusWorking, task.StatusCompleted)
	t.Status = task.StatusCompleted

	slog.Info(fmt.Sprintf("%s - task %s completed: card=%s remote=%s",
		logPrefix, t.ID, endpoint.CardName, t.RemoteTaskID))

	return &Result{
		TaskID:       t.ID,
		Status:       task.StatusCompleted,
		Output:       res.Output,
		RemoteTaskID: t.RemoteTaskID,
	}, nil
}

// sendWithRetry calls the remote endpoint with exponential backoff. Only
// transient failures are retried; the first non-transient failure is
// returned immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, endpointURL string, t *task.Task, cred *session.Credential) (*remote.TaskResult, error) {
	var lastErr error
	delay := d.retry.BaseDelay

	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		res, err := d.sender.Send(ctx, endpointURL, t.Payload, t.SessionKey, cred)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !transient(err) || attempt == d.retry.MaxAttempts {
			break
		}

		slog.Warn(fmt.Sprintf("%s - task %s attempt %d/%d failed, retrying in %s: %v",
			logPrefix, t.ID, attempt, d.retry.MaxAttempts, delay, err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// transient reports whether a remote-call failure may succeed if retried.
// HTTP 5xx and transport errors are transient; 4xx, logical rejections in
// the response envelope, and context cancellation are not.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	var remoteErr *remote.RemoteError
	if errors.As(err, &remoteErr) {
		return false
	}
	return true
}

// fail moves the task to failed, best effort. The original error is what
// the caller sees; a failed bookkeeping write only logs.
func (d *Dispatcher) fail(ctx context.Context, t *task.Task) {
	from := t.Status
	if err := d.tasks.UpdateStatus(ctx, t.ID, task.StatusFailed); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to mark task %s failed: %v", logPrefix, t.ID, err))
		return
	}
	d.publish(ctx, t, from, task.StatusFailed)
	t.Status = task.StatusFailed
}

// publish emits a lifecycle event, best effort.
func (d *Dispatcher) publish(ctx context.Context, t *task.Task, from, to task.Status) {
	event := &events.TaskChangedEvent{
		TaskID:       t.ID,
		SessionKey:   t.SessionKey,
		ServiceType:  t.ServiceType,
		From:         string(from),
		To:           string(to),
		RemoteTaskID: t.RemoteTaskID,
		Timestamp:    d.now().UTC().Format(time.RFC3339Nano),
	}
	if err := d.publisher.PublishTaskChanged(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish task change for %s: %v", logPrefix, t.ID, err))
	}
}
