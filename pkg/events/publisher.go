package events

import "context"

// Publisher is the interface for publishing task lifecycle events.
type Publisher interface {
	PublishTaskChanged(ctx context.Context, event *TaskChangedEvent) error
}

// NoOpPublisher is a Publisher that does nothing (for in-process usage
// without an event bus).
type NoOpPublisher struct{}

// PublishTaskChanged is a no-op.
func (p *NoOpPublisher) PublishTaskChanged(_ context.Context, _ *TaskChangedEvent) error {
	return nil
}

// CallbackPublisher is a Publisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *TaskChangedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *TaskChangedEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishTaskChanged calls the callback.
func (p *CallbackPublisher) PublishTaskChanged(ctx context.Context, event *TaskChangedEvent) error {
	return p.callback(ctx, event)
}
