// Package events defines task lifecycle event types and publisher interfaces.
package events

// TaskChangedEvent is emitted whenever a task's status transitions.
type TaskChangedEvent struct {
	TaskID       string `json:"taskId"`
	SessionKey   string `json:"sessionKey"`
	ServiceType  string `json:"serviceType,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to"`
	RemoteTaskID string `json:"remoteTaskId,omitempty"`
	Timestamp    string `json:"timestamp"`
}
