package dispatcher

import (
	"fmt"
)

// Dispatcher failure codes, in addition to the registry codes that pass
// through unchanged.
const (
	CodeUnclassifiedRequest = "UNCLASSIFIED_REQUEST"
	CodeRemoteFailure       = "REMOTE_FAILURE"
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeTaskNotResumable    = "TASK_NOT_RESUMABLE"
	CodeInternal            = "INTERNAL"
)

// DelegationError is the structured failure surfaced to callers. TaskID is
// set whenever a durable task record exists for the failed delegation, so
// the caller can inspect or resume it. Retryable marks failures the caller
// may meaningfully submit again.
type DelegationError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TaskID    string `json:"taskId,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *DelegationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task %s)", e.Code, e.Message, e.TaskID)
	}
	return e.Code + ": " + e.Message
}

// NewDelegationError creates a DelegationError.
func NewDelegationError(code, message string) *DelegationError {
	return &DelegationError{Code: code, Message: message}
}

// ErrorCode extracts the delegation error code from err, or "" if err is
// not a DelegationError.
func ErrorCode(err error) string {
	if dErr, ok := err.(*DelegationError); ok {
		return dErr.Code
	}
	return ""
}
