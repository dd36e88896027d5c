package commsutil

import "fmt"

// Default COMMS subjects for task lifecycle events.
const (
	SubjectTaskChanged = "task.changed"
)

// BuildTaskChangeSubject builds a granular change event subject keyed by the
// new task status, e.g. "task.changed.auth_required".
func BuildTaskChangeSubject(status string) string {
	return fmt.Sprintf("%s.%s", SubjectTaskChanged, status)
}
