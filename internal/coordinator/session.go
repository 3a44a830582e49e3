package coordinator

import (
	"fmt"

	"github.com/dyluth/forge/pkg/buildplane"
)

// SessionStatus defines the lifecycle state of a build session.
// Sessions progress queued → running → completed/failed/cancelled;
// terminal states admit the next queued build.
type SessionStatus string

const (
	// SessionStatusQueued indicates the session is waiting for admission
	SessionStatusQueued SessionStatus = "queued"

	// SessionStatusRunning indicates the distributed build is executing
	SessionStatusRunning SessionStatus = "running"

	// SessionStatusCompleted is terminal success
	SessionStatusCompleted SessionStatus = "completed"

	// SessionStatusFailed is terminal failure
	SessionStatusFailed SessionStatus = "failed"

	// SessionStatusCancelled is terminal cancellation
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Validate checks if the SessionStatus is a valid enum value.
func (ss SessionStatus) Validate() error {
	switch ss {
	case SessionStatusQueued, SessionStatusRunning, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("unknown session status: %q", ss)
	}
}

// Terminal reports whether the status admits no further transitions.
func (ss SessionStatus) Terminal() bool {
	switch ss {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// BuildSession is the lifecycle record of one submitted build request.
// Mutated only by the coordinator under its mutex; callers receive
// snapshots.
type BuildSession struct {
	ID           string                   `json:"id"`
	Request      *buildplane.BuildRequest `json:"request"`
	Status       SessionStatus            `json:"status"`
	Result       *buildplane.BuildResult  `json:"result,omitempty"`
	Error        string                   `json:"error,omitempty"`
	TaskIDs      []string                 `json:"task_ids,omitempty"`
	FromCache    bool                     `json:"from_cache"`
	CreatedAtMs  int64                    `json:"created_at_ms"`
	StartedAtMs  int64                    `json:"started_at_ms,omitempty"`
	FinishedAtMs int64                    `json:"finished_at_ms,omitempty"`
}

// snapshot returns a defensive copy safe to hand outside the mutex.
func (s *BuildSession) snapshot() *BuildSession {
	cp := *s

	if s.Result != nil {
		result := *s.Result
		result.Errors = append([]string(nil), s.Result.Errors...)
		result.Artifacts = append([]string(nil), s.Result.Artifacts...)
		cp.Result = &result
	}

	cp.TaskIDs = append([]string(nil), s.TaskIDs...)

	return &cp
}
