// Package forgeerr defines the error taxonomy shared by the build cache,
// task scheduler, and build coordinator. Errors are classified so the
// coordinator can decide whether a failed task is worth retrying.
package forgeerr

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates a session, node, or cache entry is absent.
type NotFoundError struct {
	Kind string // "session", "node", "cache entry", "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ValidationError indicates a malformed task, request, or dependency graph.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// IOError wraps a storage or network failure.
type IOError struct {
	Op  string // operation being attempted, e.g. "put artifacts"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates a node or network deadline was exceeded.
type TimeoutError struct {
	Op     string
	NodeID string
}

func (e *TimeoutError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("timeout during %s (node %s)", e.Op, e.NodeID)
	}
	return fmt.Sprintf("timeout during %s", e.Op)
}

// CapacityError indicates no capable node exists or a concurrency limit
// was reached.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exhausted: %s", e.Reason)
}

// ErrNoCapableNode is returned when no registered node can execute a task.
var ErrNoCapableNode = &CapacityError{Reason: "no capable node available"}

// NewNotFound builds a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable classifies an error as transient. Timeouts, network failures,
// and anything self-describing as temporary are worth requeueing; everything
// else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	var io *IOError
	if errors.As(err, &io) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "network", "temporary", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
