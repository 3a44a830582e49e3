// Package buildplane provides type-safe Go definitions and Redis schema
// patterns for the Forge build plane. The build plane is the shared state
// system where all Forge components (coordinator, worker nodes, CLI)
// interact via well-defined data structures stored in Redis.
//
// All Redis keys and channels are namespaced by instance name to enable
// multiple Forge instances to safely coexist on a single Redis server.
package buildplane

import (
	"fmt"

	"github.com/google/uuid"
)

// TaskType identifies the kind of work a build task performs. The type
// drives capability matching: not every worker node can run every task.
type TaskType string

const (
	TaskTypeCompile TaskType = "compile"
	TaskTypeLink    TaskType = "link"
	TaskTypeTest    TaskType = "test"
	TaskTypeArchive TaskType = "archive"
	TaskTypeAnalyze TaskType = "analyze"
)

// Validate checks if the TaskType is a valid enum value.
func (tt TaskType) Validate() error {
	switch tt {
	case TaskTypeCompile, TaskTypeLink, TaskTypeTest, TaskTypeArchive, TaskTypeAnalyze:
		return nil
	default:
		return fmt.Errorf("unknown task type: %q", tt)
	}
}

// BuildTask is a single unit of build work. Tasks are immutable once
// scheduled except for AssignedNodeID, which the scheduler sets when the
// task is claimed by a node.
type BuildTask struct {
	ID             string   `json:"id"`                         // UUID - unique identifier for this task
	Type           TaskType `json:"type"`                       // Kind of work (compile, link, ...)
	Files          []string `json:"files"`                      // Input files this task consumes
	Dependencies   []string `json:"dependencies"`               // Task IDs that must complete first
	AssignedNodeID string   `json:"assigned_node_id,omitempty"` // Node executing this task, set on dispatch
}

// Validate checks if the BuildTask has valid field values.
func (t *BuildTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	if err := t.Type.Validate(); err != nil {
		return fmt.Errorf("invalid task type: %w", err)
	}

	return nil
}

// TaskResult is the outcome of one task execution on one node.
// Artifacts carries the produced names; Bundle carries name → content for
// results that feed the build cache.
type TaskResult struct {
	TaskID     string    `json:"task_id"`
	NodeID     string    `json:"node_id"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Errors     []string  `json:"errors,omitempty"`
	Artifacts  []string  `json:"artifacts,omitempty"` // Artifact names produced by this task
	Bundle     Artifacts `json:"bundle,omitempty"`    // Artifact contents, keyed by name
}

// BuildResult is the session-level reduction of all task results:
// success is the AND of every task, duration is the sum, and
// errors/artifacts are concatenated.
type BuildResult struct {
	Success    bool     `json:"success"`
	DurationMs int64    `json:"duration_ms"`
	Errors     []string `json:"errors,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
}

// Merge folds a task result into the aggregate.
func (r *BuildResult) Merge(tr *TaskResult) {
	r.Success = r.Success && tr.Success
	r.DurationMs += tr.DurationMs
	r.Errors = append(r.Errors, tr.Errors...)
	r.Artifacts = append(r.Artifacts, tr.Artifacts...)
}

// BuildRequest describes one build submission from a client.
type BuildRequest struct {
	ID           string   `json:"id"`           // UUID - unique identifier for this request
	ProjectName  string   `json:"project_name"` // Human-readable project name
	Targets      []string `json:"targets"`      // Source files / targets to build
	Dependencies []string `json:"dependencies"` // External dependency names (cache invalidation keys)
	Priority     string   `json:"priority"`     // low, normal, high, critical
}

// Validate checks if the BuildRequest has valid field values.
func (r *BuildRequest) Validate() error {
	if !isValidUUID(r.ID) {
		return fmt.Errorf("invalid request ID: not a valid UUID")
	}

	if r.ProjectName == "" {
		return fmt.Errorf("project name cannot be empty")
	}

	if len(r.Targets) == 0 {
		return fmt.Errorf("request must declare at least one target")
	}

	return nil
}

// NodeStatus defines the lifecycle state of a worker node.
type NodeStatus string

const (
	// NodeStatusIdle indicates the node is registered and ready for work
	NodeStatusIdle NodeStatus = "idle"

	// NodeStatusActive indicates the node is executing at least one task
	NodeStatusActive NodeStatus = "active"

	// NodeStatusOffline indicates the node has shut down or missed heartbeats
	NodeStatusOffline NodeStatus = "offline"
)

// Validate checks if the NodeStatus is a valid enum value.
func (ns NodeStatus) Validate() error {
	switch ns {
	case NodeStatusIdle, NodeStatusActive, NodeStatusOffline:
		return nil
	default:
		return fmt.Errorf("unknown node status: %q", ns)
	}
}

// NodeCapabilities describes what a worker node can do. Capability
// matching compares these fields against a task's requirements.
type NodeCapabilities struct {
	Cores     int      `json:"cores"`
	MemoryGB  int      `json:"memory_gb"`
	StorageGB int      `json:"storage_gb"`
	Platforms []string `json:"platforms"` // e.g. "macOS", "iOS", "linux"
}

// SupportsPlatform reports whether the node can build for the given platform.
func (c *NodeCapabilities) SupportsPlatform(platform string) bool {
	for _, p := range c.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// BuildNode is a snapshot of one worker node's registry entry. Node
// lifecycle is owned by the registry; core components only read snapshots
// and adjust AvailableCapacity atomically with task assignment.
type BuildNode struct {
	ID                string           `json:"id"`
	Host              string           `json:"host"`
	Capabilities      NodeCapabilities `json:"capabilities"`
	Status            NodeStatus       `json:"status"`
	AvailableCapacity int              `json:"available_capacity"` // Task slots currently free
	LastSeenMs        int64            `json:"last_seen_ms"`       // Unix millis of last heartbeat
}

// Validate checks if the BuildNode has valid field values.
func (n *BuildNode) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}

	if n.Host == "" {
		return fmt.Errorf("node host cannot be empty")
	}

	if err := n.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if n.Capabilities.Cores < 1 {
		return fmt.Errorf("node must have at least 1 core, got %d", n.Capabilities.Cores)
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
