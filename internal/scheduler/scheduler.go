// Package scheduler decides which runnable task a requesting node should
// execute next, honoring priority and dependency order. It tracks the
// full task lifecycle including retry and cancellation.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/forge/internal/forgeerr"
	"github.com/dyluth/forge/pkg/buildplane"
)

// Priority orders tasks in the queue. Higher values are served first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority maps a request priority string to a Priority.
// Unknown or empty strings map to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// TaskStatus defines the lifecycle state of a scheduled task.
// A task is in exactly one status at any time.
type TaskStatus string

const (
	// TaskStatusPending is the transient state before queue/waiting placement
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusQueued means the task is in the priority queue, runnable
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusWaiting means the task is blocked on unmet dependencies
	TaskStatusWaiting TaskStatus = "waiting"

	// TaskStatusRunning means the task has been claimed by a node
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted is terminal success
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed is terminal failure (retries exhausted or not retryable)
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled is terminal cancellation
	TaskStatusCancelled TaskStatus = "cancelled"
)

// maxRetries caps how many times a retryable failure is requeued.
const maxRetries = 3

// ScheduledTask wraps a BuildTask with scheduling metadata. Owned by the
// scheduler for its lifetime; callers receive it on claim and report back
// through CompleteTask/FailTask.
type ScheduledTask struct {
	Task          *buildplane.BuildTask
	Priority      Priority
	ScheduledTime time.Time
	Status        TaskStatus
	RetryCount    int
	Err           error
	Result        *buildplane.TaskResult

	seq       uint64 // Submission order, set by the queue
	heapIndex int    // Position in the heap, maintained by the queue
}

// Statistics is a derived snapshot of scheduler state.
type Statistics struct {
	Queued        int            `json:"queued"`
	Waiting       int            `json:"waiting"`
	Running       int            `json:"running"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	Cancelled     int            `json:"cancelled"`
	AvgDurationMs int64          `json:"avg_duration_ms"`
	SuccessRate   float64        `json:"success_rate"`
	TasksByType   map[string]int `json:"tasks_by_type"`
}

// Scheduler maintains the priority queue of runnable tasks, the waiting
// set blocked on unmet dependencies, and the running set. One mutex
// guards all of them, so claiming a task and transitioning it is atomic:
// no two nodes can claim the same task.
type Scheduler struct {
	mu sync.Mutex

	queue   *taskQueue
	tasks   map[string]*ScheduledTask // every task ever scheduled, by id
	waiting map[string]*ScheduledTask
	running map[string]*ScheduledTask

	completedIDs map[string]struct{}        // satisfied dependency ids
	dependencies map[string][]string        // task id -> dependency task ids
	matcher      CapabilityMatcher

	sweepInterval time.Duration
	sweepCancel   context.CancelFunc
}

// New creates a scheduler with the given capability matcher. Pass nil to
// use the DefaultMatcher policy.
func New(matcher CapabilityMatcher) *Scheduler {
	if matcher == nil {
		matcher = DefaultMatcher{}
	}

	return &Scheduler{
		queue:         newTaskQueue(),
		tasks:         make(map[string]*ScheduledTask),
		waiting:       make(map[string]*ScheduledTask),
		running:       make(map[string]*ScheduledTask),
		completedIDs:  make(map[string]struct{}),
		dependencies:  make(map[string][]string),
		matcher:       matcher,
		sweepInterval: time.Second,
	}
}

// Start launches the background sweep that re-evaluates the waiting set
// on a ticker, independent of task completions. Covers dependencies
// satisfied externally (e.g. restored from a cache sync). Stop with
// Stop() or by cancelling ctx.
func (s *Scheduler) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.sweepCancel = cancel
	interval := s.sweepInterval
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				s.promoteWaitingLocked()
				s.mu.Unlock()
			}
		}
	}()
}

// Stop cancels the background sweep. Safe to call if Start never ran.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.sweepCancel
	s.sweepCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ScheduleTask registers one task. If the task's declared dependencies
// are not all satisfied it enters the waiting set; otherwise it is
// inserted into the priority queue. Returns the task id.
func (s *Scheduler) ScheduleTask(task *buildplane.BuildTask, priority Priority) (string, error) {
	if err := task.Validate(); err != nil {
		return "", &forgeerr.ValidationError{Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return "", &forgeerr.ValidationError{Reason: fmt.Sprintf("task %s already scheduled", task.ID)}
	}

	st := &ScheduledTask{
		Task:          task,
		Priority:      priority,
		ScheduledTime: time.Now(),
		Status:        TaskStatusPending,
	}
	s.tasks[task.ID] = st

	if len(task.Dependencies) > 0 {
		s.dependencies[task.ID] = task.Dependencies
	}

	s.placeLocked(st)

	return task.ID, nil
}

// ScheduleTasks registers a batch of tasks with an explicit dependency
// map (task id -> dependency task ids). The map is installed first so
// every task of the batch sees the full graph; scheduling then follows
// the same semantics as repeated single calls.
func (s *Scheduler) ScheduleTasks(tasks []*buildplane.BuildTask, dependencyMap map[string][]string, priority Priority) error {
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return &forgeerr.ValidationError{Reason: err.Error()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, deps := range dependencyMap {
		s.dependencies[id] = deps
	}

	for _, task := range tasks {
		if _, exists := s.tasks[task.ID]; exists {
			return &forgeerr.ValidationError{Reason: fmt.Sprintf("task %s already scheduled", task.ID)}
		}

		st := &ScheduledTask{
			Task:          task,
			Priority:      priority,
			ScheduledTime: time.Now(),
			Status:        TaskStatusPending,
		}
		s.tasks[task.ID] = st
		s.placeLocked(st)
	}

	return nil
}

// NextTask pops the highest-priority runnable task whose requirements the
// requesting node can satisfy, transitions it to running, and assigns the
// node. Returns nil if the queue is empty or the top task does not match
// the node's capabilities - in the latter case the task stays queued so
// another node can claim it later.
func (s *Scheduler) NextTask(nodeID string, caps *buildplane.NodeCapabilities) *ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	top := s.queue.peek()
	if top == nil {
		return nil
	}

	if !s.matcher.Matches(top.Task, caps) {
		return nil
	}

	st := s.queue.pop()
	st.Status = TaskStatusRunning
	st.Task.AssignedNodeID = nodeID
	s.running[st.Task.ID] = st

	return st
}

// CompleteTask records a successful result for a running task and
// re-evaluates the waiting set: any task whose dependencies are now all
// satisfied moves to the queue.
func (s *Scheduler) CompleteTask(taskID string, result *buildplane.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.running[taskID]
	if !ok {
		return forgeerr.NewNotFound("task", taskID)
	}

	delete(s.running, taskID)
	st.Status = TaskStatusCompleted
	st.Result = result
	s.completedIDs[taskID] = struct{}{}

	s.promoteWaitingLocked()

	return nil
}

// FailTask records a failure for a running task. Retryable failures under
// the retry cap are requeued; anything else is terminal.
func (s *Scheduler) FailTask(taskID string, taskErr error) error {
	return s.FailTaskWithResult(taskID, nil, taskErr)
}

// FailTaskWithResult is FailTask with the node-reported result attached,
// so a terminal failure keeps the task's own error output for
// aggregation.
func (s *Scheduler) FailTaskWithResult(taskID string, result *buildplane.TaskResult, taskErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.running[taskID]
	if !ok {
		return forgeerr.NewNotFound("task", taskID)
	}

	delete(s.running, taskID)
	if result != nil {
		st.Result = result
	}
	st.Err = taskErr
	st.Task.AssignedNodeID = ""

	if forgeerr.IsRetryable(taskErr) && st.RetryCount < maxRetries {
		st.RetryCount++
		st.Status = TaskStatusQueued
		s.queue.requeue(st)
		log.Printf("[Scheduler] Requeued task %s after retryable failure (attempt %d/%d): %v",
			taskID, st.RetryCount, maxRetries, taskErr)
		return nil
	}

	st.Status = TaskStatusFailed
	log.Printf("[Scheduler] Task %s failed terminally: %v", taskID, taskErr)
	return nil
}

// CancelTask marks a task cancelled wherever it currently lives: the
// queue, the waiting set, or the running set. Queued tasks are removed
// individually - cancelling one task never disturbs its neighbors.
// Cancelling a running task is advisory; the executing node is notified
// by the coordinator, not forced.
func (s *Scheduler) CancelTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if removed := s.queue.removeByID(taskID); removed != nil {
		removed.Status = TaskStatusCancelled
		return nil
	}

	if st, ok := s.waiting[taskID]; ok {
		delete(s.waiting, taskID)
		st.Status = TaskStatusCancelled
		return nil
	}

	if st, ok := s.running[taskID]; ok {
		delete(s.running, taskID)
		st.Status = TaskStatusCancelled
		return nil
	}

	return forgeerr.NewNotFound("task", taskID)
}

// GetTask returns a snapshot of the scheduled task with the given id, or
// nil.
func (s *Scheduler) GetTask(taskID string) *ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return nil
	}

	snapshot := *st
	return &snapshot
}

// Serviceable reports whether a known task could run on a node with the
// given capabilities, ignoring the node's current load. Unknown tasks
// are not serviceable.
func (s *Scheduler) Serviceable(taskID string, caps *buildplane.NodeCapabilities) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return false
	}

	return s.matcher.Matches(st.Task, caps)
}

// RunningTasks returns a snapshot of the running set.
func (s *Scheduler) RunningTasks() []*ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ScheduledTask, 0, len(s.running))
	for _, st := range s.running {
		out = append(out, st)
	}
	return out
}

// GetStatistics derives per-state counts, average completed-task
// duration, success rate, and the per-type distribution.
func (s *Scheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{TasksByType: make(map[string]int)}

	var totalDurationMs int64

	for _, st := range s.tasks {
		stats.TasksByType[string(st.Task.Type)]++

		switch st.Status {
		case TaskStatusQueued, TaskStatusPending:
			stats.Queued++
		case TaskStatusWaiting:
			stats.Waiting++
		case TaskStatusRunning:
			stats.Running++
		case TaskStatusCompleted:
			stats.Completed++
			if st.Result != nil {
				totalDurationMs += st.Result.DurationMs
			}
		case TaskStatusFailed:
			stats.Failed++
		case TaskStatusCancelled:
			stats.Cancelled++
		}
	}

	if stats.Completed > 0 {
		stats.AvgDurationMs = totalDurationMs / int64(stats.Completed)
	}

	finished := stats.Completed + stats.Failed
	if finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}

	return stats
}

// placeLocked routes a pending task to the queue or the waiting set
// depending on whether its dependencies are satisfied. Caller holds the
// mutex.
func (s *Scheduler) placeLocked(st *ScheduledTask) {
	if s.dependenciesMetLocked(st.Task.ID) {
		st.Status = TaskStatusQueued
		s.queue.push(st)
		return
	}

	st.Status = TaskStatusWaiting
	s.waiting[st.Task.ID] = st
}

// dependenciesMetLocked reports whether every dependency of a task is in
// the completed set. Caller holds the mutex.
func (s *Scheduler) dependenciesMetLocked(taskID string) bool {
	for _, dep := range s.dependencies[taskID] {
		if _, done := s.completedIDs[dep]; !done {
			return false
		}
	}
	return true
}

// promoteWaitingLocked moves every waiting task whose dependencies are
// now satisfied into the queue. Caller holds the mutex.
func (s *Scheduler) promoteWaitingLocked() {
	for id, st := range s.waiting {
		if s.dependenciesMetLocked(id) {
			delete(s.waiting, id)
			st.Status = TaskStatusQueued
			s.queue.push(st)
		}
	}
}

// MarkDependencySatisfied records an externally-satisfied dependency
// (e.g. a cache hit meant the task never ran) and promotes any waiting
// tasks it unblocks.
func (s *Scheduler) MarkDependencySatisfied(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completedIDs[taskID] = struct{}{}
	s.promoteWaitingLocked()
}
