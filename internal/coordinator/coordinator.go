// Package coordinator owns build sessions: cache short-circuit, task
// plan construction, parallel dispatch across worker nodes, result
// aggregation, and queued-build admission control.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/forge/internal/cache"
	"github.com/dyluth/forge/internal/forgeerr"
	"github.com/dyluth/forge/internal/scheduler"
	"github.com/dyluth/forge/pkg/buildplane"
)

// NodeRegistry is the coordinator's view of the node registry
// collaborator. Satisfied by buildplane.Client.
type NodeRegistry interface {
	ListNodes(ctx context.Context) ([]*buildplane.BuildNode, error)
	GetNode(ctx context.Context, nodeID string) (*buildplane.BuildNode, error)
	UpdateNodeStatus(ctx context.Context, nodeID string, status buildplane.NodeStatus) error
	UpdateNodeCapacity(ctx context.Context, nodeID string, capacity int) error
}

// Transport is the coordinator's view of the network transport
// collaborator. Satisfied by buildplane.Client.
type Transport interface {
	Send(ctx context.Context, env *buildplane.Envelope, nodeID string) error
	Broadcast(ctx context.Context, env *buildplane.Envelope) error
	Request(ctx context.Context, env *buildplane.Envelope, nodeID string, timeout time.Duration) (*buildplane.Envelope, error)
}

// Options configures a Coordinator.
type Options struct {
	// MaxConcurrentBuilds bounds the number of sessions executing at
	// once; further submissions queue FIFO. Default 4.
	MaxConcurrentBuilds int

	// TaskTimeout bounds one task round-trip to a node. Default 60s.
	TaskTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{MaxConcurrentBuilds: 4, TaskTimeout: 60 * time.Second}
	if o == nil {
		return opts
	}
	if o.MaxConcurrentBuilds > 0 {
		opts.MaxConcurrentBuilds = o.MaxConcurrentBuilds
	}
	if o.TaskTimeout > 0 {
		opts.TaskTimeout = o.TaskTimeout
	}
	return opts
}

// SystemStatistics is a derived snapshot of coordinator health.
type SystemStatistics struct {
	ActiveBuilds      int                  `json:"active_builds"`
	QueuedBuilds      int                  `json:"queued_builds"`
	CompletedBuilds   int                  `json:"completed_builds"`
	FailedBuilds      int                  `json:"failed_builds"`
	AvailableNodes    int                  `json:"available_nodes"`
	AvailableCapacity int                  `json:"available_capacity"`
	AvgBuildMs        int64                `json:"avg_build_ms"`
	CacheHitRate      float64              `json:"cache_hit_rate"`
	Cache             cache.Statistics     `json:"cache"`
	Scheduler         scheduler.Statistics `json:"scheduler"`
}

// Coordinator turns build requests into distributed task executions.
// All session state is guarded by one mutex; the distributed execution
// itself runs in per-session goroutines that report back under the same
// mutex.
type Coordinator struct {
	mu sync.Mutex

	// claimMu serializes capacity reservation and release across
	// concurrent session waves. Held separately from mu; never acquire
	// claimMu while holding mu.
	claimMu sync.Mutex

	instanceName string
	cache        *cache.BuildCache
	sched        *scheduler.Scheduler
	registry     NodeRegistry
	transport    Transport
	planner      Planner
	opts         Options

	sessions  map[string]*BuildSession
	admission []string // queued session ids, FIFO
	active    int

	completedBuilds int
	failedBuilds    int
	totalBuildMs    int64

	rrCursor int // round-robin distribution cursor
}

// New creates a coordinator. Pass nil planner to use the DefaultPlanner.
func New(instanceName string, buildCache *cache.BuildCache, sched *scheduler.Scheduler, registry NodeRegistry, transport Transport, planner Planner, opts *Options) *Coordinator {
	if planner == nil {
		planner = DefaultPlanner{}
	}

	return &Coordinator{
		instanceName: instanceName,
		cache:        buildCache,
		sched:        sched,
		registry:     registry,
		transport:    transport,
		planner:      planner,
		opts:         opts.withDefaults(),
		sessions:     make(map[string]*BuildSession),
	}
}

// SubmitBuild admits a build request. If the cache already holds a result
// for the request and its declared dependencies, the returned session is
// already completed and nothing is dispatched. Otherwise the session is
// queued and started immediately when the concurrency limit and node
// availability allow. Never blocks past admission - all later failure
// detail is read through GetBuildStatus.
func (c *Coordinator) SubmitBuild(ctx context.Context, request *buildplane.BuildRequest) (*BuildSession, error) {
	if err := request.Validate(); err != nil {
		return nil, &forgeerr.ValidationError{Reason: err.Error()}
	}

	session := &BuildSession{
		ID:          uuid.New().String(),
		Request:     request,
		Status:      SessionStatusQueued,
		CreatedAtMs: time.Now().UnixMilli(),
	}

	// Cache short-circuit: an exact (request, dependency-set) match
	// completes the session without dispatching anything.
	cached, err := c.cache.Retrieve(ctx, fingerprintTask(request), request.Dependencies)
	if err != nil {
		log.Printf("[Coordinator] Cache lookup failed for request %s: %v", request.ID, err)
		// Degraded cache is not fatal; fall through to a real build.
	}
	if cached != nil {
		session.Status = SessionStatusCompleted
		session.FromCache = true
		session.Result = resultFromBundle(cached)
		session.FinishedAtMs = time.Now().UnixMilli()

		c.mu.Lock()
		c.sessions[session.ID] = session
		c.completedBuilds++
		c.mu.Unlock()

		c.logEvent("build_cache_hit", map[string]interface{}{
			"session_id": session.ID,
			"request_id": request.ID,
		})

		return session.snapshot(), nil
	}

	c.mu.Lock()
	c.sessions[session.ID] = session

	start := c.active < c.opts.MaxConcurrentBuilds
	if start {
		c.active++
		session.Status = SessionStatusRunning
		session.StartedAtMs = time.Now().UnixMilli()
	} else {
		c.admission = append(c.admission, session.ID)
	}
	c.mu.Unlock()

	c.logEvent("build_submitted", map[string]interface{}{
		"session_id": session.ID,
		"request_id": request.ID,
		"project":    request.ProjectName,
		"started":    start,
	})

	if start {
		go c.executeDistributedBuild(ctx, session.ID)
	}

	return c.GetBuildStatus(session.ID)
}

// GetBuildStatus returns a snapshot of the session, or a NotFoundError.
func (c *Coordinator) GetBuildStatus(sessionID string) (*BuildSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, forgeerr.NewNotFound("session", sessionID)
	}

	return session.snapshot(), nil
}

// ListSessions returns snapshots of every session, newest first.
func (c *Coordinator) ListSessions() []*BuildSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*BuildSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		out = append(out, session.snapshot())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAtMs > out[j].CreatedAtMs
	})

	return out
}

// CancelBuild marks the session cancelled, cancels its scheduled tasks,
// and notifies every node (best-effort, no acknowledgment required).
// Already-dispatched tasks are asked to stop, not forced.
func (c *Coordinator) CancelBuild(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return forgeerr.NewNotFound("session", sessionID)
	}

	if session.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}

	wasQueued := session.Status == SessionStatusQueued
	session.Status = SessionStatusCancelled
	session.FinishedAtMs = time.Now().UnixMilli()
	taskIDs := append([]string(nil), session.TaskIDs...)

	if wasQueued {
		c.removeFromAdmissionLocked(sessionID)
	}
	c.mu.Unlock()

	for _, taskID := range taskIDs {
		if err := c.sched.CancelTask(taskID); err != nil && !forgeerr.IsNotFound(err) {
			log.Printf("[Coordinator] Failed to cancel task %s: %v", taskID, err)
		}
	}

	env, err := buildplane.NewEnvelope(buildplane.MessageTypeTaskCancel, "coordinator", map[string]any{
		"session_id": sessionID,
		"task_ids":   taskIDs,
	})
	if err == nil {
		if err := c.transport.Broadcast(ctx, env); err != nil {
			log.Printf("[Coordinator] Failed to broadcast cancel for session %s: %v", sessionID, err)
		}
	}

	c.logEvent("build_cancelled", map[string]interface{}{"session_id": sessionID})

	// A cancelled running session frees its slot through finishSession
	// when its goroutine observes the status; a queued one frees nothing.
	return nil
}

// HandleNodeLoss reacts to a node disappearing mid-build: its in-flight
// tasks are failed with a retryable error so the scheduler requeues them
// for the remaining nodes, and the node is marked offline. Tasks are
// never silently dropped.
func (c *Coordinator) HandleNodeLoss(ctx context.Context, nodeID string) {
	c.logEvent("node_lost", map[string]interface{}{"node_id": nodeID})

	if err := c.registry.UpdateNodeStatus(ctx, nodeID, buildplane.NodeStatusOffline); err != nil {
		log.Printf("[Coordinator] Failed to mark node %s offline: %v", nodeID, err)
	}

	for _, st := range c.sched.RunningTasks() {
		if st.Task.AssignedNodeID != nodeID {
			continue
		}

		err := c.sched.FailTask(st.Task.ID, &forgeerr.TimeoutError{Op: "node lost", NodeID: nodeID})
		if err != nil {
			log.Printf("[Coordinator] Failed to requeue task %s from lost node: %v", st.Task.ID, err)
		}
	}
}

// OptimizeDistribution recomputes the target task→node mapping. The
// default policy is deliberately minimal: running tasks are never
// migrated; the recomputed mapping only affects where not-yet-claimed
// tasks land, which the round-robin claim loop already handles. Returns
// the current running-task distribution for observability.
func (c *Coordinator) OptimizeDistribution(ctx context.Context) (map[string][]string, error) {
	nodes, err := c.activeNodes(ctx)
	if err != nil {
		return nil, err
	}

	distribution := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		distribution[node.ID] = nil
	}

	for _, st := range c.sched.RunningTasks() {
		nodeID := st.Task.AssignedNodeID
		distribution[nodeID] = append(distribution[nodeID], st.Task.ID)
	}

	return distribution, nil
}

// GetSystemStatistics derives coordinator, node pool, cache, and
// scheduler health in one snapshot.
func (c *Coordinator) GetSystemStatistics(ctx context.Context) (*SystemStatistics, error) {
	nodes, err := c.registry.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	c.mu.Lock()
	stats := &SystemStatistics{
		ActiveBuilds:    c.active,
		QueuedBuilds:    len(c.admission),
		CompletedBuilds: c.completedBuilds,
		FailedBuilds:    c.failedBuilds,
	}
	if c.completedBuilds > 0 {
		stats.AvgBuildMs = c.totalBuildMs / int64(c.completedBuilds)
	}
	c.mu.Unlock()

	for _, node := range nodes {
		if node.Status != buildplane.NodeStatusOffline {
			stats.AvailableNodes++
			stats.AvailableCapacity += node.AvailableCapacity
		}
	}

	stats.Cache = c.cache.GetStatistics()
	stats.CacheHitRate = stats.Cache.HitRate
	stats.Scheduler = c.sched.GetStatistics()

	return stats, nil
}

// executeDistributedBuild runs one session to completion: plan, schedule,
// claim-and-dispatch waves over the active nodes, aggregation, and cache
// write-back. Runs in its own goroutine; finishes by admitting the next
// queued session.
func (c *Coordinator) executeDistributedBuild(ctx context.Context, sessionID string) {
	c.mu.Lock()
	session := c.sessions[sessionID]
	request := session.Request
	c.mu.Unlock()

	tasks, depMap, err := c.planner.Plan(request)
	if err != nil {
		c.finishSession(ctx, sessionID, nil, fmt.Errorf("planning failed: %w", err))
		return
	}

	priority := scheduler.ParsePriority(request.Priority)
	if err := c.sched.ScheduleTasks(tasks, depMap, priority); err != nil {
		c.finishSession(ctx, sessionID, nil, fmt.Errorf("scheduling failed: %w", err))
		return
	}

	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
	}

	c.mu.Lock()
	session.TaskIDs = taskIDs
	c.mu.Unlock()

	c.logEvent("build_planned", map[string]interface{}{
		"session_id": sessionID,
		"tasks":      len(taskIDs),
	})

	// Claim-and-dispatch waves until every task reaches a terminal state
	// or the build can no longer make progress.
	for {
		if c.sessionCancelled(ctx, sessionID) {
			return
		}

		if c.allTasksTerminal(taskIDs) {
			break
		}

		nodes, err := c.activeNodes(ctx)
		if err != nil {
			c.finishSession(ctx, sessionID, c.aggregate(taskIDs), fmt.Errorf("node registry unavailable: %w", err))
			return
		}
		if len(nodes) == 0 {
			c.cancelRemaining(taskIDs)
			c.finishSession(ctx, sessionID, c.aggregate(taskIDs), forgeerr.ErrNoCapableNode)
			return
		}

		assignments := c.claimWave(ctx, nodes)
		if len(assignments) == 0 {
			// Tasks of this plan may be in flight on another session's
			// wave; their completion unblocks dependents, so poll again.
			if c.anyRunning(taskIDs) {
				if !c.waitForCapacity(ctx) {
					c.cancelRemaining(taskIDs)
					c.finishSession(ctx, sessionID, c.aggregate(taskIDs), ctx.Err())
					return
				}
				continue
			}

			// Nothing claimable and nothing running. A failed dependency
			// chain ends the build with its aggregate result.
			if c.anyFailed(taskIDs) {
				c.cancelRemaining(taskIDs)
				c.finishSession(ctx, sessionID, c.aggregate(taskIDs), nil)
				return
			}

			// The pool can serve every pending task but has no free
			// capacity right now (slots reserved by concurrent sessions).
			if c.sessionServiceable(taskIDs, nodes) {
				if !c.waitForCapacity(ctx) {
					c.cancelRemaining(taskIDs)
					c.finishSession(ctx, sessionID, c.aggregate(taskIDs), ctx.Err())
					return
				}
				continue
			}

			// A pending task matches no active node's capabilities; the
			// pool can never serve this plan.
			c.cancelRemaining(taskIDs)
			c.finishSession(ctx, sessionID, c.aggregate(taskIDs), forgeerr.ErrNoCapableNode)
			return
		}

		c.dispatchWave(ctx, assignments)
	}

	result := c.aggregate(taskIDs)

	// Write back successful builds so identical requests short-circuit.
	if result.Success {
		bundle := c.collectBundle(taskIDs)
		if len(bundle) > 0 {
			if err := c.cache.Store(ctx, bundle, fingerprintTask(request), request.Dependencies); err != nil {
				log.Printf("[Coordinator] Failed to cache build result for session %s: %v", sessionID, err)
			}
		}
	}

	c.finishSession(ctx, sessionID, result, nil)
}

// claimWave walks the active nodes round-robin, claiming one task per
// free capacity slot per pass, until no node can claim anything more.
// Capacity counters are adjusted atomically with the assignment.
func (c *Coordinator) claimWave(ctx context.Context, nodes []*buildplane.BuildNode) map[string][]*scheduler.ScheduledTask {
	assignments := make(map[string][]*scheduler.ScheduledTask)

	// Claim-and-reserve runs under claimMu so two concurrent session
	// waves cannot both reserve the last free slot on a node. Capacity
	// is re-read inside the lock; the caller's node list may be stale.
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	free := make(map[string]int, len(nodes))
	for _, node := range nodes {
		current, err := c.registry.GetNode(ctx, node.ID)
		if err != nil {
			continue
		}
		free[node.ID] = current.AvailableCapacity
	}

	c.mu.Lock()
	cursor := c.rrCursor
	c.mu.Unlock()

	for {
		progress := false

		for i := 0; i < len(nodes); i++ {
			node := nodes[(cursor+i)%len(nodes)]
			if free[node.ID] <= 0 {
				continue
			}

			st := c.sched.NextTask(node.ID, &node.Capabilities)
			if st == nil {
				continue
			}

			assignments[node.ID] = append(assignments[node.ID], st)
			free[node.ID]--
			progress = true
		}

		if !progress {
			break
		}
	}

	c.mu.Lock()
	c.rrCursor = (cursor + 1) % max(len(nodes), 1)
	c.mu.Unlock()

	// Reserve capacity for the claimed tasks. free already holds the
	// post-claim value for every node read above.
	for _, node := range nodes {
		if len(assignments[node.ID]) == 0 {
			continue
		}
		if err := c.registry.UpdateNodeCapacity(ctx, node.ID, free[node.ID]); err != nil {
			log.Printf("[Coordinator] Failed to reserve capacity on node %s: %v", node.ID, err)
		}
	}

	return assignments
}

// dispatchWave sends each node its claimed task subset in parallel and
// joins every result before returning. One node's failure never cancels
// its siblings - it becomes part of the aggregate.
func (c *Coordinator) dispatchWave(ctx context.Context, assignments map[string][]*scheduler.ScheduledTask) {
	var wg sync.WaitGroup

	for nodeID, tasks := range assignments {
		for _, st := range tasks {
			wg.Add(1)
			go func(nodeID string, st *scheduler.ScheduledTask) {
				defer wg.Done()
				c.dispatchTask(ctx, nodeID, st)
			}(nodeID, st)
		}
	}

	wg.Wait()

	// Release the reserved capacity under the same lock as reservation
	// so the read-add-write cannot interleave with a concurrent claim.
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	for nodeID, tasks := range assignments {
		node, err := c.registry.GetNode(ctx, nodeID)
		if err != nil {
			continue
		}
		if err := c.registry.UpdateNodeCapacity(ctx, nodeID, node.AvailableCapacity+len(tasks)); err != nil {
			log.Printf("[Coordinator] Failed to release capacity on node %s: %v", nodeID, err)
		}
	}
}

// dispatchTask round-trips one task assignment to one node and reports
// the outcome to the scheduler.
func (c *Coordinator) dispatchTask(ctx context.Context, nodeID string, st *scheduler.ScheduledTask) {
	env, err := buildplane.NewEnvelope(buildplane.MessageTypeTaskAssignment, "coordinator", st.Task)
	if err != nil {
		c.failTask(st.Task.ID, err)
		return
	}

	reply, err := c.transport.Request(ctx, env, nodeID, c.opts.TaskTimeout)
	if err != nil {
		c.failTask(st.Task.ID, &forgeerr.TimeoutError{Op: "task dispatch", NodeID: nodeID})
		return
	}

	var result buildplane.TaskResult
	if err := reply.DecodePayload(&result); err != nil {
		c.failTask(st.Task.ID, fmt.Errorf("malformed task result from node %s: %w", nodeID, err))
		return
	}

	if !result.Success {
		taskErr := fmt.Errorf("task failed on node %s: %v", nodeID, result.Errors)
		if err := c.sched.FailTaskWithResult(st.Task.ID, &result, taskErr); err != nil {
			log.Printf("[Coordinator] Failed to record task failure %s: %v", st.Task.ID, err)
		}
		return
	}

	if err := c.sched.CompleteTask(st.Task.ID, &result); err != nil {
		log.Printf("[Coordinator] Failed to record task completion %s: %v", st.Task.ID, err)
	}
}

// failTask reports a task failure to the scheduler, tolerating races with
// cancellation.
func (c *Coordinator) failTask(taskID string, err error) {
	if ferr := c.sched.FailTask(taskID, err); ferr != nil && !forgeerr.IsNotFound(ferr) {
		log.Printf("[Coordinator] Failed to record task failure %s: %v", taskID, ferr)
	}
}

// aggregate reduces per-task results into one BuildResult: success is the
// AND of every task, duration the sum, errors and artifacts the
// concatenation.
func (c *Coordinator) aggregate(taskIDs []string) *buildplane.BuildResult {
	result := &buildplane.BuildResult{Success: true}

	for _, taskID := range taskIDs {
		st := c.sched.GetTask(taskID)
		if st == nil {
			continue
		}

		switch st.Status {
		case scheduler.TaskStatusCompleted:
			result.Merge(st.Result)

		case scheduler.TaskStatusFailed:
			tr := st.Result
			if tr == nil {
				tr = &buildplane.TaskResult{TaskID: taskID, Success: false}
				if st.Err != nil {
					tr.Errors = []string{st.Err.Error()}
				}
			}
			result.Merge(tr)

		case scheduler.TaskStatusCancelled:
			result.Success = false

		default:
			// Non-terminal task in aggregation means the build aborted.
			result.Success = false
		}
	}

	return result
}

// collectBundle merges the artifact bundles of every completed task.
func (c *Coordinator) collectBundle(taskIDs []string) buildplane.Artifacts {
	bundle := make(buildplane.Artifacts)

	for _, taskID := range taskIDs {
		st := c.sched.GetTask(taskID)
		if st == nil || st.Status != scheduler.TaskStatusCompleted || st.Result == nil {
			continue
		}
		for name, content := range st.Result.Bundle {
			bundle[name] = content
		}
	}

	return bundle
}

// claimRetryDelay is how long a starved wave loop sleeps before
// re-polling the node pool for freed capacity.
const claimRetryDelay = 100 * time.Millisecond

// waitForCapacity sleeps one claim-retry interval. Returns false when
// the context ended first.
func (c *Coordinator) waitForCapacity(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(claimRetryDelay):
		return true
	}
}

// anyRunning reports whether any task of the plan is currently in
// flight, including tasks claimed by another session's wave.
func (c *Coordinator) anyRunning(taskIDs []string) bool {
	for _, taskID := range taskIDs {
		st := c.sched.GetTask(taskID)
		if st != nil && st.Status == scheduler.TaskStatusRunning {
			return true
		}
	}
	return false
}

// sessionServiceable reports whether every pending task of the plan is
// matchable by at least one of the nodes, ignoring current load.
func (c *Coordinator) sessionServiceable(taskIDs []string, nodes []*buildplane.BuildNode) bool {
	for _, taskID := range taskIDs {
		st := c.sched.GetTask(taskID)
		if st == nil {
			continue
		}
		switch st.Status {
		case scheduler.TaskStatusPending, scheduler.TaskStatusQueued, scheduler.TaskStatusWaiting:
		default:
			continue
		}

		matched := false
		for _, node := range nodes {
			if c.sched.Serviceable(taskID, &node.Capabilities) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// anyFailed reports whether any task of the plan failed terminally.
func (c *Coordinator) anyFailed(taskIDs []string) bool {
	for _, taskID := range taskIDs {
		st := c.sched.GetTask(taskID)
		if st != nil && st.Status == scheduler.TaskStatusFailed {
			return true
		}
	}
	return false
}

// allTasksTerminal reports whether every task of the plan reached a
// terminal state.
func (c *Coordinator) allTasksTerminal(taskIDs []string) bool {
	for _, taskID := range taskIDs {
		st := c.sched.GetTask(taskID)
		if st == nil {
			continue
		}
		switch st.Status {
		case scheduler.TaskStatusCompleted, scheduler.TaskStatusFailed, scheduler.TaskStatusCancelled:
		default:
			return false
		}
	}
	return true
}

// cancelRemaining cancels every non-terminal task of the plan.
func (c *Coordinator) cancelRemaining(taskIDs []string) {
	for _, taskID := range taskIDs {
		st := c.sched.GetTask(taskID)
		if st == nil {
			continue
		}
		switch st.Status {
		case scheduler.TaskStatusCompleted, scheduler.TaskStatusFailed, scheduler.TaskStatusCancelled:
		default:
			if err := c.sched.CancelTask(taskID); err != nil && !forgeerr.IsNotFound(err) {
				log.Printf("[Coordinator] Failed to cancel task %s: %v", taskID, err)
			}
		}
	}
}

// sessionCancelled checks the session status; a cancelled session's
// goroutine stops aggregating, frees its slot, and starts the next
// queued session.
func (c *Coordinator) sessionCancelled(ctx context.Context, sessionID string) bool {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return true
	}

	if session.Status != SessionStatusCancelled {
		c.mu.Unlock()
		return false
	}

	c.active--
	nextID := c.admitNextLocked()
	c.mu.Unlock()

	if nextID != "" {
		go c.executeDistributedBuild(ctx, nextID)
	}

	return true
}

// finishSession records the terminal state, frees the concurrency slot,
// and admits the next queued session (FIFO).
func (c *Coordinator) finishSession(ctx context.Context, sessionID string, result *buildplane.BuildResult, buildErr error) {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if session.Status.Terminal() {
		// Cancelled between the last wave and here: the build goroutine
		// still owns a slot and must free it.
		nextID := ""
		if session.Status == SessionStatusCancelled {
			c.active--
			nextID = c.admitNextLocked()
		}
		c.mu.Unlock()
		if nextID != "" {
			go c.executeDistributedBuild(ctx, nextID)
		}
		return
	}

	session.Result = result
	session.FinishedAtMs = now

	switch {
	case buildErr != nil:
		session.Status = SessionStatusFailed
		session.Error = buildErr.Error()
		c.failedBuilds++
	case result != nil && result.Success:
		session.Status = SessionStatusCompleted
		c.completedBuilds++
		c.totalBuildMs += now - session.StartedAtMs
	default:
		session.Status = SessionStatusFailed
		if result != nil && len(result.Errors) > 0 {
			session.Error = result.Errors[0]
		}
		c.failedBuilds++
	}

	status := session.Status
	c.active--
	nextID := c.admitNextLocked()
	c.mu.Unlock()

	c.logEvent("build_finished", map[string]interface{}{
		"session_id": sessionID,
		"status":     string(status),
	})

	if nextID != "" {
		go c.executeDistributedBuild(ctx, nextID)
	}
}

// admitNextLocked pops the admission queue if capacity allows, marks the
// session running, and returns its id ("" if nothing started). Caller
// holds the mutex and is responsible for launching the build goroutine.
func (c *Coordinator) admitNextLocked() string {
	for len(c.admission) > 0 && c.active < c.opts.MaxConcurrentBuilds {
		nextID := c.admission[0]
		c.admission = c.admission[1:]

		next, ok := c.sessions[nextID]
		if !ok || next.Status != SessionStatusQueued {
			continue
		}

		next.Status = SessionStatusRunning
		next.StartedAtMs = time.Now().UnixMilli()
		c.active++
		return nextID
	}

	return ""
}

// removeFromAdmissionLocked drops a session id from the admission queue.
// Caller holds the mutex.
func (c *Coordinator) removeFromAdmissionLocked(sessionID string) {
	for i, id := range c.admission {
		if id == sessionID {
			c.admission = append(c.admission[:i], c.admission[i+1:]...)
			return
		}
	}
}

// activeNodes lists nodes currently able to take work.
func (c *Coordinator) activeNodes(ctx context.Context) ([]*buildplane.BuildNode, error) {
	nodes, err := c.registry.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	active := make([]*buildplane.BuildNode, 0, len(nodes))
	for _, node := range nodes {
		if node.Status != buildplane.NodeStatusOffline {
			active = append(active, node)
		}
	}

	// Stable order keeps round-robin distribution deterministic.
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	return active, nil
}

// resultFromBundle shapes a cached artifact bundle into a BuildResult.
func resultFromBundle(bundle buildplane.Artifacts) *buildplane.BuildResult {
	names := make([]string, 0, len(bundle))
	for name := range bundle {
		names = append(names, name)
	}
	sort.Strings(names)

	return &buildplane.BuildResult{
		Success:   true,
		Artifacts: names,
	}
}

// logEvent logs a structured event in JSON format.
func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "coordinator"
	data["event_type"] = eventType
	data["instance"] = c.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Coordinator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
