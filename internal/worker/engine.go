package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/forge/pkg/buildplane"
)

const (
	// heartbeatInterval is how often the worker refreshes its registry
	// liveness stamp.
	heartbeatInterval = 10 * time.Second

	// taskExecutionTimeout is the maximum time a task can run before
	// being killed.
	taskExecutionTimeout = 5 * time.Minute
)

// Engine is the worker node's core loop. It manages three concerns:
//   - Task executor: runs assigned tasks through the Executor and replies
//     with results
//   - Heartbeat: refreshes the node's registry liveness stamp
//   - Cancellation: aborts in-flight tasks named by a broadcast cancel
//
// The engine coordinates these via one inbox subscription plus the
// broadcast channel, and shuts down gracefully on context cancellation:
// the node is marked offline before the Redis connection closes.
type Engine struct {
	config   *Config
	client   *buildplane.Client
	executor Executor

	wg sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a worker engine. Pass nil executor to use a LocalExecutor.
func New(config *Config, client *buildplane.Client, executor Executor) *Engine {
	if executor == nil {
		executor = &LocalExecutor{}
	}

	return &Engine{
		config:   config,
		client:   client,
		executor: executor,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Start registers the node and serves its inbox until context
// cancellation. Blocks until the shutdown sequence completes.
func (e *Engine) Start(ctx context.Context) error {
	node := e.config.Node()
	node.LastSeenMs = time.Now().UnixMilli()

	if err := e.client.RegisterNode(ctx, node); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	e.logEvent("node_registered", map[string]interface{}{
		"instance":  e.config.InstanceName,
		"host":      e.config.Host,
		"capacity":  e.config.Capacity,
		"platforms": e.config.Capabilities.Platforms,
	})

	inbox, err := e.client.SubscribeInbox(ctx, e.config.NodeID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to node inbox: %w", err)
	}
	defer inbox.Close()

	broadcast, err := e.client.SubscribeBroadcast(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to broadcast channel: %w", err)
	}
	defer broadcast.Close()

	e.wg.Add(1)
	go e.heartbeatLoop(ctx)

	e.serve(ctx, inbox, broadcast)

	e.wg.Wait()

	// Mark the node offline with a fresh context: ctx is already done.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.client.UpdateNodeStatus(shutdownCtx, e.config.NodeID, buildplane.NodeStatusOffline); err != nil {
		log.Printf("[Worker] Failed to mark node offline during shutdown: %v", err)
	}

	log.Printf("[Worker] Node '%s' shut down cleanly", e.config.NodeID)
	return nil
}

// serve multiplexes the inbox and broadcast subscriptions until the
// context is cancelled.
func (e *Engine) serve(ctx context.Context, inbox, broadcast *buildplane.Subscription) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker] Shutdown signal received")
			return

		case err, ok := <-inbox.Errors():
			if !ok {
				return
			}
			log.Printf("[Worker] Inbox subscription error: %v", err)

		case env, ok := <-inbox.Events():
			if !ok {
				return
			}
			if env.Type == buildplane.MessageTypeTaskAssignment {
				e.handleAssignment(ctx, env)
			} else {
				log.Printf("[Worker] Ignoring inbox message type '%s'", env.Type)
			}

		case env, ok := <-broadcast.Events():
			if !ok {
				return
			}
			if env.Type == buildplane.MessageTypeTaskCancel {
				e.handleCancel(env)
			}
		}
	}
}

// handleAssignment executes one task in its own goroutine and replies
// with the result. Execution failures become unsuccessful results, never
// crashes.
func (e *Engine) handleAssignment(ctx context.Context, env *buildplane.Envelope) {
	var task buildplane.BuildTask
	if err := env.DecodePayload(&task); err != nil {
		log.Printf("[Worker] Malformed task assignment from %s: %v", env.SenderID, err)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, taskExecutionTimeout)

	e.mu.Lock()
	e.inflight[task.ID] = cancel
	active := len(e.inflight)
	e.mu.Unlock()

	if active == 1 {
		if err := e.client.UpdateNodeStatus(ctx, e.config.NodeID, buildplane.NodeStatusActive); err != nil {
			log.Printf("[Worker] Failed to mark node active: %v", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.finishTask(ctx, task.ID)

		log.Printf("[Worker] Executing task %s (type=%s)", task.ID, task.Type)
		start := time.Now()

		result, err := e.executor.Execute(taskCtx, &task)
		if err != nil {
			result = &buildplane.TaskResult{
				TaskID:     task.ID,
				NodeID:     e.config.NodeID,
				Success:    false,
				DurationMs: time.Since(start).Milliseconds(),
				Errors:     []string{err.Error()},
			}
		}
		result.NodeID = e.config.NodeID

		log.Printf("[Worker] Task %s finished (success=%t duration=%s)",
			task.ID, result.Success, time.Since(start))

		reply, err := buildplane.NewEnvelope(buildplane.MessageTypeTaskResult, e.config.NodeID, result)
		if err != nil {
			log.Printf("[Worker] Failed to build result envelope for task %s: %v", task.ID, err)
			return
		}

		if err := e.client.Reply(ctx, env.ID, reply); err != nil {
			log.Printf("[Worker] Failed to send result for task %s: %v", task.ID, err)
		}
	}()
}

// handleCancel aborts any in-flight task named by the broadcast.
func (e *Engine) handleCancel(env *buildplane.Envelope) {
	var payload struct {
		SessionID string   `json:"session_id"`
		TaskIDs   []string `json:"task_ids"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		log.Printf("[Worker] Malformed cancel broadcast: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, taskID := range payload.TaskIDs {
		if cancel, ok := e.inflight[taskID]; ok {
			log.Printf("[Worker] Cancelling in-flight task %s (session %s)", taskID, payload.SessionID)
			cancel()
		}
	}
}

// finishTask drops the in-flight record and returns the node to idle when
// nothing else is running.
func (e *Engine) finishTask(ctx context.Context, taskID string) {
	e.mu.Lock()
	delete(e.inflight, taskID)
	active := len(e.inflight)
	e.mu.Unlock()

	if active == 0 && ctx.Err() == nil {
		if err := e.client.UpdateNodeStatus(ctx, e.config.NodeID, buildplane.NodeStatusIdle); err != nil {
			log.Printf("[Worker] Failed to mark node idle: %v", err)
		}
	}
}

// heartbeatLoop refreshes the registry liveness stamp and announces the
// heartbeat to the coordinator inbox.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := e.client.TouchNode(ctx, e.config.NodeID); err != nil {
				log.Printf("[Worker] Failed to refresh liveness stamp: %v", err)
			}

			env, err := buildplane.NewEnvelope(buildplane.MessageTypeHeartbeat, e.config.NodeID, heartbeatPayload{
				NodeID:    e.config.NodeID,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := e.client.Send(ctx, env, "coordinator"); err != nil {
				log.Printf("[Worker] Failed to send heartbeat: %v", err)
			}
		}
	}
}

type heartbeatPayload struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "worker"
	data["event_type"] = eventType
	data["node_id"] = e.config.NodeID

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Worker] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
