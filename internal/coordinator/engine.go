package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/forge/pkg/buildplane"
)

// CoordinatorInboxID is the well-known node id the coordinator listens on.
const CoordinatorInboxID = "coordinator"

// BuildResponse is the wire shape of a build_response payload.
type BuildResponse struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	FromCache bool          `json:"from_cache"`
	Error     string        `json:"error,omitempty"`
}

// Engine connects a Coordinator to the build plane: it serves the
// coordinator inbox, expires silent nodes, and pumps the admission queue.
type Engine struct {
	coordinator *Coordinator
	client      *buildplane.Client

	// A node silent longer than this is treated as lost.
	heartbeatTimeout time.Duration
}

// NewEngine wires a Coordinator to its build plane client.
func NewEngine(coordinator *Coordinator, client *buildplane.Client, heartbeatTimeout time.Duration) *Engine {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}

	return &Engine{
		coordinator:      coordinator,
		client:           client,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Run serves the coordinator inbox until the context is cancelled. It is
// the coordinator daemon's main loop.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.client.SubscribeInbox(ctx, CoordinatorInboxID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to coordinator inbox: %w", err)
	}
	defer sub.Close()

	log.Printf("[Engine] Coordinator serving instance '%s'", e.client.InstanceName())

	staleTicker := time.NewTicker(e.heartbeatTimeout / 2)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Engine] Shutting down: %v", ctx.Err())
			return ctx.Err()

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Engine] Subscription error: %v", err)

		case <-staleTicker.C:
			e.expireStaleNodes(ctx)

		case env, ok := <-sub.Events():
			if !ok {
				return nil
			}
			e.handleEnvelope(ctx, env)
		}
	}
}

// handleEnvelope dispatches one inbox message. Unknown types are logged
// and dropped, never fatal.
func (e *Engine) handleEnvelope(ctx context.Context, env *buildplane.Envelope) {
	switch env.Type {
	case buildplane.MessageTypeBuildRequest:
		e.handleBuildRequest(ctx, env)

	case buildplane.MessageTypeTaskCancel:
		e.handleCancel(ctx, env)

	case buildplane.MessageTypeHeartbeat:
		if err := e.client.TouchNode(ctx, env.SenderID); err != nil {
			log.Printf("[Engine] Failed to record heartbeat from %s: %v", env.SenderID, err)
		}

	case buildplane.MessageTypeNodeStatus:
		e.handleNodeStatus(ctx, env)

	case buildplane.MessageTypeBuildStatus:
		e.handleBuildStatus(ctx, env)

	case buildplane.MessageTypeSystemStats:
		e.handleSystemStats(ctx, env)

	case buildplane.MessageTypeCacheSync:
		e.handleCacheSync(ctx, env)

	default:
		log.Printf("[Engine] Ignoring message type '%s' from %s", env.Type, env.SenderID)
	}
}

func (e *Engine) handleBuildRequest(ctx context.Context, env *buildplane.Envelope) {
	var request buildplane.BuildRequest
	if err := env.DecodePayload(&request); err != nil {
		e.reply(ctx, env, &BuildResponse{Error: fmt.Sprintf("malformed build request: %v", err)})
		return
	}

	session, err := e.coordinator.SubmitBuild(ctx, &request)
	if err != nil {
		e.reply(ctx, env, &BuildResponse{Error: err.Error()})
		return
	}

	e.reply(ctx, env, &BuildResponse{
		SessionID: session.ID,
		Status:    session.Status,
		FromCache: session.FromCache,
	})
}

func (e *Engine) handleCancel(ctx context.Context, env *buildplane.Envelope) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		log.Printf("[Engine] Malformed cancel from %s: %v", env.SenderID, err)
		return
	}

	if err := e.coordinator.CancelBuild(ctx, payload.SessionID); err != nil {
		log.Printf("[Engine] Failed to cancel session %s: %v", payload.SessionID, err)
	}
}

func (e *Engine) handleNodeStatus(ctx context.Context, env *buildplane.Envelope) {
	var payload struct {
		NodeID string                `json:"node_id"`
		Status buildplane.NodeStatus `json:"status"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		log.Printf("[Engine] Malformed node status from %s: %v", env.SenderID, err)
		return
	}

	if payload.Status == buildplane.NodeStatusOffline {
		e.coordinator.HandleNodeLoss(ctx, payload.NodeID)
		return
	}

	if err := e.client.UpdateNodeStatus(ctx, payload.NodeID, payload.Status); err != nil {
		log.Printf("[Engine] Failed to update status of node %s: %v", payload.NodeID, err)
	}
}

// handleBuildStatus replies with a full session snapshot.
func (e *Engine) handleBuildStatus(ctx context.Context, env *buildplane.Envelope) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		e.reply(ctx, env, &BuildResponse{Error: fmt.Sprintf("malformed status request: %v", err)})
		return
	}

	session, err := e.coordinator.GetBuildStatus(payload.SessionID)
	if err != nil {
		e.reply(ctx, env, &BuildResponse{SessionID: payload.SessionID, Error: err.Error()})
		return
	}

	reply, err := buildplane.NewEnvelope(buildplane.MessageTypeBuildResponse, CoordinatorInboxID, session)
	if err != nil {
		log.Printf("[Engine] Failed to build status reply: %v", err)
		return
	}
	if err := e.client.Reply(ctx, env.ID, reply); err != nil {
		log.Printf("[Engine] Failed to send status reply: %v", err)
	}
}

// handleSystemStats replies with coordinator, cache, and scheduler
// statistics.
func (e *Engine) handleSystemStats(ctx context.Context, env *buildplane.Envelope) {
	stats, err := e.coordinator.GetSystemStatistics(ctx)
	if err != nil {
		e.reply(ctx, env, &BuildResponse{Error: err.Error()})
		return
	}

	reply, err := buildplane.NewEnvelope(buildplane.MessageTypeBuildResponse, CoordinatorInboxID, stats)
	if err != nil {
		log.Printf("[Engine] Failed to build stats reply: %v", err)
		return
	}
	if err := e.client.Reply(ctx, env.ID, reply); err != nil {
		log.Printf("[Engine] Failed to send stats reply: %v", err)
	}
}

// handleCacheSync invalidates entries for changed dependencies, or clears
// the whole cache when asked.
func (e *Engine) handleCacheSync(ctx context.Context, env *buildplane.Envelope) {
	var payload struct {
		ChangedPaths []string `json:"changed_paths,omitempty"`
		Clear        bool     `json:"clear,omitempty"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		log.Printf("[Engine] Malformed cache sync from %s: %v", env.SenderID, err)
		return
	}

	var err error
	if payload.Clear {
		err = e.coordinator.cache.Clear(ctx)
	} else if len(payload.ChangedPaths) > 0 {
		err = e.coordinator.cache.Invalidate(ctx, payload.ChangedPaths)
	}
	if err != nil {
		log.Printf("[Engine] Cache sync failed: %v", err)
	}

	if env.SenderID != "" {
		ack := map[string]bool{"ok": err == nil}
		reply, rerr := buildplane.NewEnvelope(buildplane.MessageTypeBuildResponse, CoordinatorInboxID, ack)
		if rerr == nil {
			if rerr := e.client.Reply(ctx, env.ID, reply); rerr != nil {
				log.Printf("[Engine] Failed to ack cache sync: %v", rerr)
			}
		}
	}
}

// expireStaleNodes treats nodes silent past the heartbeat timeout as
// lost so their in-flight tasks get redistributed.
func (e *Engine) expireStaleNodes(ctx context.Context) {
	nodes, err := e.client.ListNodes(ctx)
	if err != nil {
		log.Printf("[Engine] Failed to list nodes for liveness check: %v", err)
		return
	}

	cutoff := time.Now().Add(-e.heartbeatTimeout).UnixMilli()
	for _, node := range nodes {
		if node.Status == buildplane.NodeStatusOffline {
			continue
		}
		if node.LastSeenMs < cutoff {
			e.coordinator.HandleNodeLoss(ctx, node.ID)
		}
	}
}

func (e *Engine) reply(ctx context.Context, request *buildplane.Envelope, response *BuildResponse) {
	env, err := buildplane.NewEnvelope(buildplane.MessageTypeBuildResponse, CoordinatorInboxID, response)
	if err != nil {
		log.Printf("[Engine] Failed to build response envelope: %v", err)
		return
	}

	if err := e.client.Reply(ctx, request.ID, env); err != nil {
		log.Printf("[Engine] Failed to reply to %s: %v", request.SenderID, err)
	}
}
