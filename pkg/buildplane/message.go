package buildplane

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies the payload shape of an Envelope.
type MessageType string

const (
	// MessageTypeBuildRequest carries a BuildRequest from CLI to coordinator
	MessageTypeBuildRequest MessageType = "build_request"

	// MessageTypeBuildResponse carries a session snapshot back to the CLI
	MessageTypeBuildResponse MessageType = "build_response"

	// MessageTypeTaskAssignment carries a BuildTask from coordinator to a node
	MessageTypeTaskAssignment MessageType = "task_assignment"

	// MessageTypeTaskResult carries a TaskResult from a node to the coordinator
	MessageTypeTaskResult MessageType = "task_result"

	// MessageTypeTaskCancel asks a node to abandon a task (advisory)
	MessageTypeTaskCancel MessageType = "task_cancel"

	// MessageTypeHeartbeat is a node liveness ping
	MessageTypeHeartbeat MessageType = "heartbeat"

	// MessageTypeNodeStatus announces a node status change
	MessageTypeNodeStatus MessageType = "node_status"

	// MessageTypeCacheSync asks the coordinator to invalidate or clear cache entries
	MessageTypeCacheSync MessageType = "cache_sync"

	// MessageTypeBuildStatus asks the coordinator for a session snapshot
	MessageTypeBuildStatus MessageType = "build_status"

	// MessageTypeSystemStats asks the coordinator for system statistics
	MessageTypeSystemStats MessageType = "system_stats"
)

// Validate checks if the MessageType is a valid enum value.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeBuildRequest, MessageTypeBuildResponse, MessageTypeTaskAssignment,
		MessageTypeTaskResult, MessageTypeTaskCancel, MessageTypeHeartbeat,
		MessageTypeNodeStatus, MessageTypeCacheSync, MessageTypeBuildStatus,
		MessageTypeSystemStats:
		return nil
	default:
		return fmt.Errorf("unknown message type: %q", mt)
	}
}

// Envelope is the typed message wrapper exchanged between the coordinator
// and worker nodes. Payload shape depends on Type. ReplyTo, when set, names
// the reply channel suffix a responder should publish to.
type Envelope struct {
	ID       string          `json:"id"`                  // UUID - unique per message
	Type     MessageType     `json:"type"`                // Payload discriminator
	SenderID string          `json:"sender_id,omitempty"` // Originating component/node id
	ReplyTo  string          `json:"reply_to,omitempty"`  // Message ID to reply to (request/response)
	Payload  json.RawMessage `json:"payload,omitempty"`   // Type-specific body
}

// NewEnvelope builds an envelope with a fresh ID and a JSON-encoded payload.
func NewEnvelope(msgType MessageType, senderID string, payload any) (*Envelope, error) {
	if err := msgType.Validate(); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	return &Envelope{
		ID:       uuid.New().String(),
		Type:     msgType,
		SenderID: senderID,
		Payload:  raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// Validate checks if the Envelope has valid field values.
func (e *Envelope) Validate() error {
	if !isValidUUID(e.ID) {
		return fmt.Errorf("invalid envelope ID: not a valid UUID")
	}

	if err := e.Type.Validate(); err != nil {
		return fmt.Errorf("invalid envelope type: %w", err)
	}

	return nil
}
