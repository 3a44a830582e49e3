package buildplane

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// capability structs are JSON-encoded into single hash fields. This keeps
// scalar fields individually queryable while allowing nested structures.

// NodeToHash converts a BuildNode to a Redis hash format.
// The capabilities struct is JSON-encoded.
func NodeToHash(n *BuildNode) (map[string]interface{}, error) {
	capsJSON, err := json.Marshal(n.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	hash := map[string]interface{}{
		"id":                 n.ID,
		"host":               n.Host,
		"capabilities":       string(capsJSON),
		"status":             string(n.Status),
		"available_capacity": n.AvailableCapacity,
		"last_seen_ms":       n.LastSeenMs,
	}

	return hash, nil
}

// HashToNode converts a Redis hash to a BuildNode.
func HashToNode(hash map[string]string) (*BuildNode, error) {
	var caps NodeCapabilities
	if capsJSON := hash["capabilities"]; capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}

	capacity, err := strconv.Atoi(hash["available_capacity"])
	if err != nil {
		return nil, fmt.Errorf("invalid available_capacity field: %w", err)
	}

	lastSeenMs, _ := strconv.ParseInt(hash["last_seen_ms"], 10, 64)

	node := &BuildNode{
		ID:                hash["id"],
		Host:              hash["host"],
		Capabilities:      caps,
		Status:            NodeStatus(hash["status"]),
		AvailableCapacity: capacity,
		LastSeenMs:        lastSeenMs,
	}

	return node, nil
}
