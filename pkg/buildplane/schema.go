package buildplane

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Forge instances to safely coexist on a single Redis
// server.
//
// Key pattern: forge:{instance_name}:{entity}:{id}
// Channel pattern: forge:{instance_name}:{scope}

// ArtifactKey returns the Redis key for a stored artifact bundle.
// Pattern: forge:{instance_name}:artifact:{cache_key}
func ArtifactKey(instanceName, cacheKey string) string {
	return fmt.Sprintf("forge:%s:artifact:%s", instanceName, cacheKey)
}

// ArtifactKeyPattern returns the SCAN pattern matching all artifact keys.
func ArtifactKeyPattern(instanceName string) string {
	return fmt.Sprintf("forge:%s:artifact:*", instanceName)
}

// CacheIndexKey returns the Redis key holding the serialized cache index.
// Pattern: forge:{instance_name}:cache_index
func CacheIndexKey(instanceName string) string {
	return fmt.Sprintf("forge:%s:cache_index", instanceName)
}

// NodeKey returns the Redis key for a node's registry hash.
// Pattern: forge:{instance_name}:node:{node_id}
func NodeKey(instanceName, nodeID string) string {
	return fmt.Sprintf("forge:%s:node:%s", instanceName, nodeID)
}

// NodeSetKey returns the Redis key for the node membership set.
// Pattern: forge:{instance_name}:nodes
func NodeSetKey(instanceName string) string {
	return fmt.Sprintf("forge:%s:nodes", instanceName)
}

// NodeInboxChannel returns the Pub/Sub channel for messages addressed to
// one node (the coordinator has a node id too, conventionally
// "coordinator").
// Pattern: forge:{instance_name}:node:{node_id}:inbox
func NodeInboxChannel(instanceName, nodeID string) string {
	return fmt.Sprintf("forge:%s:node:%s:inbox", instanceName, nodeID)
}

// BroadcastChannel returns the Pub/Sub channel for messages addressed to
// every component.
// Pattern: forge:{instance_name}:broadcast
func BroadcastChannel(instanceName string) string {
	return fmt.Sprintf("forge:%s:broadcast", instanceName)
}

// ReplyChannel returns the Pub/Sub channel used for request/response
// round-trips. Requesters subscribe before sending; responders publish
// exactly one envelope.
// Pattern: forge:{instance_name}:reply:{message_id}
func ReplyChannel(instanceName, messageID string) string {
	return fmt.Sprintf("forge:%s:reply:%s", instanceName, messageID)
}
