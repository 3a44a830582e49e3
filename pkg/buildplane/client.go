package buildplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Artifacts is a named bundle of build outputs (artifact name → content).
// Bundles are stored as Redis hashes keyed by cache key.
type Artifacts map[string]string

// Client provides instance-scoped Redis operations for the build plane:
// artifact blob storage, cache index persistence, the node registry, and
// Pub/Sub messaging between coordinator and nodes. All keys and channels
// are automatically namespaced with the instance name. The client is
// thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new build plane client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: Forge instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the instance this client is scoped to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if GetArtifacts or GetNode returned
// "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// --- Artifact blob storage ---

// PutArtifacts stores an artifact bundle under a cache key.
// Overwrites any existing bundle for the same key (idempotent).
func (c *Client) PutArtifacts(ctx context.Context, cacheKey string, artifacts Artifacts) error {
	if len(artifacts) == 0 {
		return fmt.Errorf("artifact bundle cannot be empty")
	}

	key := ArtifactKey(c.instanceName, cacheKey)

	fields := make(map[string]interface{}, len(artifacts))
	for name, content := range artifacts {
		fields[name] = content
	}

	// Delete first so a smaller bundle fully replaces a larger one.
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write artifacts to Redis: %w", err)
	}

	return nil
}

// GetArtifacts retrieves the artifact bundle for a cache key.
// Returns (nil, redis.Nil) if no bundle exists.
func (c *Client) GetArtifacts(ctx context.Context, cacheKey string) (Artifacts, error) {
	key := ArtifactKey(c.instanceName, cacheKey)

	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(fields) == 0 {
		return nil, redis.Nil
	}

	return Artifacts(fields), nil
}

// ArtifactsExist checks if a bundle exists without fetching it.
func (c *Client) ArtifactsExist(ctx context.Context, cacheKey string) (bool, error) {
	key := ArtifactKey(c.instanceName, cacheKey)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check artifact existence: %w", err)
	}
	return exists > 0, nil
}

// DeleteArtifacts removes the bundle for a cache key. Deleting a missing
// bundle is not an error.
func (c *Client) DeleteArtifacts(ctx context.Context, cacheKey string) error {
	key := ArtifactKey(c.instanceName, cacheKey)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return nil
}

// ClearArtifacts removes every artifact bundle for this instance.
// Uses SCAN so large instances do not block the server.
func (c *Client) ClearArtifacts(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, ArtifactKeyPattern(c.instanceName), 0).Iterator()

	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete artifact key %s: %w", iter.Val(), err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan artifact keys: %w", err)
	}

	return nil
}

// --- Cache index persistence ---

// SaveCacheIndex persists the serialized cache index blob.
func (c *Client) SaveCacheIndex(ctx context.Context, blob []byte) error {
	key := CacheIndexKey(c.instanceName)
	if err := c.rdb.Set(ctx, key, blob, 0).Err(); err != nil {
		return fmt.Errorf("failed to save cache index: %w", err)
	}
	return nil
}

// LoadCacheIndex retrieves the serialized cache index blob.
// Returns (nil, nil) if no index has been persisted yet.
func (c *Client) LoadCacheIndex(ctx context.Context) ([]byte, error) {
	key := CacheIndexKey(c.instanceName)
	blob, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}
	return blob, nil
}

// DeleteCacheIndex removes the persisted index (used by clear).
func (c *Client) DeleteCacheIndex(ctx context.Context) error {
	key := CacheIndexKey(c.instanceName)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache index: %w", err)
	}
	return nil
}

// --- Node registry ---

// RegisterNode writes a node's registry entry and adds it to the
// membership set. Validates the node before writing. This method is
// idempotent - re-registering refreshes the entry.
func (c *Client) RegisterNode(ctx context.Context, node *BuildNode) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("invalid node: %w", err)
	}

	hash, err := NodeToHash(node)
	if err != nil {
		return fmt.Errorf("failed to serialize node: %w", err)
	}

	key := NodeKey(c.instanceName, node.ID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, hash)
	pipe.SAdd(ctx, NodeSetKey(c.instanceName), node.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	return nil
}

// UnregisterNode removes a node from the registry and membership set.
func (c *Client) UnregisterNode(ctx context.Context, nodeID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, NodeKey(c.instanceName, nodeID))
	pipe.SRem(ctx, NodeSetKey(c.instanceName), nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister node: %w", err)
	}
	return nil
}

// GetNode retrieves a node's registry entry.
// Returns (nil, redis.Nil) if the node doesn't exist.
func (c *Client) GetNode(ctx context.Context, nodeID string) (*BuildNode, error) {
	key := NodeKey(c.instanceName, nodeID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	node, err := HashToNode(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize node: %w", err)
	}

	return node, nil
}

// ListNodes returns a snapshot of every registered node.
// Membership entries whose hash has disappeared are skipped.
func (c *Client) ListNodes(ctx context.Context) ([]*BuildNode, error) {
	ids, err := c.rdb.SMembers(ctx, NodeSetKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node set: %w", err)
	}

	nodes := make([]*BuildNode, 0, len(ids))
	for _, id := range ids {
		node, err := c.GetNode(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// UpdateNodeStatus updates a node's status field.
// Returns redis.Nil if the node doesn't exist.
func (c *Client) UpdateNodeStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	if err := status.Validate(); err != nil {
		return fmt.Errorf("invalid node status: %w", err)
	}

	key := NodeKey(c.instanceName, nodeID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check node existence: %w", err)
	}
	if exists == 0 {
		return redis.Nil
	}

	if err := c.rdb.HSet(ctx, key, "status", string(status)).Err(); err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}

	return nil
}

// UpdateNodeCapacity sets a node's available capacity counter.
// The coordinator calls this atomically with task assignment.
func (c *Client) UpdateNodeCapacity(ctx context.Context, nodeID string, capacity int) error {
	key := NodeKey(c.instanceName, nodeID)
	if err := c.rdb.HSet(ctx, key, "available_capacity", capacity).Err(); err != nil {
		return fmt.Errorf("failed to update node capacity: %w", err)
	}
	return nil
}

// TouchNode records a heartbeat timestamp for a node.
func (c *Client) TouchNode(ctx context.Context, nodeID string) error {
	key := NodeKey(c.instanceName, nodeID)
	if err := c.rdb.HSet(ctx, key, "last_seen_ms", time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// --- Messaging ---

// Send publishes an envelope to one node's inbox.
// Validates the envelope before publishing.
func (c *Client) Send(ctx context.Context, env *Envelope, nodeID string) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	channel := NodeInboxChannel(c.instanceName, nodeID)
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	return nil
}

// Broadcast publishes an envelope to every component on the broadcast
// channel. Delivery is at-most-once (Redis Pub/Sub semantics).
func (c *Client) Broadcast(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	channel := BroadcastChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to broadcast envelope: %w", err)
	}

	return nil
}

// Reply publishes a response envelope on the reply channel for the
// original message. Responders call this exactly once per request.
func (c *Client) Reply(ctx context.Context, requestID string, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	env.ReplyTo = requestID

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	channel := ReplyChannel(c.instanceName, requestID)
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}

// Request sends an envelope to a node and waits for a single reply on the
// message's reply channel. Returns (nil, TimeoutError-flavored error) if no
// reply arrives within the timeout.
//
// The reply subscription is established before the request is published so
// a fast responder cannot race the subscriber.
func (c *Client) Request(ctx context.Context, env *Envelope, nodeID string, timeout time.Duration) (*Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	replyChannel := ReplyChannel(c.instanceName, env.ID)
	pubsub := c.rdb.Subscribe(ctx, replyChannel)
	defer pubsub.Close()

	// Wait for subscription confirmation before publishing the request.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply channel: %w", err)
	}

	if err := c.Send(ctx, env, nodeID); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-timer.C:
		return nil, fmt.Errorf("request %s to node %s timed out after %v", env.ID, nodeID, timeout)

	case msg, ok := <-pubsub.Channel():
		if !ok {
			return nil, fmt.Errorf("reply subscription closed for request %s", env.ID)
		}

		var reply Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
		}

		return &reply, nil
	}
}

// Subscription represents an active Pub/Sub subscription to envelopes.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Envelope
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of envelopes.
// The channel will be closed when the subscription is closed or the
// context is cancelled.
func (s *Subscription) Events() <-chan *Envelope {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements
// io.Closer. Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeInbox subscribes to envelopes addressed to one node.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
func (c *Client) SubscribeInbox(ctx context.Context, nodeID string) (*Subscription, error) {
	return c.subscribe(ctx, NodeInboxChannel(c.instanceName, nodeID))
}

// SubscribeBroadcast subscribes to the instance broadcast channel.
// Caller must call subscription.Close() when done.
func (c *Client) SubscribeBroadcast(ctx context.Context) (*Subscription, error) {
	return c.subscribe(ctx, BroadcastChannel(c.instanceName))
}

// subscribe wires a Redis Pub/Sub channel into a Subscription.
// Events are delivered on a buffered channel (size 16) to prevent
// blocking. If the subscriber is too slow, events may be dropped by Redis
// Pub/Sub (at-most-once delivery).
func (c *Client) subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation so a publish immediately after
	// this call returns cannot be lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	eventsChan := make(chan *Envelope, 16)
	errorsChan := make(chan error, 16)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal envelope: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &env:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// RedisClient exposes the underlying Redis client for maintenance
// commands (SCAN-based listings, diagnostics). Most callers should use
// the typed methods instead.
func (c *Client) RedisClient() *redis.Client {
	return c.rdb
}
