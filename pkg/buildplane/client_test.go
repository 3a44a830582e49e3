package buildplane

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func testNode(id string) *BuildNode {
	return &BuildNode{
		ID:   id,
		Host: "10.0.0.1",
		Capabilities: NodeCapabilities{
			Cores:     8,
			MemoryGB:  16,
			StorageGB: 256,
			Platforms: []string{"macOS", "iOS"},
		},
		Status:            NodeStatusIdle,
		AvailableCapacity: 8,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestArtifactStorage(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("put and get round-trips a bundle", func(t *testing.T) {
		bundle := Artifacts{"app.o": "binary-a", "lib.o": "binary-b"}

		err := client.PutArtifacts(ctx, "key-1", bundle)
		require.NoError(t, err)

		got, err := client.GetArtifacts(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, bundle, got)
	})

	t.Run("overwrite fully replaces the bundle", func(t *testing.T) {
		require.NoError(t, client.PutArtifacts(ctx, "key-2", Artifacts{"a": "1", "b": "2"}))
		require.NoError(t, client.PutArtifacts(ctx, "key-2", Artifacts{"c": "3"}))

		got, err := client.GetArtifacts(ctx, "key-2")
		require.NoError(t, err)
		assert.Equal(t, Artifacts{"c": "3"}, got)
	})

	t.Run("missing bundle returns not found", func(t *testing.T) {
		_, err := client.GetArtifacts(ctx, "no-such-key")
		assert.True(t, IsNotFound(err))

		exists, err := client.ArtifactsExist(ctx, "no-such-key")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("rejects empty bundle", func(t *testing.T) {
		err := client.PutArtifacts(ctx, "key-3", Artifacts{})
		assert.Error(t, err)
	})

	t.Run("delete removes the bundle", func(t *testing.T) {
		require.NoError(t, client.PutArtifacts(ctx, "key-4", Artifacts{"x": "y"}))
		require.NoError(t, client.DeleteArtifacts(ctx, "key-4"))

		exists, err := client.ArtifactsExist(ctx, "key-4")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("clear removes every bundle", func(t *testing.T) {
		require.NoError(t, client.PutArtifacts(ctx, "key-5", Artifacts{"x": "y"}))
		require.NoError(t, client.PutArtifacts(ctx, "key-6", Artifacts{"x": "y"}))

		require.NoError(t, client.ClearArtifacts(ctx))

		for _, key := range []string{"key-5", "key-6"} {
			exists, err := client.ArtifactsExist(ctx, key)
			require.NoError(t, err)
			assert.False(t, exists)
		}
	})
}

func TestCacheIndexPersistence(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("load before any save returns nil without error", func(t *testing.T) {
		blob, err := client.LoadCacheIndex(ctx)
		require.NoError(t, err)
		assert.Nil(t, blob)
	})

	t.Run("save then load round-trips", func(t *testing.T) {
		err := client.SaveCacheIndex(ctx, []byte(`{"entries":[]}`))
		require.NoError(t, err)

		blob, err := client.LoadCacheIndex(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"entries":[]}`), blob)
	})

	t.Run("delete removes the index", func(t *testing.T) {
		require.NoError(t, client.DeleteCacheIndex(ctx))

		blob, err := client.LoadCacheIndex(ctx)
		require.NoError(t, err)
		assert.Nil(t, blob)
	})
}

func TestNodeRegistry(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("register and get round-trips a node", func(t *testing.T) {
		node := testNode("node-1")
		require.NoError(t, client.RegisterNode(ctx, node))

		got, err := client.GetNode(ctx, "node-1")
		require.NoError(t, err)
		assert.Equal(t, node.ID, got.ID)
		assert.Equal(t, node.Capabilities, got.Capabilities)
		assert.Equal(t, NodeStatusIdle, got.Status)
	})

	t.Run("rejects invalid node", func(t *testing.T) {
		err := client.RegisterNode(ctx, &BuildNode{ID: "", Host: "h"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid node")
	})

	t.Run("list returns all registered nodes", func(t *testing.T) {
		require.NoError(t, client.RegisterNode(ctx, testNode("node-2")))

		nodes, err := client.ListNodes(ctx)
		require.NoError(t, err)
		assert.Len(t, nodes, 2)
	})

	t.Run("update status", func(t *testing.T) {
		require.NoError(t, client.UpdateNodeStatus(ctx, "node-1", NodeStatusActive))

		got, err := client.GetNode(ctx, "node-1")
		require.NoError(t, err)
		assert.Equal(t, NodeStatusActive, got.Status)
	})

	t.Run("update status of missing node returns not found", func(t *testing.T) {
		err := client.UpdateNodeStatus(ctx, "ghost", NodeStatusOffline)
		assert.True(t, IsNotFound(err))
	})

	t.Run("touch records heartbeat", func(t *testing.T) {
		require.NoError(t, client.TouchNode(ctx, "node-1"))

		got, err := client.GetNode(ctx, "node-1")
		require.NoError(t, err)
		assert.Greater(t, got.LastSeenMs, int64(0))
	})

	t.Run("unregister removes node", func(t *testing.T) {
		require.NoError(t, client.UnregisterNode(ctx, "node-2"))

		_, err := client.GetNode(ctx, "node-2")
		assert.True(t, IsNotFound(err))

		nodes, err := client.ListNodes(ctx)
		require.NoError(t, err)
		assert.Len(t, nodes, 1)
	})
}

func TestMessaging(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("send delivers to inbox subscriber", func(t *testing.T) {
		sub, err := client.SubscribeInbox(ctx, "node-1")
		require.NoError(t, err)
		defer sub.Close()

		env, err := NewEnvelope(MessageTypeHeartbeat, "coordinator", map[string]string{"ping": "pong"})
		require.NoError(t, err)
		require.NoError(t, client.Send(ctx, env, "node-1"))

		select {
		case got := <-sub.Events():
			assert.Equal(t, env.ID, got.ID)
			assert.Equal(t, MessageTypeHeartbeat, got.Type)
			assert.Equal(t, "coordinator", got.SenderID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for inbox event")
		}
	})

	t.Run("broadcast reaches broadcast subscribers", func(t *testing.T) {
		sub, err := client.SubscribeBroadcast(ctx)
		require.NoError(t, err)
		defer sub.Close()

		env, err := NewEnvelope(MessageTypeCacheSync, "coordinator", []string{"key-1"})
		require.NoError(t, err)
		require.NoError(t, client.Broadcast(ctx, env))

		select {
		case got := <-sub.Events():
			assert.Equal(t, MessageTypeCacheSync, got.Type)

			var keys []string
			require.NoError(t, got.DecodePayload(&keys))
			assert.Equal(t, []string{"key-1"}, keys)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast event")
		}
	})

	t.Run("request round-trips through a responder", func(t *testing.T) {
		// Responder: echo every task assignment back as a task result.
		respSub, err := client.SubscribeInbox(ctx, "node-echo")
		require.NoError(t, err)
		defer respSub.Close()

		go func() {
			for env := range respSub.Events() {
				reply, err := NewEnvelope(MessageTypeTaskResult, "node-echo", &TaskResult{
					TaskID:  "t1",
					NodeID:  "node-echo",
					Success: true,
				})
				if err != nil {
					continue
				}
				client.Reply(ctx, env.ID, reply)
			}
		}()

		req, err := NewEnvelope(MessageTypeTaskAssignment, "coordinator", &BuildTask{
			ID:   uuid.New().String(),
			Type: TaskTypeCompile,
		})
		require.NoError(t, err)

		reply, err := client.Request(ctx, req, "node-echo", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, MessageTypeTaskResult, reply.Type)
		assert.Equal(t, req.ID, reply.ReplyTo)

		var result TaskResult
		require.NoError(t, reply.DecodePayload(&result))
		assert.True(t, result.Success)
	})

	t.Run("request times out when nobody responds", func(t *testing.T) {
		req, err := NewEnvelope(MessageTypeTaskAssignment, "coordinator", &BuildTask{
			ID:   uuid.New().String(),
			Type: TaskTypeCompile,
		})
		require.NoError(t, err)

		_, err = client.Request(ctx, req, "node-silent", 100*time.Millisecond)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})
}
