// go:build integration
//go:build integration

package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/forge/internal/cache"
	"github.com/dyluth/forge/internal/coordinator"
	"github.com/dyluth/forge/internal/scheduler"
	"github.com/dyluth/forge/internal/worker"
	"github.com/dyluth/forge/pkg/buildplane"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisURL := fmt.Sprintf("redis://%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return redisURL, cleanup
}

func newClient(t *testing.T, redisURL string) *buildplane.Client {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	client, err := buildplane.NewClient(opts, "test-instance")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func startCoordinator(t *testing.T, ctx context.Context, redisURL string) chan error {
	client := newClient(t, redisURL)

	buildCache := cache.New(client, client, time.Hour)
	sched := scheduler.New(nil)
	sched.Start(ctx)

	coord := coordinator.New("test-instance", buildCache, sched, client, client, nil, nil)
	engine := coordinator.NewEngine(coord, client, 30*time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	return errCh
}

func startWorker(t *testing.T, ctx context.Context, redisURL, nodeID string, executor worker.Executor) chan error {
	client := newClient(t, redisURL)

	cfg := &worker.Config{
		InstanceName: "test-instance",
		NodeID:       nodeID,
		Host:         nodeID + ".local",
		RedisURL:     redisURL,
		Capabilities: buildplane.NodeCapabilities{
			Cores:     8,
			MemoryGB:  16,
			StorageGB: 256,
			Platforms: []string{"macOS", "iOS"},
		},
		Capacity: 2,
	}

	engine := worker.New(cfg, client, executor)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Start(ctx)
	}()

	return errCh
}

func submitBuild(t *testing.T, ctx context.Context, client *buildplane.Client, request *buildplane.BuildRequest) *coordinator.BuildResponse {
	env, err := buildplane.NewEnvelope(buildplane.MessageTypeBuildRequest, "test-cli", request)
	if err != nil {
		t.Fatalf("Failed to build request envelope: %v", err)
	}

	reply, err := client.Request(ctx, env, coordinator.CoordinatorInboxID, 10*time.Second)
	if err != nil {
		t.Fatalf("Build request got no reply: %v", err)
	}

	var response coordinator.BuildResponse
	if err := reply.DecodePayload(&response); err != nil {
		t.Fatalf("Failed to decode build response: %v", err)
	}

	return &response
}

func waitForTerminalSession(t *testing.T, ctx context.Context, client *buildplane.Client, sessionID string) *coordinator.BuildSession {
	deadline := time.Now().Add(20 * time.Second)

	for time.Now().Before(deadline) {
		env, err := buildplane.NewEnvelope(buildplane.MessageTypeBuildStatus, "test-cli",
			map[string]string{"session_id": sessionID})
		if err != nil {
			t.Fatalf("Failed to build status envelope: %v", err)
		}

		reply, err := client.Request(ctx, env, coordinator.CoordinatorInboxID, 5*time.Second)
		if err != nil {
			t.Fatalf("Status request got no reply: %v", err)
		}

		var session coordinator.BuildSession
		if err := reply.DecodePayload(&session); err != nil {
			t.Fatalf("Failed to decode session: %v", err)
		}

		if session.Status.Terminal() {
			return &session
		}

		time.Sleep(200 * time.Millisecond)
	}

	t.Fatalf("Session %s did not reach a terminal state within timeout", sessionID)
	return nil
}

// TestCoordinator_DistributedBuildEndToEnd runs a full build through real
// Redis: submission, planning, distribution across two workers, and
// artifact caching.
func TestCoordinator_DistributedBuildEndToEnd(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	startCoordinator(t, ctx, redisURL)
	startWorker(t, ctx, redisURL, "node-1", nil)
	startWorker(t, ctx, redisURL, "node-2", nil)

	// Give the engines time to subscribe and register
	time.Sleep(500 * time.Millisecond)

	client := newClient(t, redisURL)

	request := &buildplane.BuildRequest{
		ID:           uuid.New().String(),
		ProjectName:  "photo-app",
		Targets:      []string{"src/main.swift", "src/editor.swift"},
		Dependencies: []string{"libimage-2.1"},
		Priority:     "high",
	}

	response := submitBuild(t, ctx, client, request)
	if response.Error != "" {
		t.Fatalf("Build rejected: %s", response.Error)
	}
	if response.FromCache {
		t.Fatal("First build should not come from cache")
	}

	session := waitForTerminalSession(t, ctx, client, response.SessionID)
	if session.Status != coordinator.SessionStatusCompleted {
		t.Fatalf("Expected completed session, got %s (error: %s)", session.Status, session.Error)
	}
	if session.Result == nil || !session.Result.Success {
		t.Fatal("Expected successful build result")
	}
	if len(session.Result.Artifacts) == 0 {
		t.Error("Expected at least one artifact")
	}

	// An identical request must be served from cache without re-execution.
	repeat := &buildplane.BuildRequest{
		ID:           uuid.New().String(),
		ProjectName:  "photo-app",
		Targets:      []string{"src/main.swift", "src/editor.swift"},
		Dependencies: []string{"libimage-2.1"},
		Priority:     "high",
	}

	cached := submitBuild(t, ctx, client, repeat)
	if cached.Error != "" {
		t.Fatalf("Cached build rejected: %s", cached.Error)
	}
	if !cached.FromCache {
		t.Error("Expected identical request to be served from cache")
	}
}

// TestCoordinator_CancelStopsInFlightBuild verifies the cancel broadcast
// reaches workers and the session lands in cancelled.
func TestCoordinator_CancelStopsInFlightBuild(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	startCoordinator(t, ctx, redisURL)

	// Slow executor keeps tasks in flight long enough to cancel them.
	startWorker(t, ctx, redisURL, "node-1", &worker.LocalExecutor{StepDelay: 5 * time.Second})

	time.Sleep(500 * time.Millisecond)

	client := newClient(t, redisURL)

	request := &buildplane.BuildRequest{
		ID:          uuid.New().String(),
		ProjectName: "photo-app",
		Targets:     []string{"src/a.swift", "src/b.swift", "src/c.swift"},
		Priority:    "normal",
	}

	response := submitBuild(t, ctx, client, request)
	if response.Error != "" {
		t.Fatalf("Build rejected: %s", response.Error)
	}

	time.Sleep(500 * time.Millisecond)

	cancelEnv, err := buildplane.NewEnvelope(buildplane.MessageTypeTaskCancel, "test-cli",
		map[string]string{"session_id": response.SessionID})
	if err != nil {
		t.Fatalf("Failed to build cancel envelope: %v", err)
	}
	if err := client.Send(ctx, cancelEnv, coordinator.CoordinatorInboxID); err != nil {
		t.Fatalf("Failed to send cancel: %v", err)
	}

	session := waitForTerminalSession(t, ctx, client, response.SessionID)
	if session.Status != coordinator.SessionStatusCancelled {
		t.Fatalf("Expected cancelled session, got %s", session.Status)
	}
}

// TestCoordinator_GracefulShutdown verifies context cancellation stops the
// engine promptly.
func TestCoordinator_GracefulShutdown(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := startCoordinator(t, ctx, redisURL)

	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Errorf("Engine returned unexpected error on shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Engine did not shut down within timeout")
	}
}
