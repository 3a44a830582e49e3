package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/forge/pkg/buildplane"
)

func setEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FORGE_INSTANCE_NAME", "test-instance")
	t.Setenv("FORGE_NODE_ID", "node-1")
	t.Setenv("FORGE_NODE_HOST", "node-1.local")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("FORGE_NODE_CAPABILITIES", `{"cores":8,"memory_gb":16,"storage_gb":256,"platforms":["macOS","iOS"]}`)
	t.Setenv("FORGE_NODE_CAPACITY", "4")
}

func TestLoadConfig(t *testing.T) {
	setEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "test-instance", cfg.InstanceName)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, 8, cfg.Capabilities.Cores)
	assert.Equal(t, []string{"macOS", "iOS"}, cfg.Capabilities.Platforms)
	assert.Equal(t, 4, cfg.Capacity)

	node := cfg.Node()
	require.NoError(t, node.Validate())
	assert.Equal(t, buildplane.NodeStatusIdle, node.Status)
	assert.Equal(t, 4, node.AvailableCapacity)
}

func TestLoadConfigFailsFast(t *testing.T) {
	cases := []struct {
		name   string
		breakE func(t *testing.T)
	}{
		{"missing instance", func(t *testing.T) { t.Setenv("FORGE_INSTANCE_NAME", "") }},
		{"missing node id", func(t *testing.T) { t.Setenv("FORGE_NODE_ID", "") }},
		{"missing host", func(t *testing.T) { t.Setenv("FORGE_NODE_HOST", "") }},
		{"missing redis url", func(t *testing.T) { t.Setenv("REDIS_URL", "") }},
		{"malformed capabilities", func(t *testing.T) { t.Setenv("FORGE_NODE_CAPABILITIES", "not-json") }},
		{"no platforms", func(t *testing.T) { t.Setenv("FORGE_NODE_CAPABILITIES", `{"cores":8}`) }},
		{"bad capacity", func(t *testing.T) { t.Setenv("FORGE_NODE_CAPACITY", "zero") }},
		{"zero capacity", func(t *testing.T) { t.Setenv("FORGE_NODE_CAPACITY", "0") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setEnv(t)
			tc.breakE(t)

			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLocalExecutorIsDeterministic(t *testing.T) {
	exec := &LocalExecutor{}
	task := &buildplane.BuildTask{
		ID:           "task-1",
		Type:         buildplane.TaskTypeCompile,
		Files:        []string{"main.swift"},
		Dependencies: []string{"libcrypto-3.2"},
	}

	first, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.Equal(t, []string{"main.o"}, first.Artifacts)
	assert.Equal(t, first.Bundle, second.Bundle, "identical tasks must produce identical bundles")

	// A different dependency set changes the content.
	task.Dependencies = []string{"libcrypto-3.3"}
	third, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.NotEqual(t, first.Bundle["main.o"], third.Bundle["main.o"])
}

func TestLocalExecutorArtifactNames(t *testing.T) {
	cases := []struct {
		taskType buildplane.TaskType
		want     string
	}{
		{buildplane.TaskTypeCompile, "app.o"},
		{buildplane.TaskTypeLink, "app.bin"},
		{buildplane.TaskTypeTest, "app.test-report"},
		{buildplane.TaskTypeArchive, "app.tar"},
		{buildplane.TaskTypeAnalyze, "app.analysis"},
	}

	exec := &LocalExecutor{}
	for _, tc := range cases {
		result, err := exec.Execute(context.Background(), &buildplane.BuildTask{
			ID:    "task-" + string(tc.taskType),
			Type:  tc.taskType,
			Files: []string{"app.swift"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{tc.want}, result.Artifacts)
	}
}

func TestLocalExecutorHonorsCancellation(t *testing.T) {
	exec := &LocalExecutor{StepDelay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := exec.Execute(ctx, &buildplane.BuildTask{
			ID:    "task-slow",
			Type:  buildplane.TaskTypeCompile,
			Files: []string{"main.swift"},
		})
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("executor did not honor cancellation")
	}
}

func setupEngine(t *testing.T) (*Engine, *buildplane.Client, context.CancelFunc) {
	t.Helper()

	mr := miniredis.RunT(t)

	workerClient, err := buildplane.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { workerClient.Close() })

	coordClient, err := buildplane.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { coordClient.Close() })

	cfg := &Config{
		InstanceName: "test-instance",
		NodeID:       "node-1",
		Host:         "node-1.local",
		RedisURL:     "redis://" + mr.Addr(),
		Capabilities: buildplane.NodeCapabilities{
			Cores:     8,
			MemoryGB:  16,
			StorageGB: 256,
			Platforms: []string{"macOS", "iOS"},
		},
		Capacity: 2,
	}

	engine := New(cfg, workerClient, nil)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		_ = engine.Start(ctx)
	}()
	<-started

	// Wait for registration before handing control to the test.
	require.Eventually(t, func() bool {
		_, err := coordClient.GetNode(context.Background(), "node-1")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	return engine, coordClient, cancel
}

func TestEngineExecutesAssignedTask(t *testing.T) {
	_, coordClient, cancel := setupEngine(t)
	defer cancel()

	task := &buildplane.BuildTask{
		ID:    "task-assigned",
		Type:  buildplane.TaskTypeCompile,
		Files: []string{"main.swift"},
	}

	env, err := buildplane.NewEnvelope(buildplane.MessageTypeTaskAssignment, "coordinator", task)
	require.NoError(t, err)

	var result buildplane.TaskResult
	require.Eventually(t, func() bool {
		reply, err := coordClient.Request(context.Background(), env, "node-1", time.Second)
		if err != nil {
			// The inbox subscription may not be live yet; retry with a
			// fresh envelope so the reply channel is unique.
			env, _ = buildplane.NewEnvelope(buildplane.MessageTypeTaskAssignment, "coordinator", task)
			return false
		}
		return reply.DecodePayload(&result) == nil
	}, 5*time.Second, 50*time.Millisecond)

	assert.True(t, result.Success)
	assert.Equal(t, "task-assigned", result.TaskID)
	assert.Equal(t, "node-1", result.NodeID)
	assert.Equal(t, []string{"main.o"}, result.Artifacts)
	assert.NotEmpty(t, result.Bundle)
}

func TestEngineMarksNodeOfflineOnShutdown(t *testing.T) {
	_, coordClient, cancel := setupEngine(t)

	cancel()

	require.Eventually(t, func() bool {
		node, err := coordClient.GetNode(context.Background(), "node-1")
		return err == nil && node.Status == buildplane.NodeStatusOffline
	}, 3*time.Second, 10*time.Millisecond)
}
