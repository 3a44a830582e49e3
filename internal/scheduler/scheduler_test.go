package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/forge/internal/forgeerr"
	"github.com/dyluth/forge/pkg/buildplane"
)

func task(id string, taskType buildplane.TaskType, deps ...string) *buildplane.BuildTask {
	return &buildplane.BuildTask{
		ID:           id,
		Type:         taskType,
		Files:        []string{"main.c"},
		Dependencies: deps,
	}
}

// macCaps can run anything under the default policy
func macCaps() *buildplane.NodeCapabilities {
	return &buildplane.NodeCapabilities{
		Cores:     8,
		MemoryGB:  16,
		StorageGB: 256,
		Platforms: []string{"macOS", "iOS"},
	}
}

func TestPriorityOrdering(t *testing.T) {
	s := New(nil)

	// Submitted in order low, critical, normal - must come back
	// critical, normal, low.
	_, err := s.ScheduleTask(task("t-low", buildplane.TaskTypeCompile), PriorityLow)
	require.NoError(t, err)
	_, err = s.ScheduleTask(task("t-critical", buildplane.TaskTypeCompile), PriorityCritical)
	require.NoError(t, err)
	_, err = s.ScheduleTask(task("t-normal", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)

	var got []string
	for {
		st := s.NextTask("node-1", macCaps())
		if st == nil {
			break
		}
		got = append(got, st.Task.ID)
	}

	assert.Equal(t, []string{"t-critical", "t-normal", "t-low"}, got)
}

func TestFIFOWithinPriorityBand(t *testing.T) {
	s := New(nil)

	for _, id := range []string{"first", "second", "third"} {
		_, err := s.ScheduleTask(task(id, buildplane.TaskTypeCompile), PriorityNormal)
		require.NoError(t, err)
	}

	assert.Equal(t, "first", s.NextTask("n", macCaps()).Task.ID)
	assert.Equal(t, "second", s.NextTask("n", macCaps()).Task.ID)
	assert.Equal(t, "third", s.NextTask("n", macCaps()).Task.ID)
}

func TestRetryKeepsFIFOPosition(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("flaky", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)

	st := s.NextTask("node-1", macCaps())
	require.NotNil(t, st)
	require.Equal(t, "flaky", st.Task.ID)

	// A task submitted while flaky is in flight lands behind it.
	_, err = s.ScheduleTask(task("later", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, s.FailTask("flaky", &forgeerr.TimeoutError{Op: "dispatch", NodeID: "node-1"}))

	// The retried task goes back to its original position in the band,
	// not behind work that arrived after it.
	assert.Equal(t, "flaky", s.NextTask("node-1", macCaps()).Task.ID)
	assert.Equal(t, "later", s.NextTask("node-1", macCaps()).Task.ID)
}

func TestDependencyGating(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("upstream", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)
	_, err = s.ScheduleTask(task("downstream", buildplane.TaskTypeLink, "upstream"), PriorityCritical)
	require.NoError(t, err)

	// Downstream outranks upstream but is blocked, so upstream comes first.
	st := s.NextTask("node-1", macCaps())
	require.NotNil(t, st)
	assert.Equal(t, "upstream", st.Task.ID)

	// Nothing else is runnable until upstream completes.
	assert.Nil(t, s.NextTask("node-1", macCaps()))

	require.NoError(t, s.CompleteTask("upstream", &buildplane.TaskResult{TaskID: "upstream", Success: true}))

	st = s.NextTask("node-1", macCaps())
	require.NotNil(t, st)
	assert.Equal(t, "downstream", st.Task.ID)
	assert.Equal(t, TaskStatusRunning, st.Status)
	assert.Equal(t, "node-1", st.Task.AssignedNodeID)
}

func TestScheduleTasksBulk(t *testing.T) {
	s := New(nil)

	tasks := []*buildplane.BuildTask{
		task("compile-a", buildplane.TaskTypeCompile),
		task("compile-b", buildplane.TaskTypeCompile),
		task("link", buildplane.TaskTypeLink),
	}
	depMap := map[string][]string{
		"link": {"compile-a", "compile-b"},
	}

	require.NoError(t, s.ScheduleTasks(tasks, depMap, PriorityNormal))

	stats := s.GetStatistics()
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 1, stats.Waiting)

	// Completing both compiles unblocks the link.
	for _, id := range []string{"compile-a", "compile-b"} {
		st := s.NextTask("n", macCaps())
		require.NotNil(t, st)
		require.NoError(t, s.CompleteTask(st.Task.ID, &buildplane.TaskResult{TaskID: id, Success: true}))
	}

	st := s.NextTask("n", macCaps())
	require.NotNil(t, st)
	assert.Equal(t, "link", st.Task.ID)
}

func TestCapabilityMatching(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("t-test", buildplane.TaskTypeTest), PriorityNormal)
	require.NoError(t, err)

	linuxCaps := &buildplane.NodeCapabilities{
		Cores:     16,
		MemoryGB:  64,
		Platforms: []string{"linux"},
	}

	// The top task needs iOS; a linux node gets nil and the task stays
	// queued for a capable node.
	assert.Nil(t, s.NextTask("linux-node", linuxCaps))

	st := s.NextTask("mac-node", macCaps())
	require.NotNil(t, st)
	assert.Equal(t, "t-test", st.Task.ID)
}

func TestServiceable(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("t-test", buildplane.TaskTypeTest), PriorityNormal)
	require.NoError(t, err)

	linuxCaps := &buildplane.NodeCapabilities{
		Cores:     16,
		MemoryGB:  64,
		Platforms: []string{"linux"},
	}

	// Serviceability ignores load; it only asks whether the node could
	// ever run the task.
	assert.True(t, s.Serviceable("t-test", macCaps()))
	assert.False(t, s.Serviceable("t-test", linuxCaps))
	assert.False(t, s.Serviceable("no-such-task", macCaps()))
}

func TestDefaultMatcherPolicy(t *testing.T) {
	m := DefaultMatcher{}

	mac := &buildplane.NodeCapabilities{Cores: 1, MemoryGB: 2, Platforms: []string{"macOS"}}
	ios := &buildplane.NodeCapabilities{Cores: 1, MemoryGB: 2, Platforms: []string{"iOS"}}
	beefy := &buildplane.NodeCapabilities{Cores: 4, MemoryGB: 8, Platforms: []string{"linux"}}
	tiny := &buildplane.NodeCapabilities{Cores: 1, MemoryGB: 2, Platforms: []string{"linux"}}

	cases := []struct {
		taskType buildplane.TaskType
		caps     *buildplane.NodeCapabilities
		want     bool
	}{
		{buildplane.TaskTypeCompile, mac, true},
		{buildplane.TaskTypeCompile, ios, false},
		{buildplane.TaskTypeLink, mac, true},
		{buildplane.TaskTypeTest, ios, true},
		{buildplane.TaskTypeTest, mac, false},
		{buildplane.TaskTypeArchive, beefy, true},
		{buildplane.TaskTypeArchive, tiny, false},
		{buildplane.TaskTypeAnalyze, beefy, true},
		{buildplane.TaskTypeAnalyze, tiny, false},
	}

	for _, tc := range cases {
		got := m.Matches(&buildplane.BuildTask{ID: "t", Type: tc.taskType}, tc.caps)
		assert.Equal(t, tc.want, got, "%s on %v", tc.taskType, tc.caps.Platforms)
	}
}

func TestRetryCap(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("flaky", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)

	retryable := &forgeerr.TimeoutError{Op: "compile", NodeID: "n"}

	// Three retryable failures requeue the task.
	for attempt := 1; attempt <= 3; attempt++ {
		st := s.NextTask("n", macCaps())
		require.NotNil(t, st, "attempt %d should be claimable", attempt)
		require.NoError(t, s.FailTask("flaky", retryable))

		got := s.GetTask("flaky")
		assert.Equal(t, TaskStatusQueued, got.Status, "attempt %d should requeue", attempt)
		assert.Equal(t, attempt, got.RetryCount)
	}

	// The fourth failure is terminal.
	st := s.NextTask("n", macCaps())
	require.NotNil(t, st)
	require.NoError(t, s.FailTask("flaky", retryable))

	got := s.GetTask("flaky")
	assert.Equal(t, TaskStatusFailed, got.Status)
	assert.Nil(t, s.NextTask("n", macCaps()))
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("broken", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)

	st := s.NextTask("n", macCaps())
	require.NotNil(t, st)
	require.NoError(t, s.FailTask("broken", errors.New("undefined symbol: main")))

	got := s.GetTask("broken")
	assert.Equal(t, TaskStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestCancelTask(t *testing.T) {
	t.Run("cancels a queued task without disturbing the queue", func(t *testing.T) {
		s := New(nil)

		for _, id := range []string{"keep-1", "victim", "keep-2"} {
			_, err := s.ScheduleTask(task(id, buildplane.TaskTypeCompile), PriorityNormal)
			require.NoError(t, err)
		}

		require.NoError(t, s.CancelTask("victim"))
		assert.Equal(t, TaskStatusCancelled, s.GetTask("victim").Status)

		// The other queued tasks survive in order.
		assert.Equal(t, "keep-1", s.NextTask("n", macCaps()).Task.ID)
		assert.Equal(t, "keep-2", s.NextTask("n", macCaps()).Task.ID)
	})

	t.Run("cancels a waiting task", func(t *testing.T) {
		s := New(nil)

		_, err := s.ScheduleTask(task("blocked", buildplane.TaskTypeLink, "missing-dep"), PriorityNormal)
		require.NoError(t, err)

		require.NoError(t, s.CancelTask("blocked"))
		assert.Equal(t, TaskStatusCancelled, s.GetTask("blocked").Status)
	})

	t.Run("cancels a running task", func(t *testing.T) {
		s := New(nil)

		_, err := s.ScheduleTask(task("inflight", buildplane.TaskTypeCompile), PriorityNormal)
		require.NoError(t, err)
		require.NotNil(t, s.NextTask("n", macCaps()))

		require.NoError(t, s.CancelTask("inflight"))
		assert.Equal(t, TaskStatusCancelled, s.GetTask("inflight").Status)
		assert.Empty(t, s.RunningTasks())
	})

	t.Run("unknown task returns not found", func(t *testing.T) {
		s := New(nil)
		err := s.CancelTask("ghost")
		assert.True(t, forgeerr.IsNotFound(err))
	})
}

func TestDuplicateScheduleRejected(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("dup", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)

	_, err = s.ScheduleTask(task("dup", buildplane.TaskTypeCompile), PriorityNormal)
	assert.Error(t, err)
}

func TestBackgroundSweepPromotesWaiting(t *testing.T) {
	s := New(nil)
	s.sweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	_, err := s.ScheduleTask(task("gated", buildplane.TaskTypeCompile, "external-dep"), PriorityNormal)
	require.NoError(t, err)
	assert.Nil(t, s.NextTask("n", macCaps()))

	// Satisfy the dependency externally; only the sweep (or the next
	// completion) can notice.
	s.MarkDependencySatisfied("external-dep")

	require.Eventually(t, func() bool {
		st := s.NextTask("n", macCaps())
		return st != nil && st.Task.ID == "gated"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatistics(t *testing.T) {
	s := New(nil)

	_, err := s.ScheduleTask(task("done", buildplane.TaskTypeCompile), PriorityNormal)
	require.NoError(t, err)
	_, err = s.ScheduleTask(task("dead", buildplane.TaskTypeAnalyze), PriorityNormal)
	require.NoError(t, err)
	_, err = s.ScheduleTask(task("stuck", buildplane.TaskTypeLink, "done"), PriorityNormal)
	require.NoError(t, err)

	require.NotNil(t, s.NextTask("n", macCaps()))
	require.NoError(t, s.CompleteTask("done", &buildplane.TaskResult{TaskID: "done", Success: true, DurationMs: 200}))

	require.NotNil(t, s.NextTask("n", macCaps()))
	require.NoError(t, s.FailTask("dead", errors.New("segfault")))

	stats := s.GetStatistics()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Queued) // "stuck" was promoted when "done" completed
	assert.Equal(t, int64(200), stats.AvgDurationMs)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	assert.Equal(t, 1, stats.TasksByType["compile"])
	assert.Equal(t, 1, stats.TasksByType["analyze"])
	assert.Equal(t, 1, stats.TasksByType["link"])
}
