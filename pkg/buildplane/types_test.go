package buildplane

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTypeValidate(t *testing.T) {
	valid := []TaskType{TaskTypeCompile, TaskTypeLink, TaskTypeTest, TaskTypeArchive, TaskTypeAnalyze}
	for _, tt := range valid {
		assert.NoError(t, tt.Validate(), "expected %s to be valid", tt)
	}

	assert.Error(t, TaskType("deploy").Validate())
	assert.Error(t, TaskType("").Validate())
}

func TestBuildTaskValidate(t *testing.T) {
	t.Run("valid task", func(t *testing.T) {
		task := &BuildTask{
			ID:    "t1",
			Type:  TaskTypeCompile,
			Files: []string{"main.c"},
		}
		assert.NoError(t, task.Validate())
	})

	t.Run("empty id rejected", func(t *testing.T) {
		task := &BuildTask{Type: TaskTypeCompile}
		assert.Error(t, task.Validate())
	})

	t.Run("bad type rejected", func(t *testing.T) {
		task := &BuildTask{ID: "t1", Type: "deploy"}
		assert.Error(t, task.Validate())
	})
}

func TestBuildRequestValidate(t *testing.T) {
	t.Run("valid request", func(t *testing.T) {
		req := &BuildRequest{
			ID:          uuid.New().String(),
			ProjectName: "demo",
			Targets:     []string{"main.c"},
		}
		assert.NoError(t, req.Validate())
	})

	t.Run("non-uuid id rejected", func(t *testing.T) {
		req := &BuildRequest{ID: "not-a-uuid", ProjectName: "demo", Targets: []string{"a"}}
		assert.Error(t, req.Validate())
	})

	t.Run("no targets rejected", func(t *testing.T) {
		req := &BuildRequest{ID: uuid.New().String(), ProjectName: "demo"}
		assert.Error(t, req.Validate())
	})
}

func TestBuildNodeValidate(t *testing.T) {
	t.Run("valid node", func(t *testing.T) {
		node := testNode("node-1")
		assert.NoError(t, node.Validate())
	})

	t.Run("zero cores rejected", func(t *testing.T) {
		node := testNode("node-1")
		node.Capabilities.Cores = 0
		assert.Error(t, node.Validate())
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		node := testNode("node-1")
		node.Status = "sleeping"
		assert.Error(t, node.Validate())
	})
}

func TestSupportsPlatform(t *testing.T) {
	caps := NodeCapabilities{Platforms: []string{"macOS", "linux"}}
	assert.True(t, caps.SupportsPlatform("macOS"))
	assert.False(t, caps.SupportsPlatform("iOS"))
}

func TestBuildResultMerge(t *testing.T) {
	agg := &BuildResult{Success: true}

	agg.Merge(&TaskResult{TaskID: "t1", Success: true, DurationMs: 100, Artifacts: []string{"a.o"}})
	agg.Merge(&TaskResult{TaskID: "t2", Success: false, DurationMs: 50, Errors: []string{"undefined symbol"}})
	agg.Merge(&TaskResult{TaskID: "t3", Success: true, DurationMs: 25, Artifacts: []string{"b.o"}})

	assert.False(t, agg.Success)
	assert.Equal(t, int64(175), agg.DurationMs)
	assert.Equal(t, []string{"undefined symbol"}, agg.Errors)
	assert.Equal(t, []string{"a.o", "b.o"}, agg.Artifacts)
}

func TestNodeHashRoundTrip(t *testing.T) {
	node := testNode("node-1")
	node.LastSeenMs = 1700000000000

	hash, err := NodeToHash(node)
	require.NoError(t, err)

	// Simulate the string-typed hash Redis hands back
	strHash := make(map[string]string, len(hash))
	for k, v := range hash {
		strHash[k] = fmt.Sprintf("%v", v)
	}

	got, err := HashToNode(strHash)
	require.NoError(t, err)
	assert.Equal(t, node, got)
}
