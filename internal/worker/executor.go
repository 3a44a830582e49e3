package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/forge/pkg/buildplane"
)

// Executor runs one build task to completion. Implementations must honor
// context cancellation and return a result rather than panicking on build
// failures; an error return is reserved for infrastructure problems.
type Executor interface {
	Execute(ctx context.Context, task *buildplane.BuildTask) (*buildplane.TaskResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *buildplane.BuildTask) (*buildplane.TaskResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *buildplane.BuildTask) (*buildplane.TaskResult, error) {
	return f(ctx, task)
}

// LocalExecutor produces deterministic artifacts from the task's declared
// inputs. It stands in for a real toolchain invocation: the artifact name
// encodes the task, the content fingerprints the inputs, so identical
// tasks produce identical bundles and the cache stays content-addressed.
type LocalExecutor struct {
	// StepDelay simulates tool runtime; zero means no delay.
	StepDelay time.Duration
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, task *buildplane.BuildTask) (*buildplane.TaskResult, error) {
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	start := time.Now()

	if e.StepDelay > 0 {
		timer := time.NewTimer(e.StepDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	name := artifactName(task)
	content := artifactContent(task)

	return &buildplane.TaskResult{
		TaskID:     task.ID,
		NodeID:     task.AssignedNodeID,
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
		Artifacts:  []string{name},
		Bundle:     buildplane.Artifacts{name: content},
	}, nil
}

// artifactName derives the output name from the task type and the first
// input file.
func artifactName(task *buildplane.BuildTask) string {
	base := "out"
	if len(task.Files) > 0 {
		base = strings.TrimSuffix(task.Files[0], extension(task.Files[0]))
	}

	switch task.Type {
	case buildplane.TaskTypeCompile:
		return base + ".o"
	case buildplane.TaskTypeLink:
		return base + ".bin"
	case buildplane.TaskTypeTest:
		return base + ".test-report"
	case buildplane.TaskTypeArchive:
		return base + ".tar"
	case buildplane.TaskTypeAnalyze:
		return base + ".analysis"
	default:
		return base + ".out"
	}
}

// artifactContent fingerprints the task's inputs and dependency set.
func artifactContent(task *buildplane.BuildTask) string {
	h := sha256.New()
	h.Write([]byte(task.Type))
	h.Write([]byte{0})

	files := append([]string(nil), task.Files...)
	sort.Strings(files)
	for _, f := range files {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}

	deps := append([]string(nil), task.Dependencies...)
	sort.Strings(deps)
	for _, d := range deps {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

func extension(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i:]
	}
	return ""
}
