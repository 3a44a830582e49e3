package scheduler

import "github.com/dyluth/forge/pkg/buildplane"

// CapabilityMatcher decides whether a node can execute a task. The
// matching rule is policy, not mechanism - swap the matcher to change
// which nodes qualify for which task types.
type CapabilityMatcher interface {
	Matches(task *buildplane.BuildTask, caps *buildplane.NodeCapabilities) bool
}

// DefaultMatcher implements the standard Forge policy:
//   - compile and link require macOS platform support
//   - test requires iOS platform support
//   - archive requires at least 2 cores
//   - analyze requires at least 4 GB of memory
type DefaultMatcher struct{}

// Matches implements CapabilityMatcher.
func (DefaultMatcher) Matches(task *buildplane.BuildTask, caps *buildplane.NodeCapabilities) bool {
	switch task.Type {
	case buildplane.TaskTypeCompile, buildplane.TaskTypeLink:
		return caps.SupportsPlatform("macOS")
	case buildplane.TaskTypeTest:
		return caps.SupportsPlatform("iOS")
	case buildplane.TaskTypeArchive:
		return caps.Cores >= 2
	case buildplane.TaskTypeAnalyze:
		return caps.MemoryGB >= 4
	default:
		return false
	}
}

// MatcherFunc adapts a plain function to the CapabilityMatcher interface.
type MatcherFunc func(task *buildplane.BuildTask, caps *buildplane.NodeCapabilities) bool

// Matches implements CapabilityMatcher.
func (f MatcherFunc) Matches(task *buildplane.BuildTask, caps *buildplane.NodeCapabilities) bool {
	return f(task, caps)
}
