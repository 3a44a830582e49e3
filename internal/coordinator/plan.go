package coordinator

import (
	"github.com/google/uuid"

	"github.com/dyluth/forge/internal/forgeerr"
	"github.com/dyluth/forge/pkg/buildplane"
)

// Planner turns a build request into an ordered task list plus a
// dependency map (task id → ids that must complete first). Planners must
// produce acyclic graphs; the core schedules whatever the planner emits
// without cycle detection.
type Planner interface {
	Plan(request *buildplane.BuildRequest) ([]*buildplane.BuildTask, map[string][]string, error)
}

// DefaultPlanner emits the standard pipeline: one compile task per
// target, a link task over every compile, a test task over the link, and
// an archive task over the test. Acyclic by construction.
type DefaultPlanner struct{}

// Plan implements Planner.
func (DefaultPlanner) Plan(request *buildplane.BuildRequest) ([]*buildplane.BuildTask, map[string][]string, error) {
	if err := request.Validate(); err != nil {
		return nil, nil, &forgeerr.ValidationError{Reason: err.Error()}
	}

	tasks := make([]*buildplane.BuildTask, 0, len(request.Targets)+3)
	depMap := make(map[string][]string)

	compileIDs := make([]string, 0, len(request.Targets))
	for _, target := range request.Targets {
		compile := &buildplane.BuildTask{
			ID:           uuid.New().String(),
			Type:         buildplane.TaskTypeCompile,
			Files:        []string{target},
			Dependencies: request.Dependencies,
		}
		tasks = append(tasks, compile)
		compileIDs = append(compileIDs, compile.ID)
	}

	link := &buildplane.BuildTask{
		ID:           uuid.New().String(),
		Type:         buildplane.TaskTypeLink,
		Files:        request.Targets,
		Dependencies: request.Dependencies,
	}
	tasks = append(tasks, link)
	depMap[link.ID] = compileIDs

	test := &buildplane.BuildTask{
		ID:    uuid.New().String(),
		Type:  buildplane.TaskTypeTest,
		Files: request.Targets,
	}
	tasks = append(tasks, test)
	depMap[test.ID] = []string{link.ID}

	archive := &buildplane.BuildTask{
		ID:    uuid.New().String(),
		Type:  buildplane.TaskTypeArchive,
		Files: request.Targets,
	}
	tasks = append(tasks, archive)
	depMap[archive.ID] = []string{test.ID}

	return tasks, depMap, nil
}

// fingerprintTask builds the synthetic task whose cache key identifies a
// whole build request: the request's sorted targets under the archive
// type (the end product of the pipeline). Deterministic for identical
// requests, so repeat submissions short-circuit through the cache.
func fingerprintTask(request *buildplane.BuildRequest) *buildplane.BuildTask {
	return &buildplane.BuildTask{
		ID:    "request-fingerprint",
		Type:  buildplane.TaskTypeArchive,
		Files: append([]string{request.ProjectName}, request.Targets...),
	}
}
