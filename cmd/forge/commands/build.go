package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/forge/internal/coordinator"
	"github.com/dyluth/forge/internal/printer"
	"github.com/dyluth/forge/pkg/buildplane"
)

var (
	buildInstanceName string
	buildProject      string
	buildDeps         []string
	buildPriority     string
	buildWait         bool
)

var buildCmd = &cobra.Command{
	Use:   "build <target>...",
	Short: "Submit a build to a forge instance",
	Long: `Submit a build request for one or more targets.

The coordinator plans the build into compile, link, test, and package
tasks, distributes them across capable workers, and caches the resulting
artifacts so identical requests return instantly.

With --wait, polls the session until it reaches a terminal state.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildInstanceName, "name", "", "Instance name (required)")
	buildCmd.Flags().StringVar(&buildProject, "project", "", "Project name (required)")
	buildCmd.Flags().StringSliceVar(&buildDeps, "dep", nil, "External dependency name (repeatable), e.g. libssl-3.2")
	buildCmd.Flags().StringVar(&buildPriority, "priority", "normal", "Build priority: low, normal, high, critical")
	buildCmd.Flags().BoolVar(&buildWait, "wait", false, "Wait for the build to finish")
	buildCmd.MarkFlagRequired("name")
	buildCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connectInstance(ctx, buildInstanceName)
	if err != nil {
		return err
	}
	defer client.Close()

	request := &buildplane.BuildRequest{
		ID:           uuid.New().String(),
		ProjectName:  buildProject,
		Targets:      args,
		Dependencies: buildDeps,
		Priority:     buildPriority,
	}
	if err := request.Validate(); err != nil {
		return fmt.Errorf("invalid build request: %w", err)
	}

	printer.Step("Submitting build for project '%s' (%d targets)\n", buildProject, len(args))

	// Submission can block behind the admission queue, so give it longer
	// than ordinary control requests.
	var response coordinator.BuildResponse
	if err := requestCoordinator(ctx, client, buildplane.MessageTypeBuildRequest, request, 30*time.Second, &response); err != nil {
		return err
	}
	if response.Error != "" {
		return fmt.Errorf("build rejected: %s", response.Error)
	}

	if response.FromCache {
		printer.Success("Build served from cache (session %s)\n", response.SessionID)
		return nil
	}

	printer.Success("Build accepted: session %s (%s)\n", response.SessionID, response.Status)

	if !buildWait {
		printer.Info("\nCheck progress with:\n  forge status --name %s --session %s\n", buildInstanceName, response.SessionID)
		return nil
	}

	return waitForSession(ctx, client, response.SessionID)
}

func waitForSession(ctx context.Context, client *buildplane.Client, sessionID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		session, err := fetchSession(ctx, client, sessionID)
		if err != nil {
			return err
		}

		if !session.Status.Terminal() {
			printer.Step("Session %s: %s\n", sessionID, session.Status)
			continue
		}

		printSessionResult(session)
		if session.Status != coordinator.SessionStatusCompleted {
			return fmt.Errorf("build %s", session.Status)
		}
		return nil
	}
}

// fetchSession asks the coordinator for a session snapshot. Unknown
// sessions come back as a BuildResponse whose error field decodes into
// the session's Error.
func fetchSession(ctx context.Context, client *buildplane.Client, sessionID string) (*coordinator.BuildSession, error) {
	payload := map[string]string{"session_id": sessionID}

	var session coordinator.BuildSession
	if err := requestCoordinator(ctx, client, buildplane.MessageTypeBuildStatus, payload, requestTimeout, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		if session.Error != "" {
			return nil, fmt.Errorf("%s", session.Error)
		}
		return nil, fmt.Errorf("session '%s' not found", sessionID)
	}

	return &session, nil
}

func printSessionResult(session *coordinator.BuildSession) {
	switch session.Status {
	case coordinator.SessionStatusCompleted:
		printer.Success("Build completed in %dms\n", resultDuration(session))
		if session.Result != nil && len(session.Result.Artifacts) > 0 {
			printer.Info("Artifacts:\n  %s\n", strings.Join(session.Result.Artifacts, "\n  "))
		}
	case coordinator.SessionStatusCancelled:
		printer.Warning("Build cancelled\n")
	default:
		printer.Warning("Build failed\n")
		if session.Result != nil {
			for _, e := range session.Result.Errors {
				printer.Info("  %s\n", e)
			}
		}
		if session.Error != "" {
			printer.Info("  %s\n", session.Error)
		}
	}
}

func resultDuration(session *coordinator.BuildSession) int64 {
	if session.Result == nil {
		return 0
	}
	return session.Result.DurationMs
}
