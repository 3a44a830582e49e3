package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/forge/internal/coordinator"
	"github.com/dyluth/forge/internal/printer"
	"github.com/dyluth/forge/pkg/buildplane"
)

var cancelInstanceName string

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a running or queued build",
	Long: `Cancel a build session.

Queued sessions are removed from the admission queue. Running sessions
stop dispatching new tasks, and workers abandon in-flight tasks for the
session. Cancelling an already finished session has no effect.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelInstanceName, "name", "", "Instance name (required)")
	cancelCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sessionID := args[0]

	client, err := connectInstance(ctx, cancelInstanceName)
	if err != nil {
		return err
	}
	defer client.Close()

	env, err := buildplane.NewEnvelope(buildplane.MessageTypeTaskCancel, cliSenderID, map[string]string{
		"session_id": sessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}
	if err := client.Send(ctx, env, coordinator.CoordinatorInboxID); err != nil {
		return fmt.Errorf("failed to send cancel request: %w", err)
	}

	printer.Step("Cancel requested for session %s\n", sessionID)

	// Cancellation is asynchronous. Confirm against the session snapshot.
	time.Sleep(500 * time.Millisecond)
	session, err := fetchSession(ctx, client, sessionID)
	if err != nil {
		return err
	}

	if session.Status == coordinator.SessionStatusCancelled {
		printer.Success("Session %s cancelled\n", sessionID)
		return nil
	}

	printer.Warning("Session %s is %s\n", sessionID, session.Status)
	return nil
}
