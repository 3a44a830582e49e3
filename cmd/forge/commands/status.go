package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/forge/internal/coordinator"
	"github.com/dyluth/forge/pkg/buildplane"
)

var (
	statusInstanceName string
	statusSessionID    string
	statusJSON         bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show build farm or session status",
	Long: `Show the status of a forge instance.

Without --session, displays system-wide statistics: active and queued
builds, worker availability, cache hit rate, and scheduler throughput.

With --session, displays the status of one build session.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusInstanceName, "name", "", "Instance name (required)")
	statusCmd.Flags().StringVar(&statusSessionID, "session", "", "Show a single build session")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	statusCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connectInstance(ctx, statusInstanceName)
	if err != nil {
		return err
	}
	defer client.Close()

	if statusSessionID != "" {
		return showSessionStatus(ctx, client)
	}
	return showSystemStatus(ctx, client)
}

func showSessionStatus(ctx context.Context, client *buildplane.Client) error {
	session, err := fetchSession(ctx, client, statusSessionID)
	if err != nil {
		return err
	}

	if statusJSON {
		return printJSON(session)
	}

	fmt.Printf("Session:   %s\n", session.ID)
	fmt.Printf("Project:   %s\n", session.Request.ProjectName)
	fmt.Printf("Status:    %s\n", session.Status)
	fmt.Printf("Targets:   %s\n", strings.Join(session.Request.Targets, ", "))
	if session.FromCache {
		fmt.Printf("Source:    cache\n")
	}
	if session.Result != nil {
		fmt.Printf("Duration:  %dms\n", session.Result.DurationMs)
		if len(session.Result.Artifacts) > 0 {
			fmt.Printf("Artifacts: %s\n", strings.Join(session.Result.Artifacts, ", "))
		}
		for _, e := range session.Result.Errors {
			fmt.Printf("Error:     %s\n", e)
		}
	}
	if session.Error != "" {
		fmt.Printf("Error:     %s\n", session.Error)
	}

	return nil
}

func showSystemStatus(ctx context.Context, client *buildplane.Client) error {
	var stats coordinator.SystemStatistics
	if err := requestCoordinator(ctx, client, buildplane.MessageTypeSystemStats, map[string]string{}, requestTimeout, &stats); err != nil {
		return err
	}

	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	if statusJSON {
		return printJSON(map[string]any{
			"statistics": stats,
			"nodes":      nodes,
		})
	}

	fmt.Printf("Instance: %s\n\n", statusInstanceName)

	fmt.Printf("Builds:\n")
	fmt.Printf("  Active:    %d\n", stats.ActiveBuilds)
	fmt.Printf("  Queued:    %d\n", stats.QueuedBuilds)
	fmt.Printf("  Completed: %d\n", stats.CompletedBuilds)
	fmt.Printf("  Failed:    %d\n", stats.FailedBuilds)
	if stats.AvgBuildMs > 0 {
		fmt.Printf("  Avg time:  %dms\n", stats.AvgBuildMs)
	}

	fmt.Printf("\nCache:\n")
	fmt.Printf("  Entries:   %d\n", stats.Cache.TotalEntries)
	fmt.Printf("  Size:      %d bytes\n", stats.Cache.TotalSizeBytes)
	fmt.Printf("  Hit rate:  %.0f%%\n", stats.Cache.HitRate*100)

	fmt.Printf("\nScheduler:\n")
	fmt.Printf("  Queued:    %d\n", stats.Scheduler.Queued)
	fmt.Printf("  Waiting:   %d\n", stats.Scheduler.Waiting)
	fmt.Printf("  Running:   %d\n", stats.Scheduler.Running)
	fmt.Printf("  Completed: %d\n", stats.Scheduler.Completed)

	fmt.Printf("\nNodes (%d available, capacity %d):\n", stats.AvailableNodes, stats.AvailableCapacity)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	fmt.Printf("  %-20s %-10s %-6s %s\n", "NODE", "STATUS", "FREE", "PLATFORMS")
	for _, node := range nodes {
		fmt.Printf("  %-20s %-10s %-6d %s\n",
			node.ID, node.Status, node.AvailableCapacity,
			strings.Join(node.Capabilities.Platforms, ", "))
	}

	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
