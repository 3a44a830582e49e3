package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	dockerpkg "github.com/dyluth/forge/internal/docker"
	"github.com/dyluth/forge/internal/instance"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all forge instances",
	Long: `List all forge instances by querying Docker for containers with the forge.project label.

For each instance, displays:
  • Instance name
  • Status (Running/Degraded/Stopped)
  • Worker container count
  • Uptime (for running instances)

Use --json for machine-readable output.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	infos, err := instance.ListInstances(ctx, cli)
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		if listJSON {
			fmt.Println("[]")
		} else {
			fmt.Println("No forge instances found.")
			fmt.Println()
			fmt.Println("Run 'forge up' to start a new instance.")
		}
		return nil
	}

	if listJSON {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal instance list: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%-20s %-10s %-8s %s\n", "INSTANCE", "STATUS", "WORKERS", "UPTIME")
	for _, info := range infos {
		fmt.Printf("%-20s %-10s %-8d %s\n", info.Name, info.Status, info.Workers, info.Uptime)
	}

	return nil
}
