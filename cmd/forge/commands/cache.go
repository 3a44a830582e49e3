package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dyluth/forge/internal/coordinator"
	"github.com/dyluth/forge/internal/printer"
	"github.com/dyluth/forge/pkg/buildplane"
)

var cacheInstanceName string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the build cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show build cache statistics",
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry from the build cache",
	RunE:  runCacheClear,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <dependency>...",
	Short: "Invalidate cache entries that depend on the given dependencies",
	Long: `Invalidate every cache entry whose recorded dependency set includes
any of the given dependency names, e.g. after publishing libssl-3.3:

  forge cache invalidate --name default-1 libssl-3.3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCacheInvalidate,
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheInstanceName, "name", "", "Instance name (required)")
	cacheCmd.MarkPersistentFlagRequired("name")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connectInstance(ctx, cacheInstanceName)
	if err != nil {
		return err
	}
	defer client.Close()

	var stats coordinator.SystemStatistics
	if err := requestCoordinator(ctx, client, buildplane.MessageTypeSystemStats, map[string]string{}, requestTimeout, &stats); err != nil {
		return err
	}

	c := stats.Cache
	fmt.Printf("Entries:            %d\n", c.TotalEntries)
	fmt.Printf("Total size:         %d bytes\n", c.TotalSizeBytes)
	fmt.Printf("Avg entry size:     %d bytes\n", c.AvgEntrySizeBytes)
	fmt.Printf("Hit rate:           %.0f%%\n", c.HitRate*100)
	fmt.Printf("Storage efficiency: %.0f%%\n", c.StorageEfficiency*100)

	if len(c.EntriesByAge) > 0 {
		fmt.Printf("\nEntries by age:\n")
		buckets := make([]string, 0, len(c.EntriesByAge))
		for bucket := range c.EntriesByAge {
			buckets = append(buckets, bucket)
		}
		sort.Strings(buckets)
		for _, bucket := range buckets {
			fmt.Printf("  %-10s %d\n", bucket, c.EntriesByAge[bucket])
		}
	}

	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	return syncCache(map[string]any{"clear": true}, "Build cache cleared\n")
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	return syncCache(map[string]any{"changed_paths": args},
		fmt.Sprintf("Invalidated cache entries for %d dependencies\n", len(args)))
}

func syncCache(payload map[string]any, successMsg string) error {
	ctx := context.Background()

	client, err := connectInstance(ctx, cacheInstanceName)
	if err != nil {
		return err
	}
	defer client.Close()

	var ack struct {
		OK bool `json:"ok"`
	}
	if err := requestCoordinator(ctx, client, buildplane.MessageTypeCacheSync, payload, requestTimeout, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("coordinator reported a cache sync failure, check coordinator logs")
	}

	printer.Success(successMsg)
	return nil
}
