package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/goonerstrike/belief-engine/internal/cache"
	"github.com/goonerstrike/belief-engine/internal/checkpoint"
	"github.com/goonerstrike/belief-engine/internal/pipeline"
)

var (
	rebuildRegistry bool
	rebuildClusters bool
	pruneDays       int
)

// rebuildCmd represents the rebuild command
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute the registry and cluster store from committed history",
	Long: `Rebuild replays the claim journal, which survives checkpoint pruning,
into a fresh registry and regroups the registry's canonical claims into
clusters. Without flags both stores are rebuilt.

Example:
  belief-engine rebuild
  belief-engine rebuild --clusters`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !rebuildRegistry && !rebuildClusters {
			rebuildRegistry, rebuildClusters = true, true
		}

		engine := pipeline.New(cfg, nil, nil)
		if err := engine.Rebuild(rebuildRegistry, rebuildClusters); err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}

		fmt.Printf("✓ Registry: %d canonical claims (version %d)\n", engine.Registry().Len(), engine.Registry().Version())
		fmt.Printf("✓ Clusters: %d groups (version %d)\n", len(engine.Clusters().Groups()), engine.Clusters().Version())
		return nil
	},
}

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old checkpoints and expired embedding cache entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		days := pruneDays
		if days <= 0 {
			days = cfg.Checkpoint.CleanupDays
		}
		if days > 0 {
			removed, err := checkpoint.NewManager(cfg.CheckpointsDir()).Prune(time.Duration(days) * 24 * time.Hour)
			if err != nil {
				return fmt.Errorf("prune checkpoints: %w", err)
			}
			fmt.Printf("✓ Removed %d runs older than %d days\n", removed, days)
		}

		layered := cache.NewLayeredCache(cfg.Cache.MemoryTTL, cfg.CacheDir(), cfg.Cache.DiskTTL)
		expired, err := layered.Prune()
		if err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		fmt.Printf("✓ Removed %d expired cache entries\n", expired)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
	rebuildCmd.Flags().BoolVar(&rebuildRegistry, "registry", false, "rebuild the registry")
	rebuildCmd.Flags().BoolVar(&rebuildClusters, "clusters", false, "rebuild the cluster store")

	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "remove runs older than this many days (default: checkpoint.cleanup_days)")
}
