package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/goonerstrike/belief-engine/internal/checkpoint"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/pipeline"
	"github.com/goonerstrike/belief-engine/internal/util"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show checkpoint status of one run or of every run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		manager := checkpoint.NewManager(cfg.CheckpointsDir())

		if len(args) == 1 {
			return showRun(manager, args[0])
		}

		runs, err := manager.Runs()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found")
			return nil
		}
		for _, run := range runs {
			fmt.Println(runLine(manager, run))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// runLine summarises one run on a single line
func runLine(manager *checkpoint.Manager, run string) string {
	next, latest, err := manager.Resume(run)
	switch {
	case err != nil:
		return fmt.Sprintf("%-40s error: %v", run, err)
	case latest == nil:
		return fmt.Sprintf("%-40s no checkpoints", run)
	case next == model.PhaseNone:
		return fmt.Sprintf("%-40s complete", run)
	case latest.Incomplete:
		return fmt.Sprintf("%-40s incomplete at %s (%d pending)", run, latest.Phase, len(latest.Pending))
	default:
		return fmt.Sprintf("%-40s %s done, next %s", run, latest.Phase, next)
	}
}

func showRun(manager *checkpoint.Manager, run string) error {
	if _, err := os.Stat(manager.RunDir(run)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("run %s: %w", run, checkpoint.ErrNotFound)
	}
	fmt.Println(runLine(manager, run))

	for _, phase := range model.Phases {
		rec, err := manager.Load(run, phase)
		if errors.Is(err, checkpoint.ErrNotFound) {
			break
		}
		if err != nil {
			fmt.Printf("  %-14s %v\n", phase, err)
			break
		}
		fmt.Printf("  %-14s count=%d errors=%d retries=%d saved=%s\n",
			phase, rec.Stats.Count, rec.Stats.Errors, rec.Stats.Retries, rec.Timestamp.Format("2006-01-02 15:04:05"))
	}

	var report model.RunReport
	err := util.ReadJSON(filepath.Join(manager.RunDir(run), pipeline.RunReportFile), &report)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read run report: %w", err)
	}
	printReport(os.Stdout, &report)
	return nil
}
