package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goonerstrike/belief-engine/internal/llm"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/pipeline"
)

var (
	runID        string
	episodeID    string
	resume       bool
	newRun       bool
	noCheckpoint bool
	runTimeout   time.Duration
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <transcript>",
	Short: "Run a transcript through every phase",
	Long: `Run parses a diarized transcript (SPEAKER | HH:MM:SS | HH:MM:SS | text),
splits utterances into statements, extracts claims with the inference
oracle, resolves them against the global registry and assigns them to
clusters. Every phase is checkpointed.

The run id defaults to the episode id, so rerunning a transcript resumes it
and a finished run is a no-op. Interrupting a run (Ctrl-C) lets in-flight
calls finish and saves an incomplete checkpoint.

Example:
  belief-engine run episode_001.txt
  belief-engine run episode_001.txt --resume
  belief-engine run episode_001.txt --new-run --workers 10`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscript,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (default: the episode id)")
	runCmd.Flags().StringVar(&episodeID, "episode", "", "episode id (default: derived from the transcript file name)")
	runCmd.Flags().BoolVar(&resume, "resume", false, "require an existing checkpoint for the run")
	runCmd.Flags().BoolVar(&newRun, "new-run", false, "start a fresh run with a generated run id")
	runCmd.Flags().BoolVar(&noCheckpoint, "no-checkpoint", false, "do not write checkpoints")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "abort the run after this long (0 = no limit)")

	runCmd.Flags().Int("workers", 0, "extraction workers")
	runCmd.Flags().Int("embedding-workers", 0, "embedding workers")
	runCmd.Flags().String("provider", "", "inference provider (openai, anthropic, ollama)")
	runCmd.Flags().String("model", "", "inference model name")

	_ = viper.BindPFlag("dispatch.extraction_workers", runCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("dispatch.embedding_workers", runCmd.Flags().Lookup("embedding-workers"))
	_ = viper.BindPFlag("oracle.provider", runCmd.Flags().Lookup("provider"))
	_ = viper.BindPFlag("oracle.model", runCmd.Flags().Lookup("model"))
}

func runTranscript(cmd *cobra.Command, args []string) error {
	if resume && newRun {
		return errors.New("--resume and --new-run are mutually exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noCheckpoint {
		cfg.Checkpoint.Enabled = false
	}
	if resume && !cfg.Checkpoint.Enabled {
		return errors.New("--resume needs checkpointing enabled")
	}

	inferenceCfg, embeddingCfg := oracleConfigs(cfg)
	inferer, err := llm.NewInferer(inferenceCfg)
	if err != nil {
		return fmt.Errorf("inference oracle: %w", err)
	}
	embedder, err := llm.NewEmbedder(embeddingCfg)
	if err != nil {
		return fmt.Errorf("embedding oracle: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	opts := pipeline.Options{
		Transcript: args[0],
		EpisodeID:  episodeID,
		RunID:      runID,
		Resume:     resume,
	}
	if newRun && opts.RunID == "" {
		opts.RunID = model.NewRunID()
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Transcript: %s\n", opts.Transcript)
		fmt.Fprintf(os.Stderr, "Oracles:    %s / %s\n", inferer.Name(), embedder.Name())
		fmt.Fprintf(os.Stderr, "Data dir:   %s\n\n", cfg.DataDir)
	}

	engine := pipeline.New(cfg, inferer, embedder)
	report, err := engine.Run(ctx, opts)
	if report != nil {
		printReport(os.Stdout, report)
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return nil
}

// printReport renders a run report for the terminal
func printReport(w io.Writer, r *model.RunReport) {
	fmt.Fprintf(w, "\nRun %s (episode %s)\n", r.RunID, r.EpisodeID)
	if r.Resumed {
		fmt.Fprintf(w, "  resumed from checkpoint\n")
	}
	for _, s := range r.Stages {
		status := "✓"
		switch {
		case s.Incomplete:
			status = "…"
		case s.Reused:
			status = "↺"
		}
		fmt.Fprintf(w, "  %s %-14s count=%d errors=%d retries=%d calls=%d %s\n",
			status, s.Phase, s.Count, s.Errors, s.Retries, s.Calls, s.Duration.Round(time.Millisecond))
	}

	if !r.Completed {
		fmt.Fprintf(w, "  ✗ halted at %s: %s\n", r.FailedAt, r.Reason)
		return
	}
	fmt.Fprintf(w, "  registry: %d canonical (%d new, %d exact, %d similar, %d without embedding), dedup rate %.2f\n",
		r.Registry.Canonical, r.Registry.New, r.Registry.Exact, r.Registry.Similar, r.Registry.Mismatches, r.Registry.DedupRate)
	fmt.Fprintf(w, "  clusters: %d groups (%d formed, %d outliers, %d promoted)\n",
		r.Clusters.Groups, r.Clusters.Formed, r.Clusters.Outliers, r.Clusters.Promoted)
	if r.Quality != nil {
		fmt.Fprintf(w, "  quality:  %.1f/100 (%s)\n", r.Quality.Score, r.Quality.Grade)
	}
}
