// Package pipeline runs transcripts through the checkpointed stages and owns
// the stores those stages share.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goonerstrike/belief-engine/internal/cache"
	"github.com/goonerstrike/belief-engine/internal/checkpoint"
	"github.com/goonerstrike/belief-engine/internal/cluster"
	"github.com/goonerstrike/belief-engine/internal/extract"
	"github.com/goonerstrike/belief-engine/internal/ingest"
	"github.com/goonerstrike/belief-engine/internal/llm"
	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/metrics"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/registry"
	"github.com/goonerstrike/belief-engine/internal/score"
	"github.com/goonerstrike/belief-engine/internal/worker"
)

// Artifact names written next to a run's checkpoints
const (
	RunReportFile     = "run_report.json"
	QualityReportFile = "quality_report.json"
)

// ErrNoCheckpoint is returned when a resume is requested for a run without records
var ErrNoCheckpoint = errors.New("no checkpoint to resume from")

// StageError reports the phase a run halted in
type StageError struct {
	Phase model.Phase
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Phase, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Options selects the transcript and run identity of one Run
type Options struct {
	Transcript string
	EpisodeID  string // Defaults to the transcript file name
	RunID      string // Defaults to the episode id, so reruns resume
	Resume     bool   // Fail unless checkpoints already exist for the run
}

// Engine executes runs against one data directory. Runs are serialized; the
// registry and cluster store are loaded once and shared by every run.
type Engine struct {
	mu          sync.Mutex
	cfg         *model.Config
	inferer     llm.Inferer
	embedder    llm.Embedder
	extractor   *extract.Extractor
	registry    *registry.Registry
	journal     *registry.Journal
	clusters    *cluster.Store
	checkpoints *checkpoint.Manager
	extractions *worker.Dispatcher
	embeddings  *worker.Dispatcher
	scorer      *score.Scorer
	sinks       []metrics.Sink
	opened      bool

	instructionCost int
	now             func() time.Time
}

// New creates an engine. When the cache is enabled the embedder is wrapped
// with the layered embedding cache.
func New(cfg *model.Config, inferer llm.Inferer, embedder llm.Embedder) *Engine {
	if cfg.Cache.Enabled && embedder != nil {
		layered := cache.NewLayeredCache(cfg.Cache.MemoryTTL, cfg.CacheDir(), cfg.Cache.DiskTTL)
		embedder = cache.NewEmbedder(embedder, cfg.Oracle.EmbeddingModel, layered)
	}

	// One budget: both stages draw on the same upstream account
	budget := worker.NewBudget(cfg.Dispatch.RateLimit)

	e := &Engine{
		cfg:         cfg,
		inferer:     inferer,
		embedder:    embedder,
		registry:    registry.New(cfg.RegistryPath(), cfg.Registry),
		journal:     registry.NewJournal(registry.JournalPath(cfg.RegistryPath())),
		clusters:    cluster.New(cfg.ClustersPath(), cfg.Cluster),
		checkpoints: checkpoint.NewManager(cfg.CheckpointsDir()),
		extractions: worker.NewDispatcher(worker.OptionsFrom("extraction", cfg.Dispatch.ExtractionWorkers, cfg.Dispatch), budget),
		embeddings:  worker.NewDispatcher(worker.OptionsFrom("embedding", cfg.Dispatch.EmbeddingWorkers, cfg.Dispatch), budget),
		scorer:      score.NewScorer(cfg.Quality),
		now:         time.Now,
	}
	if inferer != nil {
		e.extractor = extract.NewExtractor(inferer)
		e.instructionCost = estimateTokens(extract.Instructions())
	}
	if cfg.Metrics.Enabled {
		e.sinks = append(e.sinks, metrics.LogSink{})
		if cfg.Metrics.File != "" {
			e.sinks = append(e.sinks, metrics.NewJSONLSink(filepath.Join(cfg.DataDir, cfg.Metrics.File)))
		}
	}
	return e
}

// Registry returns the engine's deduplication registry
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Clusters returns the engine's cluster store
func (e *Engine) Clusters() *cluster.Store {
	return e.clusters
}

// Checkpoints returns the engine's checkpoint manager
func (e *Engine) Checkpoints() *checkpoint.Manager {
	return e.checkpoints
}

// Open loads both stores, rebuilding a corrupt one from committed history
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open()
}

func (e *Engine) open() error {
	if e.opened {
		return nil
	}

	if err := e.registry.Load(); err != nil {
		if !errors.Is(err, registry.ErrCorrupt) {
			return err
		}
		logging.Logger.Warn("Registry unreadable, rebuilding from checkpoints", "err", err)
		if err := e.rebuildRegistry(); err != nil {
			return err
		}
	}

	if err := e.clusters.Load(); err != nil {
		if !errors.Is(err, cluster.ErrCorrupt) {
			return err
		}
		logging.Logger.Warn("Cluster store unreadable, rebuilding from registry", "err", err)
		if err := e.clusters.Rebuild(e.registry.Claims()); err != nil {
			return fmt.Errorf("rebuild clusters: %w", err)
		}
	}

	e.opened = true
	return nil
}

// Rebuild recomputes the selected stores from committed history. The
// registry is replayed from the claim journal, plus the CANONICALIZED
// checkpoints of runs the journal does not know; the cluster store is
// regrouped from the registry's canonical claims.
func (e *Engine) Rebuild(rebuildRegistry, rebuildClusters bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rebuildRegistry {
		if err := e.rebuildRegistry(); err != nil {
			return err
		}
	}
	e.opened = false
	if err := e.open(); err != nil {
		return err
	}
	if rebuildClusters {
		if err := e.clusters.Rebuild(e.registry.Claims()); err != nil {
			return fmt.Errorf("rebuild clusters: %w", err)
		}
	}
	return nil
}

func (e *Engine) rebuildRegistry() error {
	journaled, err := e.journal.Snapshots()
	if err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}
	known := make(map[string]bool, len(journaled))
	for _, snap := range journaled {
		known[snap.RunID] = true
	}

	records, err := e.checkpoints.Collect(model.PhaseCanonicalized)
	if err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}

	// Checkpoint-only runs predate the journal and replay first
	snapshots := make([]registry.RunSnapshot, 0, len(records)+len(journaled))
	for _, rec := range records {
		if known[rec.RunID] {
			continue
		}
		claims, err := model.DecodePayload[model.CanonicalClaim](rec.Payload)
		if err != nil {
			logging.Logger.Warn("Skipping undecodable checkpoint", "run", rec.RunID, "err", err)
			continue
		}
		snapshots = append(snapshots, registry.RunSnapshot{RunID: rec.RunID, Claims: claims})
	}
	snapshots = append(snapshots, journaled...)

	if err := e.registry.Rebuild(snapshots); err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}
	if err := e.registry.Save(); err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}
	return nil
}

// Run executes every phase of one run. Phases with a complete checkpoint are
// reused, an incomplete phase runs only its pending items. The report is
// returned, and written next to the checkpoints, even when the run halts.
func (e *Engine) Run(ctx context.Context, opts Options) (*model.RunReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	episode := opts.EpisodeID
	if episode == "" {
		episode = EpisodeFromPath(opts.Transcript)
	}
	runID := opts.RunID
	if runID == "" {
		runID = episode
	}

	r := newRun(runID, episode, opts.Transcript)
	r.report.StartedAt = e.now().UTC()
	log := logging.With("run", runID)

	if err := ingest.ValidateEpisodeID(episode); err != nil {
		return e.halt(r, model.PhaseIngested, err)
	}
	if err := ingest.ValidateEpisodeID(runID); err != nil {
		return e.halt(r, model.PhaseNone, fmt.Errorf("invalid run id: %w", err))
	}
	r.addressable = true
	if err := e.open(); err != nil {
		return e.halt(r, model.PhaseNone, err)
	}

	start := model.PhaseIngested
	var latest *model.CheckpointRecord
	if e.cfg.Checkpoint.Enabled {
		next, rec, err := e.checkpoints.Resume(runID)
		if err != nil {
			return e.halt(r, model.PhaseNone, err)
		}
		if opts.Resume && rec == nil {
			return e.halt(r, model.PhaseNone, fmt.Errorf("run %s: %w", runID, ErrNoCheckpoint))
		}
		start, latest = next, rec
		r.report.Resumed = rec != nil
	}
	log.Info("Run started", "episode", episode, "resume_from", start, "resumed", r.report.Resumed)

	for _, phase := range model.Phases {
		var (
			sr  model.StageReport
			err error
		)
		switch {
		case start == model.PhaseNone || phase < start:
			sr, err = e.reuse(r, phase)
		case latest != nil && latest.Incomplete && latest.Phase == phase:
			sr, err = e.execute(ctx, r, phase, latest)
		default:
			sr, err = e.execute(ctx, r, phase, nil)
		}
		r.report.Stages = append(r.report.Stages, sr)
		if err != nil {
			return e.halt(r, phase, err)
		}
	}

	return e.finish(ctx, r)
}

// reuse loads a complete phase from its checkpoint
func (e *Engine) reuse(r *run, phase model.Phase) (model.StageReport, error) {
	rec, err := e.checkpoints.Load(r.id, phase)
	if err != nil {
		return model.StageReport{Phase: phase}, err
	}
	if rec.Incomplete {
		return model.StageReport{Phase: phase}, fmt.Errorf("%w: %s checkpoint is incomplete", checkpoint.ErrCorrupt, phase)
	}
	if err := r.restore(phase, rec.Payload); err != nil {
		return model.StageReport{Phase: phase}, fmt.Errorf("%w: %v", checkpoint.ErrCorrupt, err)
	}
	r.account(phase, rec.Stats)
	logging.Logger.Debug("Stage reused from checkpoint", "run", r.id, "phase", phase, "count", rec.Stats.Count)
	return model.StageReport{
		Phase:    phase,
		Count:    rec.Stats.Count,
		Errors:   rec.Stats.Errors,
		Retries:  int64(rec.Stats.Retries),
		Duration: rec.Stats.Duration,
		Reused:   true,
	}, nil
}

// execute runs one phase and checkpoints its result
func (e *Engine) execute(ctx context.Context, r *run, phase model.Phase, partial *model.CheckpointRecord) (model.StageReport, error) {
	started := e.now()
	var out stageOutput
	var err error

	switch phase {
	case model.PhaseIngested:
		out, err = e.ingest(r)
	case model.PhaseSplit:
		out, err = e.split(r)
	case model.PhaseExtracted:
		out, err = e.extract(ctx, r, partial)
	case model.PhaseCanonicalized:
		out, err = e.canonicalize(ctx, r, partial)
	case model.PhaseClustered:
		out, err = e.cluster(r)
	default:
		err = fmt.Errorf("unknown phase %s", phase)
	}

	out.stats.Duration = e.now().Sub(started)
	if partial != nil {
		out.stats.Duration += partial.Stats.Duration
	}
	sr := model.StageReport{
		Phase:      phase,
		Count:      out.stats.Count,
		Errors:     out.stats.Errors,
		Retries:    int64(out.stats.Retries),
		Calls:      out.calls,
		Unfinished: len(out.pending),
		Duration:   out.stats.Duration,
		Incomplete: len(out.pending) > 0,
	}
	// Only an abort checkpoints a failed stage; anything else halts before commit
	if err != nil && !out.save {
		return sr, err
	}
	if serr := e.save(r.id, phase, out); serr != nil {
		return sr, errors.Join(err, serr)
	}
	if err != nil {
		return sr, err
	}

	r.account(phase, out.stats)
	logging.Logger.Info("Stage complete", "run", r.id, "phase", phase,
		"count", out.stats.Count, "errors", out.stats.Errors, "retries", out.stats.Retries, "duration", out.stats.Duration)
	return sr, nil
}

func (e *Engine) save(runID string, phase model.Phase, out stageOutput) error {
	if !e.cfg.Checkpoint.Enabled {
		return nil
	}
	return e.checkpoints.Save(&model.CheckpointRecord{
		RunID:      runID,
		Phase:      phase,
		Stats:      out.stats,
		Payload:    out.payload,
		Incomplete: len(out.pending) > 0,
		Pending:    out.pending,
	})
}

// halt finalizes the report of a run that stopped at phase
func (e *Engine) halt(r *run, phase model.Phase, err error) (*model.RunReport, error) {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Phase: phase, Err: err}
	}

	r.report.FinishedAt = e.now().UTC()
	r.report.FailedAt = se.Phase.String()
	r.report.Reason = se.Err.Error()
	e.summarize(r)

	logging.Logger.Error("Run halted", "run", r.id, "phase", se.Phase, "err", se.Err)
	if r.addressable {
		if werr := e.checkpoints.WriteArtifact(r.id, RunReportFile, r.report); werr != nil {
			logging.Logger.Warn("Failed to write run report", "run", r.id, "err", werr)
		}
	}
	return r.report, se
}

// finish scores a completed run, writes its reports and pushes metrics
func (e *Engine) finish(ctx context.Context, r *run) (*model.RunReport, error) {
	r.report.Completed = true
	r.report.FinishedAt = e.now().UTC()
	e.summarize(r)

	quality := e.scorer.Calculate(r.id, r.counts)
	r.report.Quality = &quality
	r.metrics.Set(metrics.QualityScore, nil, quality.Score)

	if err := e.checkpoints.WriteArtifact(r.id, QualityReportFile, quality); err != nil {
		return r.report, fmt.Errorf("write quality report: %w", err)
	}
	if err := e.checkpoints.WriteArtifact(r.id, RunReportFile, r.report); err != nil {
		return r.report, fmt.Errorf("write run report: %w", err)
	}

	if len(e.sinks) > 0 {
		if err := metrics.Push(ctx, r.id, r.metrics.Snapshot(), e.sinks...); err != nil {
			logging.Logger.Warn("Failed to push metrics", "run", r.id, "err", err)
		}
	}

	if e.cfg.Checkpoint.Enabled && e.cfg.Checkpoint.CleanupDays > 0 {
		maxAge := time.Duration(e.cfg.Checkpoint.CleanupDays) * 24 * time.Hour
		if _, err := e.checkpoints.Prune(maxAge); err != nil {
			logging.Logger.Warn("Failed to prune old checkpoints", "err", err)
		}
	}

	logging.Logger.Info("Run complete", "run", r.id, "claims", r.report.Registry.Canonical,
		"groups", r.report.Clusters.Groups, "score", quality.Score, "grade", quality.Grade)
	return r.report, nil
}

// summarize fills the store-level sections of the report and the gauges
func (e *Engine) summarize(r *run) {
	resolved := r.summary.New + r.summary.Exact + r.summary.Similar
	if resolved > 0 {
		r.summary.DedupRate = float64(r.summary.Exact+r.summary.Similar) / float64(resolved)
	}
	r.summary.Canonical = e.registry.Len()
	r.report.Registry = r.summary

	groups := e.clusters.Groups()
	r.clusters.Groups = len(groups)
	largest := 0
	for _, g := range groups {
		largest = max(largest, g.Size())
	}
	r.report.Clusters = r.clusters

	r.metrics.Set(metrics.CanonicalClaims, nil, float64(r.summary.Canonical))
	r.metrics.Set(metrics.DedupRate, nil, r.summary.DedupRate)
	r.metrics.Set(metrics.ClusterGroups, nil, float64(len(groups)))
	r.metrics.Set(metrics.ClusterSize, nil, float64(largest))

	if cs, ok := e.embedder.(interface{ Stats() (int64, int64) }); ok {
		hits, misses := cs.Stats()
		r.metrics.Set(metrics.CacheHits, nil, float64(hits))
		r.metrics.Set(metrics.CacheMisses, nil, float64(misses))
	}
}

// EpisodeFromPath derives an episode id from a transcript file name
func EpisodeFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	for _, c := range base {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// estimateTokens approximates the token count of text
func estimateTokens(text string) int {
	return len(text)/4 + 1
}
