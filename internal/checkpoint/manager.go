// Package checkpoint persists one durable record per (run, phase) and
// decides where an interrupted run resumes.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/util"
)

var (
	// ErrNotFound is returned when no record exists for the requested run or phase
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a record cannot be decoded or fails its checksum
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// ContractError reports a save that violates phase ordering
type ContractError struct {
	RunID  string
	Phase  model.Phase
	Latest model.Phase
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("checkpoint contract violated for run %s: cannot save %s after %s: %s",
		e.RunID, e.Phase, e.Latest, e.Reason)
}

var recordName = regexp.MustCompile(`^(\d{2})_([a-z]+)\.json$`)

// Manager reads and writes checkpoint records under dir/<run>/
type Manager struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates a manager rooted at dir
func NewManager(dir string) *Manager {
	return &Manager{
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// RunDir returns the directory holding a run's records
func (m *Manager) RunDir(runID string) string {
	return filepath.Join(m.dir, runID)
}

func (m *Manager) recordPath(runID string, phase model.Phase) string {
	name := fmt.Sprintf("%02d_%s.json", int(phase), strings.ToLower(phase.String()))
	return filepath.Join(m.RunDir(runID), name)
}

// Save durably writes rec. It must directly follow the latest complete
// record, or replace an incomplete record of the same phase.
func (m *Manager) Save(rec *model.CheckpointRecord) error {
	if rec == nil || rec.RunID == "" {
		return &ContractError{Reason: "record needs a run id"}
	}
	if !rec.Phase.Valid() {
		return &ContractError{RunID: rec.RunID, Phase: rec.Phase, Reason: "unknown phase"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	latest, err := m.LoadLatest(rec.RunID)
	switch {
	case errors.Is(err, ErrNotFound):
		if rec.Phase != model.PhaseIngested {
			return &ContractError{RunID: rec.RunID, Phase: rec.Phase, Latest: model.PhaseNone,
				Reason: "first record of a run must be " + model.PhaseIngested.String()}
		}
	case err != nil:
		return err
	case latest.Phase == rec.Phase && latest.Incomplete:
		// replacing a partial record of the same phase
	case latest.Phase == rec.Phase.Prev() && !latest.Incomplete:
	case latest.Incomplete:
		return &ContractError{RunID: rec.RunID, Phase: rec.Phase, Latest: latest.Phase,
			Reason: "latest record is incomplete"}
	default:
		return &ContractError{RunID: rec.RunID, Phase: rec.Phase, Latest: latest.Phase,
			Reason: "phases must be saved in order"}
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	if rec.Payload == nil {
		rec.Payload = []json.RawMessage{}
	}
	sum, err := checksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum

	path := m.recordPath(rec.RunID, rec.Phase)
	if err := util.WriteJSONAtomic(path, rec); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", rec.RunID, rec.Phase, err)
	}

	logging.Logger.Info("Checkpoint saved",
		"run", rec.RunID, "phase", rec.Phase, "count", len(rec.Payload), "incomplete", rec.Incomplete)
	return nil
}

// LoadLatest returns the highest-phase record of a run. A latest record that
// is unreadable yields ErrCorrupt; older records are never consulted instead.
func (m *Manager) LoadLatest(runID string) (*model.CheckpointRecord, error) {
	phases, err := m.phases(runID)
	if err != nil {
		return nil, err
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return m.read(runID, phases[len(phases)-1])
}

// Load returns the record of one phase
func (m *Manager) Load(runID string, phase model.Phase) (*model.CheckpointRecord, error) {
	return m.read(runID, phase)
}

// Resume returns the phase a run should execute next together with the
// latest record. An incomplete record resumes at its own phase; a finished
// run returns PhaseNone.
func (m *Manager) Resume(runID string) (model.Phase, *model.CheckpointRecord, error) {
	latest, err := m.LoadLatest(runID)
	if errors.Is(err, ErrNotFound) {
		return model.PhaseIngested, nil, nil
	}
	if err != nil {
		return model.PhaseNone, nil, err
	}
	if latest.Incomplete {
		return latest.Phase, latest, nil
	}
	return latest.Phase.Next(), latest, nil
}

// Runs lists every run with a checkpoint directory
func (m *Manager) Runs() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// Collect returns the complete records of one phase across every run,
// oldest first. Unreadable records are skipped with a warning.
func (m *Manager) Collect(phase model.Phase) ([]*model.CheckpointRecord, error) {
	runs, err := m.Runs()
	if err != nil {
		return nil, err
	}

	var records []*model.CheckpointRecord
	for _, run := range runs {
		rec, err := m.read(run, phase)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			logging.Logger.Warn("Skipping unreadable checkpoint", "run", run, "phase", phase, "err", err)
			continue
		}
		if rec.Incomplete {
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].RunID < records[j].RunID
	})
	return records, nil
}

// Prune removes runs whose newest file is older than maxAge and returns how
// many were removed
func (m *Manager) Prune(maxAge time.Duration) (int, error) {
	runs, err := m.Runs()
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, run := range runs {
		newest, err := newestModTime(m.RunDir(run))
		if err != nil {
			return removed, err
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(m.RunDir(run)); err != nil {
			return removed, fmt.Errorf("remove run %s: %w", run, err)
		}
		removed++
		logging.Logger.Info("Pruned old checkpoints", "run", run, "last_modified", newest)
	}
	return removed, nil
}

// WriteArtifact stores an auxiliary JSON document (reports) next to a run's records
func (m *Manager) WriteArtifact(runID, name string, v any) error {
	return util.WriteJSONAtomic(filepath.Join(m.RunDir(runID), name), v)
}

// phases returns the phases with a record on disk, ascending
func (m *Manager) phases(runID string) ([]model.Phase, error) {
	entries, err := os.ReadDir(m.RunDir(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", runID, err)
	}

	var phases []model.Phase
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), util.TempSuffix) {
			continue
		}
		match := recordName.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		n, _ := strconv.Atoi(match[1])
		phase, err := model.ParsePhase(match[2])
		if err != nil || int(phase) != n {
			continue
		}
		phases = append(phases, phase)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	return phases, nil
}

func (m *Manager) read(runID string, phase model.Phase) (*model.CheckpointRecord, error) {
	path := m.recordPath(runID, phase)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("run %s phase %s: %w", runID, phase, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var rec model.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if rec.RunID != runID || rec.Phase != phase {
		return nil, fmt.Errorf("%w: %s: header names run %s phase %s", ErrCorrupt, path, rec.RunID, rec.Phase)
	}

	want := rec.Checksum
	got, err := checksum(&rec)
	if err != nil {
		return nil, err
	}
	if want != got {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, path)
	}
	rec.Checksum = want
	return &rec, nil
}

// checksum hashes the record with its checksum field cleared
func checksum(rec *model.CheckpointRecord) (string, error) {
	saved := rec.Checksum
	rec.Checksum = ""
	data, err := json.Marshal(rec)
	rec.Checksum = saved
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func newestModTime(dir string) (time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, fmt.Errorf("list %s: %w", dir, err)
	}

	var newest time.Time
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}
