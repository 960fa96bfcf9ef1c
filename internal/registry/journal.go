package registry

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
)

// journalEntry is one JSONL line: the claims a run touched, as committed
type journalEntry struct {
	RunID       string                 `json:"run_id"`
	CommittedAt time.Time              `json:"committed_at"`
	Claims      []model.CanonicalClaim `json:"claims"`
}

// Journal is the append-only history of committed canonical claims. It lives
// beside the registry blob and is never pruned, so Rebuild can replay every
// run even after its checkpoints are gone.
type Journal struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewJournal(path string) *Journal {
	return &Journal{path: path, now: time.Now}
}

// JournalPath returns the journal location for a registry blob
func JournalPath(registryPath string) string {
	return filepath.Join(filepath.Dir(registryPath), "journal.jsonl")
}

// Append records one run's committed claims and syncs the file
func (j *Journal) Append(snap RunSnapshot) error {
	if len(snap.Claims) == 0 {
		return nil
	}
	line, err := json.Marshal(journalEntry{RunID: snap.RunID, CommittedAt: j.now().UTC(), Claims: snap.Claims})
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	// Start a fresh line after a torn write
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	return f.Close()
}

// Snapshots returns every entry in append order. A missing journal is empty.
// Lines that do not decode, such as a write torn by a crash, are skipped.
func (j *Journal) Snapshots() ([]RunSnapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var snaps []RunSnapshot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for n := 1; scanner.Scan(); n++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			logging.Logger.Warn("Skipping unreadable journal line", "line", n, "err", err)
			continue
		}
		snaps = append(snaps, RunSnapshot{RunID: entry.RunID, Claims: entry.Claims})
	}
	if err := scanner.Err(); err != nil {
		return snaps, fmt.Errorf("read journal: %w", err)
	}
	return snaps, nil
}
