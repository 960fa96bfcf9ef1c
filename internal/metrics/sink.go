package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goonerstrike/belief-engine/internal/logging"
)

// Sink receives snapshots; sinks never feed back into the pipeline
type Sink interface {
	Push(ctx context.Context, runID string, snap Snapshot) error
}

// Push sends snap to every sink concurrently and returns the first error
func Push(ctx context.Context, runID string, snap Snapshot, sinks ...Sink) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sinks {
		g.Go(func() error {
			return s.Push(ctx, runID, snap)
		})
	}
	return g.Wait()
}

// LogSink writes every point as a debug log line and a one-line summary at info
type LogSink struct{}

func (LogSink) Push(ctx context.Context, runID string, snap Snapshot) error {
	for _, p := range snap.Counters {
		logging.Logger.Debug("Metric", "run", runID, "counter", p.Name, "labels", p.Labels, "value", p.Value)
	}
	for _, p := range snap.Gauges {
		logging.Logger.Debug("Metric", "run", runID, "gauge", p.Name, "labels", p.Labels, "value", p.Value)
	}
	logging.Logger.Info("Metrics pushed", "run", runID, "counters", len(snap.Counters), "gauges", len(snap.Gauges))
	return nil
}

// Record is one JSONL line
type Record struct {
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"` // counter or gauge
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
}

// JSONLSink appends one JSON record per point to a file
type JSONLSink struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path, now: time.Now}
}

func (s *JSONLSink) Push(ctx context.Context, runID string, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ts := s.now().UTC()
	enc := json.NewEncoder(f)
	write := func(kind string, points []Point) error {
		for _, p := range points {
			rec := Record{RunID: runID, Timestamp: ts, Kind: kind, Name: p.Name, Labels: p.Labels, Value: p.Value}
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("write metric %s: %w", p.Name, err)
			}
		}
		return nil
	}
	if err := write("counter", snap.Counters); err != nil {
		return err
	}
	if err := write("gauge", snap.Gauges); err != nil {
		return err
	}
	return f.Sync()
}
