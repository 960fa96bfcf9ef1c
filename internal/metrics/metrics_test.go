package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add(OracleCalls, map[string]string{"stage": "extract"}, 3)
	r.Add(OracleCalls, map[string]string{"stage": "extract"}, 2)
	r.Add(OracleCalls, map[string]string{"stage": "embed"}, 1)
	r.Add(OracleRetries, nil, 0)
	r.Set(DedupRate, nil, 0.25)
	r.Set(DedupRate, nil, 0.5)

	assert.Equal(t, 5.0, r.Counter(OracleCalls, map[string]string{"stage": "extract"}))
	assert.Equal(t, 0.5, r.Gauge(DedupRate, nil))

	snap := r.Snapshot()
	require.Len(t, snap.Counters, 2)
	assert.Equal(t, "embed", snap.Counters[0].Labels["stage"])
	assert.Equal(t, "extract", snap.Counters[1].Labels["stage"])
	require.Len(t, snap.Gauges, 1)
	assert.Equal(t, DedupRate, snap.Gauges[0].Name)
}

func TestRegistryConcurrentAdds(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add(OracleCalls, nil, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50.0, r.Counter(OracleCalls, nil))
}

func TestSnapshotLabelsAreCopies(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"stage": "extract"}
	r.Add(OracleCalls, labels, 1)
	labels["stage"] = "mutated"

	snap := r.Snapshot()
	snap.Counters[0].Labels["stage"] = "also mutated"
	assert.Equal(t, 1.0, r.Counter(OracleCalls, map[string]string{"stage": "extract"}))
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metrics.jsonl")
	sink := NewJSONLSink(path)

	r := NewRegistry()
	r.Add(OracleCalls, nil, 4)
	r.Set(ClusterGroups, nil, 2)

	require.NoError(t, Push(context.Background(), "run-1", r.Snapshot(), sink, LogSink{}))
	require.NoError(t, Push(context.Background(), "run-2", r.Snapshot(), sink))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 4)
	assert.Equal(t, "run-1", records[0].RunID)
	assert.Equal(t, "counter", records[0].Kind)
	assert.Equal(t, 4.0, records[0].Value)
	assert.Equal(t, "gauge", records[1].Kind)
	assert.Equal(t, "run-2", records[3].RunID)
}

type failingSink struct{ err error }

func (f failingSink) Push(ctx context.Context, runID string, snap Snapshot) error { return f.err }

func TestPushReturnsSinkError(t *testing.T) {
	cause := errors.New("disk full")
	err := Push(context.Background(), "run-1", Snapshot{}, LogSink{}, failingSink{err: cause})
	assert.ErrorIs(t, err, cause)
}
