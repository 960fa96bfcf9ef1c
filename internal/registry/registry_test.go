package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goonerstrike/belief-engine/internal/model"
)

// fakeEmbedder serves fixed vectors and counts calls
type fakeEmbedder struct {
	vectors map[string][]float64
	calls   atomic.Int64
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls.Add(1)
	v, ok := f.vectors[text]
	if !ok {
		return nil, errors.New("embedding service unavailable")
	}
	return v, nil
}

func newLoaded(t *testing.T, threshold float64) *Registry {
	t.Helper()
	r := New(filepath.Join(t.TempDir(), "registry", "registry.json"), model.RegistryConfig{SimilarityThreshold: threshold})
	require.NoError(t, r.Load())
	return r
}

func raw(id, text string) model.RawClaim {
	return model.RawClaim{ID: id, UtteranceID: "utt_" + id, Text: text, Quote: "quote " + id}
}

func oneHot(dim, i int) []float64 {
	v := make([]float64, dim)
	v[i] = 1
	return v
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"X causes Y.":                  "x causes y",
		"  Hello,   WORLD!!  ":         "hello world",
		"It's a \t\n test":             "its a test",
		"Reality; is (mostly) shared?": "reality is mostly shared",
		"...":                          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestResolveBeforeLoad(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"), model.RegistryConfig{})
	emb := &fakeEmbedder{}

	_, err := r.Resolve(context.Background(), raw("r1", "anything"), emb.Embed)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, r.Commit("can_000001", MemberUpdate{RawID: "r1"}), ErrNotLoaded)
	assert.ErrorIs(t, r.Save(), ErrNotLoaded)
	assert.Zero(t, emb.calls.Load())
}

func TestResolveIsIdempotent(t *testing.T) {
	r := newLoaded(t, 0.85)
	emb := &fakeEmbedder{vectors: map[string][]float64{"Free will is real.": {1, 0, 0}}}

	first, err := r.Resolve(context.Background(), raw("r1", "Free will is real."), emb.Embed)
	require.NoError(t, err)
	assert.Equal(t, MethodNew, first.Method)

	second, err := r.Resolve(context.Background(), raw("r2", "free will is REAL"), emb.Embed)
	require.NoError(t, err)
	assert.Equal(t, MethodExact, second.Method)
	assert.Equal(t, first.CanonicalID, second.CanonicalID)

	assert.Equal(t, 1, r.Len())
	assert.EqualValues(t, 1, emb.calls.Load(), "exact hits must not call the embedding oracle")
}

func TestCausesScenario(t *testing.T) {
	r := newLoaded(t, 0.85)
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"X causes Y":       {1, 0},
		"Y is caused by X": {0.9, math.Sqrt(1 - 0.81)},
		"X prevents Y":     {0.2, math.Sqrt(1 - 0.04)},
	}}
	ctx := context.Background()

	a, err := r.Resolve(ctx, raw("r1", "X causes Y"), emb.Embed)
	require.NoError(t, err)
	b, err := r.Resolve(ctx, raw("r2", "Y is caused by X"), emb.Embed)
	require.NoError(t, err)
	c, err := r.Resolve(ctx, raw("r3", "X prevents Y"), emb.Embed)
	require.NoError(t, err)

	assert.Equal(t, a.CanonicalID, b.CanonicalID)
	assert.Equal(t, MethodSimilar, b.Method)
	assert.InDelta(t, 0.9, b.Similarity, 1e-9)

	assert.NotEqual(t, a.CanonicalID, c.CanonicalID)
	assert.Equal(t, MethodNew, c.Method)

	// the fuzzy match is now an alias
	again, err := r.Resolve(ctx, raw("r4", "y is caused by x"), emb.Embed)
	require.NoError(t, err)
	assert.Equal(t, MethodExact, again.Method)
	assert.Equal(t, a.CanonicalID, again.CanonicalID)
	assert.Equal(t, 2, r.Len())
}

func TestConcurrentNearDuplicates(t *testing.T) {
	r := newLoaded(t, 0.85)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	for i := 0; i < 32; i++ {
		emb.vectors[fmt.Sprintf("variant %d of the claim", i)] = []float64{1, float64(i) * 0.001, 0}
	}

	var wg sync.WaitGroup
	ids := make([]string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), raw(fmt.Sprintf("r%d", i), fmt.Sprintf("variant %d of the claim", i)), emb.Embed)
			assert.NoError(t, err)
			ids[i] = res.CanonicalID
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len(), "near duplicates resolved concurrently must share one canonical claim")
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	stats := r.Stats()
	assert.EqualValues(t, 1, stats.New)
	assert.EqualValues(t, 31, stats.Similar)
}

func TestTieGoesToLowerID(t *testing.T) {
	r := newLoaded(t, 0.5)
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"alpha":  {1, 0},
		"beta":   {0, 1},
		"middle": {1, 1},
	}}
	ctx := context.Background()

	a, err := r.Resolve(ctx, raw("r1", "alpha"), emb.Embed)
	require.NoError(t, err)
	b, err := r.Resolve(ctx, raw("r2", "beta"), emb.Embed)
	require.NoError(t, err)
	require.NotEqual(t, a.CanonicalID, b.CanonicalID)

	m, err := r.Resolve(ctx, raw("r3", "middle"), emb.Embed)
	require.NoError(t, err)
	assert.Equal(t, MethodSimilar, m.Method)
	assert.Equal(t, a.CanonicalID, m.CanonicalID)
}

func TestShardedScan(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"), model.RegistryConfig{SimilarityThreshold: 0.85, ScanShardSize: 2})
	require.NoError(t, r.Load())

	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	ctx := context.Background()
	var ids []string
	for i := 0; i < 7; i++ {
		text := fmt.Sprintf("claim %d", i)
		emb.vectors[text] = oneHot(8, i)
		res, err := r.Resolve(ctx, raw(fmt.Sprintf("r%d", i), text), emb.Embed)
		require.NoError(t, err)
		ids = append(ids, res.CanonicalID)
	}

	query := oneHot(8, 5)
	query[6] = 0.1
	emb.vectors["close to five"] = query

	res, err := r.Resolve(ctx, raw("q", "close to five"), emb.Embed)
	require.NoError(t, err)
	assert.Equal(t, MethodSimilar, res.Method)
	assert.Equal(t, ids[5], res.CanonicalID)
}

func TestCommitIsIdempotent(t *testing.T) {
	r := newLoaded(t, 0.85)
	emb := &fakeEmbedder{vectors: map[string][]float64{"claim": {1}}}

	res, err := r.Resolve(context.Background(), raw("r1", "claim"), emb.Embed)
	require.NoError(t, err)

	update := MemberUpdate{RawID: "r1", SourceRefID: "utt_r1", Quote: "quote r1", RunID: "run1", Tier: model.TierReasoning}
	require.NoError(t, r.Commit(res.CanonicalID, update))
	require.NoError(t, r.Commit(res.CanonicalID, update))

	c, ok := r.Claim(res.CanonicalID)
	require.True(t, ok)
	assert.Equal(t, []string{"r1"}, c.MemberRawIDs)
	assert.Equal(t, []string{"utt_r1"}, c.SourceRefIDs)
	assert.Equal(t, []string{"quote r1"}, c.ExampleQuotes)
	assert.Equal(t, "run1", c.FirstSeenRun)
	assert.Equal(t, model.TierReasoning, c.Tier)
	assert.Equal(t, []string{"run1"}, r.History(res.CanonicalID))

	for i := 2; i < 10; i++ {
		require.NoError(t, r.Commit(res.CanonicalID, MemberUpdate{
			RawID:       fmt.Sprintf("r%d", i),
			SourceRefID: fmt.Sprintf("utt_r%d", i),
			Quote:       fmt.Sprintf("quote r%d", i),
			RunID:       "run2",
		}))
	}
	c, _ = r.Claim(res.CanonicalID)
	assert.Len(t, c.MemberRawIDs, 9)
	assert.Len(t, c.ExampleQuotes, model.MaxExampleQuotes)
	assert.Equal(t, "run2", c.LastSeenRun)
	assert.Equal(t, []string{"run1", "run2"}, r.History(res.CanonicalID))

	assert.ErrorIs(t, r.Commit("can_999999", update), ErrUnknownClaim)
}

func TestEmbeddingFailureDefersAndBackfillFolds(t *testing.T) {
	r := newLoaded(t, 0.85)
	emb := &fakeEmbedder{vectors: map[string][]float64{"the market is efficient": {1, 0}}}
	ctx := context.Background()

	older, err := r.Resolve(ctx, raw("r1", "the market is efficient"), emb.Embed)
	require.NoError(t, err)
	require.NoError(t, r.Commit(older.CanonicalID, MemberUpdate{RawID: "r1", SourceRefID: "utt_r1", RunID: "run1"}))

	deferred, err := r.Resolve(ctx, raw("r2", "markets are efficient"), emb.Embed)
	require.NoError(t, err)
	assert.Equal(t, MethodDeferred, deferred.Method)
	require.NoError(t, r.Commit(deferred.CanonicalID, MemberUpdate{RawID: "r2", SourceRefID: "utt_r2", RunID: "run1"}))

	c, _ := r.Claim(deferred.CanonicalID)
	assert.False(t, c.HasEmbedding())
	assert.EqualValues(t, 1, r.Stats().Deferred)

	pending := r.Deferred()
	require.Len(t, pending, 1)
	assert.Equal(t, deferred.CanonicalID, pending[0].ID)

	into, err := r.Backfill(deferred.CanonicalID, []float64{0.95, 0.1})
	require.NoError(t, err)
	assert.Equal(t, older.CanonicalID, into)

	folded, _ := r.Claim(deferred.CanonicalID)
	assert.Equal(t, older.CanonicalID, folded.MergedInto, "folded claims are kept, never deleted")

	target, _ := r.Claim(older.CanonicalID)
	assert.Equal(t, []string{"r1", "r2"}, target.MemberRawIDs)
	assert.Equal(t, []string{"utt_r1", "utt_r2"}, target.SourceRefIDs)

	id, err := r.Canonical(deferred.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, older.CanonicalID, id)

	again, err := r.Resolve(ctx, raw("r3", "Markets are efficient!"), emb.Embed)
	require.NoError(t, err)
	assert.Equal(t, MethodExact, again.Method)
	assert.Equal(t, older.CanonicalID, again.CanonicalID)

	require.NoError(t, r.Commit(deferred.CanonicalID, MemberUpdate{RawID: "r3", RunID: "run2"}))
	target, _ = r.Claim(older.CanonicalID)
	assert.Contains(t, target.MemberRawIDs, "r3", "commits to a folded claim land on its target")

	assert.Empty(t, r.Deferred())
	assert.EqualValues(t, 1, r.Stats().Folded)
}

func TestBackfillWithoutMatchKeepsClaim(t *testing.T) {
	r := newLoaded(t, 0.85)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}

	res, err := r.Resolve(context.Background(), raw("r1", "lonely claim"), emb.Embed)
	require.NoError(t, err)
	require.Equal(t, MethodDeferred, res.Method)

	into, err := r.Backfill(res.CanonicalID, []float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, res.CanonicalID, into)

	c, _ := r.Claim(res.CanonicalID)
	assert.True(t, c.HasEmbedding())
	assert.True(t, c.Live())
}

func TestResolveCancelledDoesNotInsert(t *testing.T) {
	r := newLoaded(t, 0.85)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	embed := func(ctx context.Context, text string) ([]float64, error) {
		return nil, ctx.Err()
	}
	_, err := r.Resolve(ctx, raw("r1", "text"), embed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Len())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry", "registry.json")
	r := New(path, model.RegistryConfig{})
	require.NoError(t, r.Load())

	emb := &fakeEmbedder{vectors: map[string][]float64{"one": {1, 0}, "two": {0, 1}}}
	for i, text := range []string{"one", "two"} {
		res, err := r.Resolve(context.Background(), raw(fmt.Sprint(i), text), emb.Embed)
		require.NoError(t, err)
		require.NoError(t, r.Commit(res.CanonicalID, MemberUpdate{RawID: fmt.Sprint(i), RunID: "run1"}))
	}
	require.NoError(t, r.Save())
	assert.EqualValues(t, 1, r.Version())

	reloaded := New(path, model.RegistryConfig{})
	require.NoError(t, reloaded.Load())
	assert.Equal(t, r.Claims(), reloaded.Claims())
	assert.EqualValues(t, 1, reloaded.Version())

	c, _ := reloaded.Claim("can_000002")
	assert.Equal(t, []float64{0, 1}, c.Embedding, "embeddings are rehydrated from the cache")

	res, err := reloaded.Resolve(context.Background(), raw("x", "three"), (&fakeEmbedder{vectors: map[string][]float64{"three": {1, 1}}}).Embed)
	require.NoError(t, err)
	assert.Equal(t, "can_000003", res.CanonicalID, "sequence continues after reload")
}

func TestLoadCorruptThenRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"alias_map\": {"), 0644))

	r := New(path, model.RegistryConfig{})
	err := r.Load()
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = r.Resolve(context.Background(), raw("r1", "x"), (&fakeEmbedder{}).Embed)
	assert.ErrorIs(t, err, ErrNotLoaded)

	snapshots := []RunSnapshot{
		{RunID: "run1", Claims: []model.CanonicalClaim{
			{ID: "can_000001", NormalizedText: "a", Text: "A", MemberRawIDs: []string{"r1"}, SourceRefIDs: []string{"u1"}, ExampleQuotes: []string{"A"}, Embedding: []float64{1, 0}},
		}},
		{RunID: "run2", Claims: []model.CanonicalClaim{
			{ID: "can_000001", NormalizedText: "a", Text: "A", MemberRawIDs: []string{"r1", "r5"}, SourceRefIDs: []string{"u1", "u5"}, ExampleQuotes: []string{"A"}, Embedding: []float64{1, 0}},
			{ID: "can_000004", NormalizedText: "b", Text: "B", MemberRawIDs: []string{"r6"}, SourceRefIDs: []string{"u6"}, ExampleQuotes: []string{"B"}, MergedInto: "can_000001"},
		}},
	}
	require.NoError(t, r.Rebuild(snapshots))

	c, ok := r.Claim("can_000001")
	require.True(t, ok)
	assert.Equal(t, []string{"r1", "r5"}, c.MemberRawIDs)
	assert.Equal(t, []string{"run1", "run2"}, r.History("can_000001"))

	res, err := r.Resolve(context.Background(), raw("r7", "B"), (&fakeEmbedder{}).Embed)
	require.NoError(t, err)
	assert.Equal(t, "can_000001", res.CanonicalID, "aliases of folded claims follow merged_into")

	res, err = r.Resolve(context.Background(), raw("r8", "new text"), (&fakeEmbedder{vectors: map[string][]float64{"new text": {0, 1}}}).Embed)
	require.NoError(t, err)
	assert.Equal(t, "can_000005", res.CanonicalID)
}

func TestLoadRejectsBrokenInvariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	blob := `{"alias_map": {"x": "can_000009"}, "canonical_claims": {}, "next_seq": 1}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0644))

	err := New(path, model.RegistryConfig{}).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLookup(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"), model.RegistryConfig{})
	_, ok := r.Lookup("Free will is real.")
	assert.False(t, ok, "lookup before load")

	require.NoError(t, r.Load())
	emb := &fakeEmbedder{vectors: map[string][]float64{"Free will is real.": {1, 0}}}
	res, err := r.Resolve(context.Background(), raw("r1", "Free will is real."), emb.Embed)
	require.NoError(t, err)

	id, ok := r.Lookup("  FREE will is real!")
	assert.True(t, ok)
	assert.Equal(t, res.CanonicalID, id)

	_, ok = r.Lookup("...")
	assert.False(t, ok)
	_, ok = r.Lookup("Free will is an illusion")
	assert.False(t, ok)
}

func TestIDLess(t *testing.T) {
	ids := []string{"can_000010", "can_1000000", "can_000002", "legacy", "can_999999"}
	sort.Slice(ids, func(i, j int) bool { return IDLess(ids[i], ids[j]) })
	assert.Equal(t, []string{"legacy", "can_000002", "can_000010", "can_999999", "can_1000000"}, ids)
	assert.False(t, IDLess("can_000001", "can_000001"))
}
