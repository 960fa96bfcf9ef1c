package cluster

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goonerstrike/belief-engine/internal/model"
)

func newStore(t *testing.T, threshold float64, minSize int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clusters", "clusters.json")
	s := New(path, model.ClusterConfig{DistanceThreshold: threshold, MinGroupSize: minSize})
	require.NoError(t, s.Load())
	return s, path
}

// angled returns a unit vector at deg degrees in the plane
func angled(deg float64) []float64 {
	rad := deg * math.Pi / 180
	return []float64{math.Cos(rad), math.Sin(rad)}
}

func claim(seq int, run string, vec []float64) model.CanonicalClaim {
	id := fmt.Sprintf("can_%06d", seq)
	return model.CanonicalClaim{
		ID:           id,
		MemberRawIDs: []string{"raw_" + id},
		SourceRefIDs: []string{"utt_" + id},
		Embedding:    vec,
		FirstSeenRun: run,
	}
}

func assignAll(t *testing.T, s *Store, run string, claims ...model.CanonicalClaim) {
	t.Helper()
	for _, c := range claims {
		_, _, err := s.Assign(c, run)
		require.NoError(t, err)
	}
}

func TestProvisionalClaimsFormCommittedGroup(t *testing.T) {
	s, _ := newStore(t, 0.3, 3)

	for i, deg := range []float64{0, 5, 10} {
		gid, provisional, err := s.Assign(claim(i+1, "run1", angled(deg)), "run1")
		require.NoError(t, err)
		assert.True(t, provisional)
		assert.Zero(t, gid)
	}
	assert.Equal(t, 3, s.Pending())

	result, err := s.CommitRun("run1")
	require.NoError(t, err)
	assert.Equal(t, CommitResult{Formed: 1, Committed: 1}, result)
	assert.Zero(t, s.Pending())

	groups := s.Groups()
	require.Len(t, groups, 1)
	g := groups[0]
	assert.EqualValues(t, 1, g.ID)
	assert.Equal(t, model.GroupCommitted, g.Status)
	assert.Equal(t, []string{"can_000001", "can_000002", "can_000003"}, g.MemberIDs)
	assert.Equal(t, []string{"utt_can_000001", "utt_can_000002", "utt_can_000003"}, g.SourceRefIDs)
	assert.Equal(t, "run1", g.CreatedRun)
}

func TestAssignJoinsNearestGroup(t *testing.T) {
	s, _ := newStore(t, 0.3, 3)
	assignAll(t, s, "run1", claim(1, "run1", angled(0)), claim(2, "run1", angled(2)), claim(3, "run1", angled(4)))
	_, err := s.CommitRun("run1")
	require.NoError(t, err)
	before, _ := s.Group(1)

	gid, provisional, err := s.Assign(claim(4, "run2", angled(8)), "run2")
	require.NoError(t, err)
	assert.False(t, provisional)
	assert.EqualValues(t, 1, gid)

	after, _ := s.Group(1)
	assert.Equal(t, 4, after.Size())
	assert.Equal(t, "run2", after.UpdatedRun)
	assert.Contains(t, after.SourceRefIDs, "utt_can_000004")
	for i := range before.Centroid {
		want := (before.Centroid[i]*3 + angled(8)[i]) / 4
		assert.InDelta(t, want, after.Centroid[i], 1e-12)
	}

	again, provisional, err := s.Assign(claim(4, "run2", angled(8)), "run2")
	require.NoError(t, err)
	assert.False(t, provisional)
	assert.Equal(t, gid, again)
	after, _ = s.Group(1)
	assert.Equal(t, 4, after.Size(), "reassigning a member is a no-op")
}

func TestOutlierRetentionAndPromotion(t *testing.T) {
	s, path := newStore(t, 0.3, 3)
	assignAll(t, s, "run1", claim(1, "run1", angled(0)), claim(2, "run1", angled(3)))

	result, err := s.CommitRun("run1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outliers)

	// the outlier survives a restart
	reloaded := New(path, model.ClusterConfig{DistanceThreshold: 0.3, MinGroupSize: 3})
	require.NoError(t, reloaded.Load())
	groups := reloaded.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, model.GroupOutlier, groups[0].Status)
	assert.Equal(t, 2, groups[0].Size())

	gid, provisional, err := reloaded.Assign(claim(3, "run2", angled(1)), "run2")
	require.NoError(t, err)
	assert.False(t, provisional, "outlier groups accept new members")
	assert.Equal(t, groups[0].ID, gid)

	result, err = reloaded.CommitRun("run2")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Promoted)

	g, _ := reloaded.Group(gid)
	assert.Equal(t, model.GroupCommitted, g.Status)
	assert.Equal(t, 3, g.Size())
}

func TestTieGoesToLowerGroupID(t *testing.T) {
	s, _ := newStore(t, 0.35, 1)
	assignAll(t, s, "run1", claim(1, "run1", []float64{1, 0}), claim(2, "run1", []float64{0, 1}))
	_, err := s.CommitRun("run1")
	require.NoError(t, err)
	require.Len(t, s.Groups(), 2)

	gid, provisional, err := s.Assign(claim(3, "run2", []float64{1, 1}), "run2")
	require.NoError(t, err)
	assert.False(t, provisional)
	assert.EqualValues(t, 1, gid)
}

func TestTransitiveGrouping(t *testing.T) {
	s, _ := newStore(t, 0.1, 3)
	// 0 and 40 degrees are too far apart directly but chain through 20
	assignAll(t, s, "run1", claim(1, "run1", angled(0)), claim(2, "run1", angled(40)), claim(3, "run1", angled(20)), claim(4, "run1", angled(180)))

	result, err := s.CommitRun("run1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Formed)
	assert.Equal(t, 1, result.Committed)
	assert.Equal(t, 1, result.Outliers)

	groups := s.Groups()
	assert.Equal(t, []string{"can_000001", "can_000002", "can_000003"}, groups[0].MemberIDs)
	assert.Equal(t, []string{"can_000004"}, groups[1].MemberIDs)
}

func TestCommitRunTwiceIsNoop(t *testing.T) {
	s, _ := newStore(t, 0.3, 3)
	assignAll(t, s, "run1", claim(1, "run1", angled(0)))

	_, err := s.CommitRun("run1")
	require.NoError(t, err)
	version := s.Version()
	groups := s.Groups()

	result, err := s.CommitRun("run1")
	require.NoError(t, err)
	assert.True(t, result.Repeated)
	assert.Equal(t, version, s.Version())
	assert.Equal(t, groups, s.Groups())
}

func TestClusteringIsDeterministic(t *testing.T) {
	input := []model.CanonicalClaim{
		claim(1, "run1", angled(0)), claim(2, "run1", angled(90)), claim(3, "run1", angled(5)),
		claim(4, "run1", angled(93)), claim(5, "run1", angled(10)), claim(6, "run1", angled(200)),
	}

	run := func() []model.ClusterGroup {
		s, _ := newStore(t, 0.3, 2)
		assignAll(t, s, "run1", input...)
		_, err := s.CommitRun("run1")
		require.NoError(t, err)
		return s.Groups()
	}

	assert.Equal(t, run(), run())
}

func TestAssignErrors(t *testing.T) {
	unloaded := New(filepath.Join(t.TempDir(), "clusters.json"), model.ClusterConfig{})
	_, _, err := unloaded.Assign(claim(1, "run1", angled(0)), "run1")
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = unloaded.CommitRun("run1")
	assert.ErrorIs(t, err, ErrNotLoaded)

	s, _ := newStore(t, 0.3, 3)
	_, _, err = s.Assign(claim(1, "run1", nil), "run1")
	assert.ErrorIs(t, err, ErrNoEmbedding)
}

func TestCorruptStoreRebuildsFromClaims(t *testing.T) {
	history := []model.CanonicalClaim{
		claim(1, "run1", angled(0)), claim(2, "run1", angled(4)),
		claim(3, "run2", angled(2)), claim(4, "run2", angled(120)),
		claim(5, "run2", angled(122)), claim(6, "run2", angled(124)),
	}

	incremental, path := newStore(t, 0.3, 3)
	for _, run := range []string{"run1", "run2"} {
		for _, c := range history {
			if c.FirstSeenRun == run {
				_, _, err := incremental.Assign(c, run)
				require.NoError(t, err)
			}
		}
		_, err := incremental.CommitRun(run)
		require.NoError(t, err)
	}
	want := incremental.Groups()

	require.NoError(t, os.WriteFile(path, []byte(`{"groups": [{"id": 1, "member_canonical_ids": []}], "next_id": 2}`), 0644))

	s := New(path, model.ClusterConfig{DistanceThreshold: 0.3, MinGroupSize: 3})
	require.ErrorIs(t, s.Load(), ErrCorrupt)

	folded := claim(7, "run2", angled(0))
	folded.MergedInto = "can_000001"
	require.NoError(t, s.Rebuild(append(history, folded)))
	assert.Equal(t, want, s.Groups())

	reloaded := New(path, model.ClusterConfig{DistanceThreshold: 0.3, MinGroupSize: 3})
	require.NoError(t, reloaded.Load())
	assert.Equal(t, want, reloaded.Groups(), "rebuilt groups are persisted")
}
