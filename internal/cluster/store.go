// Package cluster keeps persistent cross-run groups of similar canonical
// claims. Claims join the nearest group within the distance threshold; the
// rest are grouped among themselves when the run commits.
package cluster

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/registry"
	"github.com/goonerstrike/belief-engine/internal/similarity"
	"github.com/goonerstrike/belief-engine/internal/util"
)

var (
	// ErrNotLoaded is returned when the store is used before Load or Rebuild
	ErrNotLoaded = errors.New("cluster store not loaded")

	// ErrCorrupt is returned by Load when the persisted groups cannot be trusted
	ErrCorrupt = errors.New("cluster store corrupt")

	// ErrNoEmbedding is returned when assigning a claim that has no embedding
	ErrNoEmbedding = errors.New("claim has no embedding")
)

// state is the persisted group set
type state struct {
	Groups        []*model.ClusterGroup `json:"groups"`
	NextID        int64                 `json:"next_id"`
	CommittedRuns []string              `json:"committed_runs"`
	Version       int64                 `json:"version"`
}

// provisional is a claim waiting for CommitRun
type provisional struct {
	id        string
	embedding []float64
	refs      []string
}

// CommitResult summarises one CommitRun
type CommitResult struct {
	Formed    int  // groups formed from provisional claims
	Committed int  // formed groups that reached the minimum size
	Outliers  int  // formed groups below the minimum size
	Promoted  int  // outlier groups that grew to the minimum size
	Repeated  bool // the run had already been committed
}

// Store is the incremental clustering store
type Store struct {
	mu         sync.Mutex
	path       string
	threshold  float64
	minSize    int
	loaded     bool
	state      *state
	byID       map[int64]*model.ClusterGroup
	membership map[string]int64
	pending    map[string]*provisional
}

// New creates an unloaded store persisted at path
func New(path string, cfg model.ClusterConfig) *Store {
	threshold := cfg.DistanceThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	minSize := cfg.MinGroupSize
	if minSize <= 0 {
		minSize = 3
	}
	return &Store{
		path:      path,
		threshold: threshold,
		minSize:   minSize,
	}
}

// Assign places a canonical claim. It returns the group joined, or
// provisional=true when the claim waits for CommitRun. Claims already placed
// keep their group.
func (s *Store) Assign(claim model.CanonicalClaim, runID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return 0, false, ErrNotLoaded
	}
	if !claim.HasEmbedding() {
		return 0, false, fmt.Errorf("assign %s: %w", claim.ID, ErrNoEmbedding)
	}

	if gid, ok := s.membership[claim.ID]; ok {
		g := s.byID[gid]
		g.SourceRefIDs = union(g.SourceRefIDs, claim.SourceRefIDs)
		return gid, false, nil
	}
	if p, ok := s.pending[claim.ID]; ok {
		p.refs = union(p.refs, claim.SourceRefIDs)
		return 0, true, nil
	}

	if g := s.nearest(claim.Embedding); g != nil {
		g.Centroid = similarity.MeanUpdate(g.Centroid, g.Size(), claim.Embedding)
		g.MemberIDs = union(g.MemberIDs, []string{claim.ID})
		g.SourceRefIDs = union(g.SourceRefIDs, claim.SourceRefIDs)
		g.UpdatedRun = runID
		s.membership[claim.ID] = g.ID
		return g.ID, false, nil
	}

	s.pending[claim.ID] = &provisional{
		id:        claim.ID,
		embedding: append([]float64(nil), claim.Embedding...),
		refs:      union(nil, claim.SourceRefIDs),
	}
	return 0, true, nil
}

// nearest returns the closest group within the threshold; ties within
// epsilon go to the lower id. Caller holds the lock.
func (s *Store) nearest(vec []float64) *model.ClusterGroup {
	var best *model.ClusterGroup
	bestDist := 0.0
	for _, g := range s.state.Groups {
		d := similarity.Distance(vec, g.Centroid)
		if d >= s.threshold {
			continue
		}
		if best == nil || d < bestDist-similarity.Epsilon {
			best, bestDist = g, d
		}
	}
	return best
}

// CommitRun groups the run's provisional claims transitively, tags groups
// below the minimum size as outliers, promotes outliers that reached it and
// persists the whole group set. Committing the same run twice is a no-op.
func (s *Store) CommitRun(runID string) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return CommitResult{}, ErrNotLoaded
	}
	if slices.Contains(s.state.CommittedRuns, runID) {
		s.pending = make(map[string]*provisional)
		return CommitResult{Repeated: true}, nil
	}

	result := s.formGroups(runID)
	s.state.CommittedRuns = append(s.state.CommittedRuns, runID)
	s.state.Version++

	if err := s.save(); err != nil {
		return result, err
	}
	s.pending = make(map[string]*provisional)

	logging.Logger.Info("Cluster run committed", "run", runID, "groups", len(s.state.Groups),
		"formed", result.Formed, "outliers", result.Outliers, "promoted", result.Promoted)
	return result, nil
}

// formGroups turns pending claims into groups and promotes grown outliers.
// Caller holds the lock.
func (s *Store) formGroups(runID string) CommitResult {
	var result CommitResult

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return registry.IDLess(ids[i], ids[j]) })

	parent := make([]int, len(ids))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			if similarity.Distance(s.pending[ids[i]].embedding, s.pending[ids[j]].embedding) < s.threshold {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[max(ri, rj)] = min(ri, rj)
				}
			}
		}
	}

	// Components are numbered by their lowest claim id
	components := make(map[int][]int)
	var roots []int
	for i := range ids {
		r := find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], i)
	}

	for _, r := range roots {
		g := &model.ClusterGroup{
			ID:         s.state.NextID,
			CreatedRun: runID,
			UpdatedRun: runID,
		}
		s.state.NextID++

		vectors := make([][]float64, 0, len(components[r]))
		for _, i := range components[r] {
			p := s.pending[ids[i]]
			g.MemberIDs = append(g.MemberIDs, p.id)
			g.SourceRefIDs = union(g.SourceRefIDs, p.refs)
			vectors = append(vectors, p.embedding)
			s.membership[p.id] = g.ID
		}
		sort.Strings(g.MemberIDs)
		g.Centroid = similarity.Mean(vectors)

		if g.Size() >= s.minSize {
			g.Status = model.GroupCommitted
			result.Committed++
		} else {
			g.Status = model.GroupOutlier
			result.Outliers++
		}
		s.state.Groups = append(s.state.Groups, g)
		s.byID[g.ID] = g
		result.Formed++
	}

	for _, g := range s.state.Groups {
		if g.Status == model.GroupOutlier && g.Size() >= s.minSize {
			g.Status = model.GroupCommitted
			g.UpdatedRun = runID
			result.Promoted++
		}
	}
	return result
}

// Groups returns copies of every group in id order
func (s *Store) Groups() []model.ClusterGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return nil
	}
	out := make([]model.ClusterGroup, 0, len(s.state.Groups))
	for _, g := range s.state.Groups {
		out = append(out, copyGroup(g))
	}
	return out
}

// Group returns a copy of one group
func (s *Store) Group(id int64) (model.ClusterGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[id]
	if !ok {
		return model.ClusterGroup{}, false
	}
	return copyGroup(g), true
}

// GroupOf returns the group a canonical claim belongs to
func (s *Store) GroupOf(claimID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gid, ok := s.membership[claimID]
	return gid, ok
}

// Pending returns the number of provisional claims awaiting CommitRun
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Version returns the number of committed runs applied to the store
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return 0
	}
	return s.state.Version
}

// Load reads the persisted group set. A missing file starts an empty store;
// an unreadable or inconsistent one returns ErrCorrupt.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &state{}
	err := util.ReadJSON(s.path, st)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Logger.Info("No existing cluster store found, starting fresh", "path", s.path)
		return s.install(&state{NextID: 1})
	case err != nil:
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if err := s.install(st); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	logging.Logger.Info("Cluster store loaded", "groups", len(st.Groups), "version", st.Version)
	return nil
}

// Rebuild recomputes every group by replaying the canonical claim history:
// claims are assigned in id order and committed run by run, in the order
// runs first appear. The result is persisted.
func (s *Store) Rebuild(claims []model.CanonicalClaim) error {
	sorted := make([]model.CanonicalClaim, 0, len(claims))
	for _, c := range claims {
		if c.Live() && c.HasEmbedding() {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return registry.IDLess(sorted[i].ID, sorted[j].ID) })

	var runs []string
	byRun := make(map[string][]model.CanonicalClaim)
	for _, c := range sorted {
		run := c.FirstSeenRun
		if _, ok := byRun[run]; !ok {
			runs = append(runs, run)
		}
		byRun[run] = append(byRun[run], c)
	}

	s.mu.Lock()
	var version int64
	if s.state != nil {
		version = s.state.Version
	}
	if err := s.install(&state{NextID: 1, Version: version}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	for _, run := range runs {
		for _, c := range byRun[run] {
			if _, _, err := s.Assign(c, run); err != nil {
				return fmt.Errorf("rebuild assign %s: %w", c.ID, err)
			}
		}
		s.mu.Lock()
		s.formGroups(run)
		s.state.CommittedRuns = append(s.state.CommittedRuns, run)
		s.pending = make(map[string]*provisional)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Version++
	if err := s.save(); err != nil {
		return err
	}
	logging.Logger.Warn("Cluster store rebuilt from canonical claims (degraded recovery)",
		"claims", len(sorted), "runs", len(runs), "groups", len(s.state.Groups))
	return nil
}

// install indexes st and makes it current. Caller holds the lock.
func (s *Store) install(st *state) error {
	byID := make(map[int64]*model.ClusterGroup, len(st.Groups))
	membership := make(map[string]int64)

	sort.Slice(st.Groups, func(i, j int) bool { return st.Groups[i].ID < st.Groups[j].ID })
	for _, g := range st.Groups {
		if g == nil || g.Size() == 0 {
			return errors.New("empty group record")
		}
		if _, dup := byID[g.ID]; dup {
			return fmt.Errorf("duplicate group id %d", g.ID)
		}
		if g.ID >= st.NextID {
			return fmt.Errorf("group %d is beyond next_id %d", g.ID, st.NextID)
		}
		if g.Status != model.GroupCommitted && g.Status != model.GroupOutlier {
			return fmt.Errorf("group %d has unknown status %q", g.ID, g.Status)
		}
		byID[g.ID] = g
		for _, m := range g.MemberIDs {
			if other, dup := membership[m]; dup {
				return fmt.Errorf("claim %s is in groups %d and %d", m, other, g.ID)
			}
			membership[m] = g.ID
		}
	}

	s.state = st
	s.byID = byID
	s.membership = membership
	s.pending = make(map[string]*provisional)
	s.loaded = true
	return nil
}

// save writes the group set atomically. Caller holds the lock.
func (s *Store) save() error {
	if err := util.WriteJSONAtomic(s.path, s.state); err != nil {
		return fmt.Errorf("save cluster store: %w", err)
	}
	return nil
}

func union(set []string, values []string) []string {
	for _, v := range values {
		i := sort.SearchStrings(set, v)
		if i < len(set) && set[i] == v {
			continue
		}
		set = append(set, "")
		copy(set[i+1:], set[i:])
		set[i] = v
	}
	return set
}

func copyGroup(g *model.ClusterGroup) model.ClusterGroup {
	out := *g
	out.MemberIDs = append([]string(nil), g.MemberIDs...)
	out.SourceRefIDs = append([]string(nil), g.SourceRefIDs...)
	out.Centroid = append([]float64(nil), g.Centroid...)
	return out
}
