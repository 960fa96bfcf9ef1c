package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/util"
)

// ErrCorrupt is returned by Load when the registry blob cannot be trusted
var ErrCorrupt = errors.New("registry state corrupt")

// RunSnapshot is the canonical claim state committed by one run, as stored
// in the journal and in its CANONICALIZED checkpoint
type RunSnapshot struct {
	RunID  string
	Claims []model.CanonicalClaim
}

// Load reads the registry blob. A missing blob starts an empty registry; an
// unreadable or inconsistent one returns ErrCorrupt and leaves the registry
// unloaded so the caller can Rebuild.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := newState()
	err := util.ReadJSON(r.path, state)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Logger.Info("No existing registry found, starting fresh", "path", r.path)
		r.install(newState())
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if err := state.check(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r.install(state)
	logging.Logger.Info("Registry loaded", "claims", len(state.Claims), "aliases", len(state.AliasMap), "version", state.Version)
	return nil
}

// Save atomically persists the registry and bumps its version
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return ErrNotLoaded
	}

	r.state.Version++
	blob := &State{
		AliasMap:       r.state.AliasMap,
		Claims:         make(map[string]*model.CanonicalClaim, len(r.state.Claims)),
		EmbeddingCache: r.state.EmbeddingCache,
		History:        r.state.History,
		NextSeq:        r.state.NextSeq,
		Version:        r.state.Version,
	}
	// Vectors are written once, under embedding_cache
	for id, c := range r.state.Claims {
		stripped := *c
		stripped.Embedding = nil
		blob.Claims[id] = &stripped
	}

	if err := util.WriteJSONAtomic(r.path, blob); err != nil {
		r.state.Version--
		return fmt.Errorf("save registry: %w", err)
	}
	logging.Logger.Info("Registry saved", "claims", len(blob.Claims), "version", blob.Version)
	return nil
}

// Rebuild replaces the registry with state recomputed from committed run
// snapshots, oldest first. Later snapshots of a claim supersede earlier ones.
func (r *Registry) Rebuild(snapshots []RunSnapshot) error {
	state := newState()
	for _, snap := range snapshots {
		for i := range snap.Claims {
			c := copyClaim(&snap.Claims[i])
			if c.ID == "" || len(c.MemberRawIDs) == 0 {
				continue
			}
			state.Claims[c.ID] = &c
			if c.HasEmbedding() {
				state.EmbeddingCache[c.ID] = c.Embedding
			}
			if c.NormalizedText != "" {
				state.AliasMap[c.NormalizedText] = c.ID
			}
			if !slices.Contains(state.History[c.ID], snap.RunID) {
				state.History[c.ID] = append(state.History[c.ID], snap.RunID)
			}
			if seq := idSeq(c.ID); seq >= state.NextSeq {
				state.NextSeq = seq + 1
			}
		}
	}

	// Aliases of folded claims point at their absorbing claim
	for alias, id := range state.AliasMap {
		for hops := 0; hops < len(state.Claims); hops++ {
			c, ok := state.Claims[id]
			if !ok || c.Live() {
				break
			}
			id = c.MergedInto
		}
		if _, ok := state.Claims[id]; ok {
			state.AliasMap[alias] = id
		} else {
			delete(state.AliasMap, alias)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != nil {
		state.Version = r.state.Version
	}
	r.install(state)
	logging.Logger.Warn("Registry rebuilt from committed history (degraded recovery)",
		"runs", len(snapshots), "claims", len(state.Claims))
	return nil
}

// install makes state current. Caller holds the write lock.
func (r *Registry) install(state *State) {
	for id, c := range state.Claims {
		if vec, ok := state.EmbeddingCache[id]; ok && !c.HasEmbedding() {
			c.Embedding = vec
		}
	}

	order := make([]string, 0, len(state.Claims))
	for id := range state.Claims {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return IDLess(order[i], order[j]) })

	r.state = state
	r.order = order
	r.loaded = true
}

// check verifies the registry invariants
func (s *State) check() error {
	if s.AliasMap == nil || s.Claims == nil {
		return errors.New("missing alias map or claims")
	}
	if s.EmbeddingCache == nil {
		s.EmbeddingCache = make(map[string][]float64)
	}
	if s.History == nil {
		s.History = make(map[string][]string)
	}
	for alias, id := range s.AliasMap {
		if _, ok := s.Claims[id]; !ok {
			return fmt.Errorf("alias %q points at missing claim %s", alias, id)
		}
	}
	for id, c := range s.Claims {
		if c == nil || c.ID != id {
			return fmt.Errorf("claim %s has a mismatched record", id)
		}
		if len(c.MemberRawIDs) == 0 {
			return fmt.Errorf("claim %s has no members", id)
		}
		if c.MergedInto != "" {
			if _, ok := s.Claims[c.MergedInto]; !ok {
				return fmt.Errorf("claim %s merged into missing claim %s", id, c.MergedInto)
			}
		}
		if seq := idSeq(id); seq >= s.NextSeq {
			return fmt.Errorf("claim %s is beyond next_seq %d", id, s.NextSeq)
		}
	}
	return nil
}
