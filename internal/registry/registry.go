// Package registry maintains the global set of canonical claims and
// resolves raw claims against it by exact alias or embedding similarity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/similarity"
)

var (
	// ErrNotLoaded is returned when the registry is used before Load or Rebuild
	ErrNotLoaded = errors.New("registry not loaded")

	// ErrUnknownClaim is returned when committing to a canonical id that does not exist
	ErrUnknownClaim = errors.New("unknown canonical claim")

	// ErrEmptyText is returned for claims whose normalized text is empty
	ErrEmptyText = errors.New("claim text is empty after normalization")
)

// EmbedFunc obtains the embedding of a claim text
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// Method records which path resolved a claim
type Method string

const (
	MethodExact    Method = "exact"
	MethodSimilar  Method = "similar"
	MethodNew      Method = "new"
	MethodDeferred Method = "deferred" // New claim stored without an embedding
)

// Resolution is the outcome of resolving one raw claim
type Resolution struct {
	CanonicalID string  `json:"canonical_id"`
	Method      Method  `json:"method"`
	Similarity  float64 `json:"similarity,omitempty"`
}

// MemberUpdate adds one raw claim to a canonical claim
type MemberUpdate struct {
	RawID       string
	SourceRefID string
	Quote       string
	RunID       string
	Tier        model.Tier
}

// State is the persisted registry
type State struct {
	AliasMap       map[string]string                `json:"alias_map"`
	Claims         map[string]*model.CanonicalClaim `json:"canonical_claims"`
	EmbeddingCache map[string][]float64             `json:"embedding_cache"`
	History        map[string][]string              `json:"history"`
	NextSeq        int64                            `json:"next_seq"`
	Version        int64                            `json:"version"`
}

func newState() *State {
	return &State{
		AliasMap:       make(map[string]string),
		Claims:         make(map[string]*model.CanonicalClaim),
		EmbeddingCache: make(map[string][]float64),
		History:        make(map[string][]string),
		NextSeq:        1,
	}
}

// Stats counts resolutions since the registry was created
type Stats struct {
	Exact    int64 `json:"exact"`
	Similar  int64 `json:"similar"`
	New      int64 `json:"new"`
	Deferred int64 `json:"deferred"`
	Folded   int64 `json:"folded"`
}

// Registry is the global deduplication index. Reads and similarity scans
// share a read lock; every decision that inserts runs under the write lock.
type Registry struct {
	mu        sync.RWMutex
	path      string
	threshold float64
	shardSize int
	loaded    bool
	state     *State
	order     []string // canonical ids in creation order

	exact, similar, created, deferred, folded atomic.Int64
}

// New creates an unloaded registry persisted at path
func New(path string, cfg model.RegistryConfig) *Registry {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	shard := cfg.ScanShardSize
	if shard <= 0 {
		shard = 512
	}
	return &Registry{
		path:      path,
		threshold: threshold,
		shardSize: shard,
	}
}

// Resolve maps a raw claim to a canonical id. An exact alias hit never calls
// embed. A claim without a close enough match is created, seeded with raw
// as its only member; matches must be recorded with Commit.
func (r *Registry) Resolve(ctx context.Context, raw model.RawClaim, embed EmbedFunc) (Resolution, error) {
	norm := Normalize(raw.Text)
	if norm == "" {
		return Resolution{}, fmt.Errorf("resolve %s: %w", raw.ID, ErrEmptyText)
	}

	r.mu.RLock()
	if !r.loaded {
		r.mu.RUnlock()
		return Resolution{}, ErrNotLoaded
	}
	id, hit := r.state.AliasMap[norm]
	r.mu.RUnlock()
	if hit {
		r.exact.Add(1)
		return Resolution{CanonicalID: id, Method: MethodExact, Similarity: 1}, nil
	}

	vec, err := embed(ctx, raw.Text)
	if err != nil {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		vec = nil
	}

	r.mu.RLock()
	scanned := len(r.order)
	best, err := r.scan(ctx, vec, r.order[:scanned])
	r.mu.RUnlock()
	if err != nil {
		return Resolution{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another resolver may have inserted this text or a near duplicate
	// while the lock was released
	if id, hit := r.state.AliasMap[norm]; hit {
		r.exact.Add(1)
		return Resolution{CanonicalID: id, Method: MethodExact, Similarity: 1}, nil
	}
	if scanned < len(r.order) {
		late, _ := r.scan(context.Background(), vec, r.order[scanned:])
		best = best.merge(late)
	}

	if vec != nil && best.id != "" && best.sim > r.threshold {
		r.state.AliasMap[norm] = best.id
		r.similar.Add(1)
		return Resolution{CanonicalID: best.id, Method: MethodSimilar, Similarity: best.sim}, nil
	}

	claim := r.insert(norm, raw, vec)
	if vec == nil {
		r.deferred.Add(1)
		return Resolution{CanonicalID: claim.ID, Method: MethodDeferred}, nil
	}
	r.created.Add(1)
	return Resolution{CanonicalID: claim.ID, Method: MethodNew, Similarity: best.sim}, nil
}

// insert creates a canonical claim seeded with raw. Caller holds the write lock.
func (r *Registry) insert(norm string, raw model.RawClaim, vec []float64) *model.CanonicalClaim {
	id := canonicalID(r.state.NextSeq)
	r.state.NextSeq++

	claim := &model.CanonicalClaim{
		ID:             id,
		NormalizedText: norm,
		Text:           raw.Text,
		MemberRawIDs:   []string{raw.ID},
		SourceRefIDs:   []string{raw.UtteranceID},
		ExampleQuotes:  []string{quoteOf(raw)},
		Embedding:      vec,
		Tier:           model.AssignTier(raw.Flags),
	}
	r.state.Claims[id] = claim
	r.state.AliasMap[norm] = id
	if vec != nil {
		r.state.EmbeddingCache[id] = vec
	}
	r.order = append(r.order, id)
	return claim
}

func quoteOf(raw model.RawClaim) string {
	if raw.Quote != "" {
		return raw.Quote
	}
	return raw.Text
}

// Commit records a member on a canonical claim. Repeating a commit is a
// no-op. Updates to a folded claim land on the claim it was merged into.
func (r *Registry) Commit(id string, u MemberUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return ErrNotLoaded
	}
	claim, err := r.live(id)
	if err != nil {
		return err
	}

	if u.RawID != "" {
		claim.MemberRawIDs = addToSet(claim.MemberRawIDs, u.RawID)
	}
	if u.SourceRefID != "" {
		claim.SourceRefIDs = addToSet(claim.SourceRefIDs, u.SourceRefID)
	}
	if u.Quote != "" && len(claim.ExampleQuotes) < model.MaxExampleQuotes && !slices.Contains(claim.ExampleQuotes, u.Quote) {
		claim.ExampleQuotes = append(claim.ExampleQuotes, u.Quote)
	}
	if u.Tier.Rank() > claim.Tier.Rank() {
		claim.Tier = u.Tier
	}
	if u.RunID != "" {
		if claim.FirstSeenRun == "" {
			claim.FirstSeenRun = u.RunID
		}
		claim.LastSeenRun = u.RunID
		if !slices.Contains(r.state.History[claim.ID], u.RunID) {
			r.state.History[claim.ID] = append(r.state.History[claim.ID], u.RunID)
		}
	}
	return nil
}

// live follows merged_into links to the claim that absorbed id
func (r *Registry) live(id string) (*model.CanonicalClaim, error) {
	seen := 0
	for {
		claim, ok := r.state.Claims[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownClaim, id)
		}
		if claim.Live() {
			return claim, nil
		}
		id = claim.MergedInto
		if seen++; seen > len(r.state.Claims) {
			return nil, fmt.Errorf("merge cycle at %s", id)
		}
	}
}

// Deferred lists live claims still waiting for an embedding, in id order
func (r *Registry) Deferred() []model.CanonicalClaim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.CanonicalClaim
	for _, id := range r.order {
		c := r.state.Claims[id]
		if c.Live() && !c.HasEmbedding() {
			out = append(out, copyClaim(c))
		}
	}
	return out
}

// Backfill sets the embedding of a deferred claim. If an older live claim is
// similar enough, the deferred claim is folded into it: the record is kept
// with merged_into set and its aliases point at the older claim. It returns
// the id of the claim that now represents id.
func (r *Registry) Backfill(id string, vec []float64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return "", ErrNotLoaded
	}
	claim, ok := r.state.Claims[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownClaim, id)
	}
	if !claim.Live() || claim.HasEmbedding() || len(vec) == 0 {
		return id, nil
	}

	var older []string
	for _, other := range r.order {
		if other == id {
			break
		}
		older = append(older, other)
	}
	best, _ := r.scan(context.Background(), vec, older)

	if best.id == "" || best.sim <= r.threshold {
		claim.Embedding = vec
		r.state.EmbeddingCache[id] = vec
		return id, nil
	}

	target := r.state.Claims[best.id]
	for _, m := range claim.MemberRawIDs {
		target.MemberRawIDs = addToSet(target.MemberRawIDs, m)
	}
	for _, s := range claim.SourceRefIDs {
		target.SourceRefIDs = addToSet(target.SourceRefIDs, s)
	}
	for _, q := range claim.ExampleQuotes {
		if len(target.ExampleQuotes) < model.MaxExampleQuotes && !slices.Contains(target.ExampleQuotes, q) {
			target.ExampleQuotes = append(target.ExampleQuotes, q)
		}
	}
	for _, run := range r.state.History[id] {
		if !slices.Contains(r.state.History[target.ID], run) {
			r.state.History[target.ID] = append(r.state.History[target.ID], run)
		}
	}
	if claim.Tier.Rank() > target.Tier.Rank() {
		target.Tier = claim.Tier
	}
	for alias, to := range r.state.AliasMap {
		if to == id {
			r.state.AliasMap[alias] = target.ID
		}
	}
	claim.MergedInto = target.ID
	r.folded.Add(1)
	return target.ID, nil
}

// Claim returns a copy of one canonical claim
func (r *Registry) Claim(id string) (model.CanonicalClaim, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return model.CanonicalClaim{}, false
	}
	c, ok := r.state.Claims[id]
	if !ok {
		return model.CanonicalClaim{}, false
	}
	return copyClaim(c), true
}

// Lookup returns the canonical id an exact alias of text maps to
func (r *Registry) Lookup(text string) (string, bool) {
	norm := Normalize(text)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded || norm == "" {
		return "", false
	}
	id, ok := r.state.AliasMap[norm]
	return id, ok
}

// Canonical returns the id of the live claim representing id
func (r *Registry) Canonical(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return "", ErrNotLoaded
	}
	c, err := r.live(id)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Claims returns copies of every canonical claim in id order
func (r *Registry) Claims() []model.CanonicalClaim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.CanonicalClaim, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyClaim(r.state.Claims[id]))
	}
	return out
}

// History returns the runs that touched a canonical claim, oldest first
func (r *Registry) History(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state == nil {
		return nil
	}
	return append([]string(nil), r.state.History[id]...)
}

// Len returns the number of canonical claims, folded ones included
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Version returns the number of saves applied to the persisted state
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state == nil {
		return 0
	}
	return r.state.Version
}

// Stats returns the resolution counters
func (r *Registry) Stats() Stats {
	return Stats{
		Exact:    r.exact.Load(),
		Similar:  r.similar.Load(),
		New:      r.created.Load(),
		Deferred: r.deferred.Load(),
		Folded:   r.folded.Load(),
	}
}

// match is the best similarity candidate found by a scan
type match struct {
	id  string
	sim float64
}

// merge keeps the better candidate; ties within epsilon go to the lower id
func (m match) merge(o match) match {
	switch {
	case o.id == "":
		return m
	case m.id == "":
		return o
	case o.sim > m.sim+similarity.Epsilon:
		return o
	case o.sim >= m.sim-similarity.Epsilon && IDLess(o.id, m.id):
		return o
	default:
		return m
	}
}

// scan finds the most similar live embedded claim among ids. Large scans are
// split into shards evaluated in parallel. Caller holds at least the read lock.
func (r *Registry) scan(ctx context.Context, vec []float64, ids []string) (match, error) {
	if len(vec) == 0 || len(ids) == 0 {
		return match{}, nil
	}

	if len(ids) <= r.shardSize {
		return r.scanShard(vec, ids), nil
	}

	shards := (len(ids) + r.shardSize - 1) / r.shardSize
	results := make([]match, shards)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < shards; i++ {
		lo := i * r.shardSize
		hi := min(lo+r.shardSize, len(ids))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.scanShard(vec, ids[lo:hi])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return match{}, err
	}

	var best match
	for _, m := range results {
		best = best.merge(m)
	}
	return best, nil
}

func (r *Registry) scanShard(vec []float64, ids []string) match {
	var best match
	for _, id := range ids {
		c := r.state.Claims[id]
		if !c.Live() || !c.HasEmbedding() {
			continue
		}
		best = best.merge(match{id: id, sim: similarity.Cosine(vec, c.Embedding)})
	}
	return best
}

func addToSet(set []string, v string) []string {
	i := sort.SearchStrings(set, v)
	if i < len(set) && set[i] == v {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = v
	return set
}

func copyClaim(c *model.CanonicalClaim) model.CanonicalClaim {
	out := *c
	out.MemberRawIDs = append([]string(nil), c.MemberRawIDs...)
	out.SourceRefIDs = append([]string(nil), c.SourceRefIDs...)
	out.ExampleQuotes = append([]string(nil), c.ExampleQuotes...)
	if c.Embedding != nil {
		out.Embedding = append([]float64(nil), c.Embedding...)
	}
	return out
}
