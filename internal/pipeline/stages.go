package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/goonerstrike/belief-engine/internal/checkpoint"
	"github.com/goonerstrike/belief-engine/internal/ingest"
	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/registry"
	"github.com/goonerstrike/belief-engine/internal/worker"
)

var (
	errNoInferer  = errors.New("no inference oracle configured")
	errNoEmbedder = errors.New("no embedding oracle configured")
	errNoVector   = errors.New("embedding unavailable")
)

// stageOutput is what one executed phase hands to the checkpoint manager
type stageOutput struct {
	stats   model.StageStats
	payload []json.RawMessage
	pending []string
	calls   int64
	save    bool // Checkpoint as incomplete even though the stage failed
}

func (e *Engine) ingest(r *run) (stageOutput, error) {
	res, err := ingest.ParseFile(r.source, r.episode)
	if err != nil {
		return stageOutput{}, err
	}
	if len(res.Errors) > 0 {
		logging.Logger.Warn("Transcript lines skipped", "run", r.id, "errors", len(res.Errors), "lines", res.Lines)
	}

	r.utterances = res.Utterances
	payload, err := model.EncodePayload(r.utterances)
	if err != nil {
		return stageOutput{}, err
	}
	return stageOutput{
		stats:   model.StageStats{Count: len(r.utterances), Errors: len(res.Errors)},
		payload: payload,
	}, nil
}

func (e *Engine) split(r *run) (stageOutput, error) {
	r.split = ingest.Split(r.utterances)
	payload, err := model.EncodePayload(r.split)
	if err != nil {
		return stageOutput{}, err
	}
	return stageOutput{
		stats:   model.StageStats{Count: len(r.split)},
		payload: payload,
	}, nil
}

// extract runs one inference call per utterance. After an abort the
// finished results and the unfinished ids are checkpointed together.
func (e *Engine) extract(ctx context.Context, r *run, partial *model.CheckpointRecord) (stageOutput, error) {
	if e.extractor == nil {
		return stageOutput{}, errNoInferer
	}

	done := make(map[string]model.UtteranceClaims)
	var prior model.StageStats
	var only map[string]bool
	if partial != nil {
		results, err := model.DecodePayload[model.UtteranceClaims](partial.Payload)
		if err != nil {
			return stageOutput{}, fmt.Errorf("%w: %v", checkpoint.ErrCorrupt, err)
		}
		for _, uc := range results {
			done[uc.UtteranceID] = uc
		}
		prior = partial.Stats
		only = toSet(partial.Pending)
		logging.Logger.Info("Resuming extraction", "run", r.id, "done", len(done), "pending", len(only))
	}

	items := make([]worker.WorkItem, 0, len(r.split))
	for _, u := range r.split {
		if _, ok := done[u.ID]; ok {
			continue
		}
		if only != nil && !only[u.ID] {
			continue
		}
		items = append(items, worker.WorkItem{
			ID:      u.ID,
			Payload: u,
			Cost:    e.instructionCost + estimateTokens(u.Text),
		})
	}

	batch, err := e.extractions.Submit(ctx, items, func(ctx context.Context, item worker.WorkItem) (any, error) {
		return e.extractor.Extract(ctx, item.Payload.(model.Utterance))
	})
	r.dispatched("extraction", batch.Stats)
	out := stageOutput{calls: batch.Stats.Calls}
	if errors.Is(err, worker.ErrStageFatal) {
		return out, err
	}

	for _, res := range batch.Succeeded() {
		uc := res.Value.(model.UtteranceClaims)
		done[uc.UtteranceID] = uc
	}
	fatal := 0
	unfinished := make(map[string]bool)
	for _, res := range batch.Results {
		switch res.Status {
		case worker.StatusFatal:
			fatal++
			logging.Logger.Warn("Extraction failed", "run", r.id, "utterance", res.Item.ID, "attempts", res.Attempts, "err", res.Err)
		case worker.StatusUnfinished:
			unfinished[res.Item.ID] = true
		}
	}

	r.extracted = make([]model.UtteranceClaims, 0, len(done))
	for _, u := range r.split {
		if uc, ok := done[u.ID]; ok {
			r.extracted = append(r.extracted, uc)
		}
		if unfinished[u.ID] {
			out.pending = append(out.pending, u.ID)
		}
	}

	out.payload, err = model.EncodePayload(r.extracted)
	if err != nil {
		return out, err
	}
	out.stats = model.StageStats{
		Count:   len(r.extracted),
		Errors:  prior.Errors + fatal,
		Retries: prior.Retries + int(batch.Stats.Retries),
	}
	if len(out.pending) > 0 {
		out.save = true
		return out, fmt.Errorf("%d utterances pending: %w", len(out.pending), worker.ErrAborted)
	}
	return out, nil
}

// canonicalize embeds the texts the registry cannot resolve exactly, then
// resolves every raw claim in input order
func (e *Engine) canonicalize(ctx context.Context, r *run, partial *model.CheckpointRecord) (stageOutput, error) {
	if e.embedder == nil {
		return stageOutput{}, errNoEmbedder
	}

	touched := make(map[string]bool)
	var prior model.StageStats
	var only map[string]bool
	if partial != nil {
		claims, err := model.DecodePayload[model.CanonicalClaim](partial.Payload)
		if err != nil {
			return stageOutput{}, fmt.Errorf("%w: %v", checkpoint.ErrCorrupt, err)
		}
		for _, c := range claims {
			touched[c.ID] = true
		}
		prior = partial.Stats
		only = toSet(partial.Pending)
		logging.Logger.Info("Resuming canonicalization", "run", r.id, "pending", len(only))
	}

	var work []model.RawClaim
	for _, uc := range r.extracted {
		for _, c := range uc.Claims {
			if only == nil || only[c.ID] {
				work = append(work, c)
			}
		}
	}

	// One embedding per distinct normalized text without an exact alias,
	// plus the texts of claims still waiting for one
	texts := make(map[string]string)
	var order []string
	want := func(norm, text string) {
		if _, ok := texts[norm]; ok || norm == "" {
			return
		}
		texts[norm] = text
		order = append(order, norm)
	}
	for _, c := range work {
		if _, ok := e.registry.Lookup(c.Text); !ok {
			want(registry.Normalize(c.Text), c.Text)
		}
	}
	deferred := e.registry.Deferred()
	for _, c := range deferred {
		want(c.NormalizedText, c.Text)
	}

	items := make([]worker.WorkItem, 0, len(order))
	for _, norm := range order {
		items = append(items, worker.WorkItem{ID: norm, Payload: texts[norm], Cost: estimateTokens(texts[norm])})
	}
	batch, err := e.embeddings.Submit(ctx, items, func(ctx context.Context, item worker.WorkItem) (any, error) {
		return e.embedder.Embed(ctx, item.Payload.(string))
	})
	r.dispatched("embedding", batch.Stats)
	out := stageOutput{calls: batch.Stats.Calls}
	if errors.Is(err, worker.ErrStageFatal) {
		return out, err
	}

	vectors := make(map[string][]float64)
	unfinished := make(map[string]bool)
	fatal := 0
	for _, res := range batch.Results {
		switch res.Status {
		case worker.StatusSucceeded:
			vectors[res.Item.ID] = res.Value.([]float64)
		case worker.StatusUnfinished:
			unfinished[res.Item.ID] = true
		case worker.StatusFatal:
			fatal++
			logging.Logger.Warn("Embedding failed, claim stored without one", "run", r.id, "err", res.Err)
		}
	}

	// Older deferred claims go first so this run's claims can match them
	for _, c := range deferred {
		vec, ok := vectors[c.NormalizedText]
		if !ok {
			continue
		}
		target, err := e.registry.Backfill(c.ID, vec)
		if err != nil {
			return out, err
		}
		if target != c.ID {
			r.summary.Folded++
			touched[c.ID] = true
		}
		touched[target] = true
	}

	embed := func(ctx context.Context, text string) ([]float64, error) {
		if vec, ok := vectors[registry.Normalize(text)]; ok {
			return vec, nil
		}
		return nil, errNoVector
	}
	// Resolution is a short in-memory section and always runs to the end
	resolveCtx := context.WithoutCancel(ctx)
	resolved, skipped := 0, 0
	for _, c := range work {
		if unfinished[registry.Normalize(c.Text)] {
			if _, ok := e.registry.Lookup(c.Text); !ok {
				out.pending = append(out.pending, c.ID)
				continue
			}
		}

		res, err := e.registry.Resolve(resolveCtx, c, embed)
		if errors.Is(err, registry.ErrEmptyText) {
			skipped++
			logging.Logger.Warn("Skipping claim", "run", r.id, "claim", c.ID, "err", err)
			continue
		}
		if err != nil {
			e.opened = false
			return out, err
		}
		err = e.registry.Commit(res.CanonicalID, registry.MemberUpdate{
			RawID:       c.ID,
			SourceRefID: c.UtteranceID,
			Quote:       c.Quote,
			RunID:       r.id,
			Tier:        model.AssignTier(c.Flags),
		})
		if err != nil {
			e.opened = false
			return out, err
		}

		touched[res.CanonicalID] = true
		resolved++
		switch res.Method {
		case registry.MethodExact:
			r.summary.Exact++
		case registry.MethodSimilar:
			r.summary.Similar++
		default:
			r.summary.New++
		}
	}

	if err := e.registry.Save(); err != nil {
		e.opened = false
		return out, err
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sortIDs(ids)
	r.canonical = make([]model.CanonicalClaim, 0, len(ids))
	for _, id := range ids {
		if c, ok := e.registry.Claim(id); ok {
			r.canonical = append(r.canonical, c)
		}
	}

	if err := e.journal.Append(registry.RunSnapshot{RunID: r.id, Claims: r.canonical}); err != nil {
		return out, err
	}

	out.payload, err = model.EncodePayload(r.canonical)
	if err != nil {
		return out, err
	}
	out.stats = model.StageStats{
		Count:   prior.Count + resolved,
		Errors:  prior.Errors + fatal + skipped,
		Retries: prior.Retries + int(batch.Stats.Retries),
	}
	if len(out.pending) > 0 {
		out.save = true
		return out, fmt.Errorf("%d claims pending: %w", len(out.pending), worker.ErrAborted)
	}
	return out, nil
}

// cluster assigns the run's canonical claims and commits the run. Claims
// without an embedding are reported as deferred.
func (e *Engine) cluster(r *run) (stageOutput, error) {
	var assignments []model.Assignment
	var placed []string
	for _, c := range r.canonical {
		claim, ok := e.registry.Claim(c.ID)
		if !ok || !claim.Live() {
			continue
		}
		if !claim.HasEmbedding() {
			assignments = append(assignments, model.Assignment{CanonicalID: claim.ID, Deferred: true})
			continue
		}
		_, provisional, err := e.clusters.Assign(claim, r.id)
		if err != nil {
			return stageOutput{}, err
		}
		if !provisional {
			r.clusters.Joined++
		}
		placed = append(placed, claim.ID)
	}

	result, err := e.clusters.CommitRun(r.id)
	if err != nil {
		e.opened = false
		return stageOutput{}, err
	}
	r.clusters.Formed += result.Formed
	r.clusters.Committed += result.Committed
	r.clusters.Outliers += result.Outliers
	r.clusters.Promoted += result.Promoted

	for _, id := range placed {
		if gid, ok := e.clusters.GroupOf(id); ok {
			assignments = append(assignments, model.Assignment{CanonicalID: id, GroupID: gid})
		}
	}
	sort.SliceStable(assignments, func(i, j int) bool {
		return registry.IDLess(assignments[i].CanonicalID, assignments[j].CanonicalID)
	})
	r.assignments = assignments

	payload, err := model.EncodePayload(assignments)
	if err != nil {
		return stageOutput{}, err
	}
	return stageOutput{
		stats:   model.StageStats{Count: len(assignments)},
		payload: payload,
	}, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return registry.IDLess(ids[i], ids[j]) })
}
