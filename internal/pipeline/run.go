package pipeline

import (
	"encoding/json"

	"github.com/goonerstrike/belief-engine/internal/metrics"
	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/score"
	"github.com/goonerstrike/belief-engine/internal/worker"
)

// run carries the state of one Run between phases
type run struct {
	id          string
	episode     string
	source      string
	addressable bool // ids are safe to use as a checkpoint directory

	utterances  []model.Utterance
	split       []model.Utterance
	extracted   []model.UtteranceClaims
	canonical   []model.CanonicalClaim
	assignments []model.Assignment

	counts   score.Counts
	summary  model.RegistrySummary
	clusters model.ClusterSummary
	metrics  *metrics.Registry
	report   *model.RunReport
}

func newRun(id, episode, source string) *run {
	return &run{
		id:      id,
		episode: episode,
		source:  source,
		metrics: metrics.NewRegistry(),
		report: &model.RunReport{
			RunID:     id,
			EpisodeID: episode,
			Source:    source,
		},
	}
}

// restore loads the payload of a complete checkpoint into the run
func (r *run) restore(phase model.Phase, payload []json.RawMessage) error {
	var err error
	switch phase {
	case model.PhaseIngested:
		r.utterances, err = model.DecodePayload[model.Utterance](payload)
	case model.PhaseSplit:
		r.split, err = model.DecodePayload[model.Utterance](payload)
	case model.PhaseExtracted:
		r.extracted, err = model.DecodePayload[model.UtteranceClaims](payload)
	case model.PhaseCanonicalized:
		r.canonical, err = model.DecodePayload[model.CanonicalClaim](payload)
	case model.PhaseClustered:
		r.assignments, err = model.DecodePayload[model.Assignment](payload)
	}
	return err
}

// account adds a finished phase to the quality counts and metrics
func (r *run) account(phase model.Phase, stats model.StageStats) {
	r.counts.Errors += stats.Errors
	r.counts.Retries += stats.Retries

	switch phase {
	case model.PhaseIngested:
		r.metrics.Add(metrics.ParseErrors, nil, float64(stats.Errors))
	case model.PhaseExtracted:
		claims, malformed := 0, 0
		for _, uc := range r.extracted {
			claims += len(uc.Claims)
			malformed += uc.Malformed
		}
		r.counts.Malformed += malformed
		r.metrics.Add(metrics.ClaimsExtracted, nil, float64(claims))
		r.metrics.Add(metrics.MalformedClaims, nil, float64(malformed))
	case model.PhaseCanonicalized:
		mismatches := 0
		for i := range r.canonical {
			if r.canonical[i].Live() && !r.canonical[i].HasEmbedding() {
				mismatches++
			}
		}
		r.counts.Mismatches += mismatches
		r.summary.Mismatches = mismatches
	}
}

// dispatched records the oracle counters of one batch
func (r *run) dispatched(stage string, s worker.StatsSnapshot) {
	labels := map[string]string{"stage": stage}
	r.metrics.Add(metrics.OracleCalls, labels, float64(s.Calls))
	r.metrics.Add(metrics.OracleRetries, labels, float64(s.Retries))
	r.metrics.Add(metrics.OracleFailures, labels, float64(s.Failures))
	r.metrics.Add(metrics.RateExceeded, labels, float64(s.RateExceeded))
	r.metrics.Add(metrics.Unfinished, labels, float64(s.Unfinished))
}
