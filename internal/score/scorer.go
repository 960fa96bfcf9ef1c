package score

import (
	"math"
	"time"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
)

// Penalty kinds, used as keys in the quality report
const (
	KindError     = "errors"
	KindRetry     = "retries"
	KindMalformed = "malformed"
	KindMismatch  = "mismatches"
)

// Counts are the quality-affecting tallies of one run
type Counts struct {
	Errors     int // Parse errors and item-fatal oracle failures
	Retries    int
	Malformed  int // Extracted claims rejected by validation
	Mismatches int // Canonical claims stored without an embedding
}

// Add returns the element-wise sum of c and o
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Errors:     c.Errors + o.Errors,
		Retries:    c.Retries + o.Retries,
		Malformed:  c.Malformed + o.Malformed,
		Mismatches: c.Mismatches + o.Mismatches,
	}
}

// Scorer calculates the 0-100 quality score and grade of a run
type Scorer struct {
	cfg model.QualityConfig
	now func() time.Time
}

// NewScorer creates a new scorer
func NewScorer(cfg model.QualityConfig) *Scorer {
	return &Scorer{cfg: cfg, now: time.Now}
}

// Calculate starts at 100 and deducts a fixed penalty per occurrence of
// each kind, never going below zero
func (s *Scorer) Calculate(runID string, c Counts) model.QualityReport {
	penalties := map[string]float64{
		KindError:     float64(c.Errors) * s.cfg.PenaltyError,
		KindRetry:     float64(c.Retries) * s.cfg.PenaltyRetry,
		KindMalformed: float64(c.Malformed) * s.cfg.PenaltyMalformed,
		KindMismatch:  float64(c.Mismatches) * s.cfg.PenaltyMismatch,
	}

	score := 100.0
	for _, p := range penalties {
		score -= p
	}
	score = math.Max(0, score)
	grade := s.Grade(score)

	logging.Logger.Info("Quality score calculated",
		"run", runID,
		"score", score,
		"grade", grade,
		"errors", c.Errors,
		"retries", c.Retries)

	return model.QualityReport{
		RunID:     runID,
		Score:     score,
		Grade:     grade,
		Penalties: penalties,
		Counts: map[string]int{
			KindError:     c.Errors,
			KindRetry:     c.Retries,
			KindMalformed: c.Malformed,
			KindMismatch:  c.Mismatches,
		},
		Generated: s.now().UTC(),
	}
}

// Grade maps a score onto A-F
func (s *Scorer) Grade(score float64) string {
	switch {
	case score >= s.cfg.GradeA:
		return "A"
	case score >= s.cfg.GradeB:
		return "B"
	case score >= s.cfg.GradeC:
		return "C"
	case score >= s.cfg.GradeD:
		return "D"
	default:
		return "F"
	}
}
