package extract

import (
	"context"
	"fmt"

	"github.com/goonerstrike/belief-engine/internal/llm"
	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
)

// Extractor extracts raw claims from utterances
type Extractor struct {
	oracle       llm.Inferer
	instructions string
}

// NewExtractor creates an extractor over the given inference oracle
func NewExtractor(oracle llm.Inferer) *Extractor {
	return &Extractor{
		oracle:       oracle,
		instructions: Instructions(),
	}
}

// Extract runs one oracle call for u. Unparseable output is reported as a
// retryable malformed-output error.
func (e *Extractor) Extract(ctx context.Context, u model.Utterance) (model.UtteranceClaims, error) {
	output, err := e.oracle.Infer(ctx, Input(u), e.instructions)
	if err != nil {
		return model.UtteranceClaims{}, fmt.Errorf("extract %s: %w", u.ID, err)
	}

	result, err := Parse(output, u)
	if err != nil {
		return model.UtteranceClaims{}, llm.Malformed(e.oracle.Name(), fmt.Errorf("extract %s: %w", u.ID, err))
	}
	if result.Malformed > 0 {
		logging.Logger.Warn("Malformed claims in response", "utterance", u.ID, "malformed", result.Malformed)
	}
	return result, nil
}
