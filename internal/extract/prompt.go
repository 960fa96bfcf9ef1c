// Package extract turns utterances into raw claims through the inference oracle.
package extract

import (
	"fmt"
	"strings"

	"github.com/goonerstrike/belief-engine/internal/model"
)

// Instructions returns the extraction instructions sent with every utterance
func Instructions() string {
	var b strings.Builder
	b.WriteString(`You are an expert at extracting beliefs from text.
Extract atomic, declarative beliefs from the utterance.

For each belief, provide:
1. belief_text: The atomic belief statement (declarative, concise)
2. confidence: Confidence score 0.0-1.0
3. original_quote: Direct quote from utterance
4. extraction_flags: Boolean flags (at least one must be true)

Extraction Flags:
`)
	for _, f := range model.FlagDescriptions {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Description)
	}
	b.WriteString(`
Return JSON format:
{
  "beliefs": [
    {
      "belief_text": "...",
      "confidence": 0.0-1.0,
      "original_quote": "...",
      "extraction_flags": {"q16_first_principles": true/false, ...}
    }
  ]
}

Only extract genuine beliefs, not questions or commands. Return {"beliefs": []} when there are none.`)
	return b.String()
}

// Input renders the utterance as the oracle input text
func Input(u model.Utterance) string {
	return fmt.Sprintf("Speaker: %s\nUtterance: %q", u.Speaker, u.Text)
}
