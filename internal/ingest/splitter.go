package ingest

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
)

// Split breaks multi-sentence utterances into atomic statements.
// Single-sentence utterances pass through unchanged; split parts keep the
// speaker and timestamps and point back at their parent.
func Split(utterances []model.Utterance) []model.Utterance {
	out := make([]model.Utterance, 0, len(utterances))
	for _, u := range utterances {
		sentences := Sentences(u.Text)
		if len(sentences) <= 1 {
			out = append(out, u)
			continue
		}
		for i, s := range sentences {
			part := u
			part.ID = model.DeriveID(u.ID, "split", strconv.Itoa(i))
			part.ParentID = u.ID
			part.Text = s
			out = append(out, part)
		}
	}

	logging.Logger.Debug("Split utterances", "in", len(utterances), "out", len(out))
	return out
}

// Sentences splits text after '.', '!' or '?' when followed by whitespace
func Sentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		if !isTerminal(runes[i]) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
