package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goonerstrike/belief-engine/internal/model"
	"github.com/goonerstrike/belief-engine/internal/validate"
)

// ErrNoJSON is returned when the oracle output holds no JSON object
var ErrNoJSON = errors.New("no JSON object in oracle output")

type response struct {
	Beliefs []json.RawMessage `json:"beliefs"`
}

type belief struct {
	Text       string          `json:"belief_text"`
	Confidence *float64        `json:"confidence"`
	Quote      string          `json:"original_quote"`
	Flags      map[string]bool `json:"extraction_flags"`
}

// cleanJSON strips code fences and chatter around the outermost JSON object
func cleanJSON(output string) (string, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return output[start : end+1], nil
}

// Parse decodes oracle output for u into validated raw claims. An output
// that is not a beliefs object at all is an error; individual beliefs that
// fail to decode or validate are dropped and counted as malformed.
func Parse(output string, u model.Utterance) (model.UtteranceClaims, error) {
	result := model.UtteranceClaims{UtteranceID: u.ID}

	body, err := cleanJSON(output)
	if err != nil {
		return result, err
	}
	var resp response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return result, fmt.Errorf("decode beliefs: %w", err)
	}

	claims := make([]model.RawClaim, 0, len(resp.Beliefs))
	seen := make(map[string]bool)
	for i, raw := range resp.Beliefs {
		var b belief
		if err := json.Unmarshal(raw, &b); err != nil || b.Confidence == nil {
			result.Malformed++
			continue
		}

		key := strings.ToLower(strings.TrimSpace(b.Text))
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true

		quote := strings.TrimSpace(b.Quote)
		if quote == "" {
			quote = u.Text
		}
		claims = append(claims, model.RawClaim{
			ID:          model.DeriveID(u.ID, "claim", strconv.Itoa(i)),
			UtteranceID: u.ID,
			EpisodeID:   u.EpisodeID,
			Text:        strings.TrimSpace(b.Text),
			Quote:       quote,
			Confidence:  *b.Confidence,
			Flags:       model.ExtractionFlags(b.Flags),
		})
	}

	valid, issues := validate.Claims(claims)
	result.Claims = valid
	result.Malformed += len(issues)
	return result, nil
}
