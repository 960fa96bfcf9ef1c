package validate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/goonerstrike/belief-engine/internal/model"
)

// ErrMalformedClaim is returned for extracted claims that cannot be used
var ErrMalformedClaim = errors.New("malformed claim")

// Issue records why one extracted claim was rejected
type Issue struct {
	Index  int    `json:"index"` // Position in the oracle response
	Reason string `json:"reason"`
}

// Claim checks a single extracted claim
func Claim(c model.RawClaim) error {
	switch {
	case strings.TrimSpace(c.Text) == "":
		return fmt.Errorf("%w: empty claim text", ErrMalformedClaim)
	case math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1:
		return fmt.Errorf("%w: confidence must be between 0 and 1, got %v", ErrMalformedClaim, c.Confidence)
	case c.UtteranceID == "":
		return fmt.Errorf("%w: missing utterance id", ErrMalformedClaim)
	}
	for name := range c.Flags {
		if !knownFlag(name) {
			return fmt.Errorf("%w: unknown extraction flag %q", ErrMalformedClaim, name)
		}
	}
	return nil
}

// Claims splits claims into valid ones and the issues of the rest.
// Order of the valid claims is preserved.
func Claims(claims []model.RawClaim) ([]model.RawClaim, []Issue) {
	valid := make([]model.RawClaim, 0, len(claims))
	var issues []Issue
	for i, c := range claims {
		if err := Claim(c); err != nil {
			issues = append(issues, Issue{Index: i, Reason: err.Error()})
			continue
		}
		valid = append(valid, c)
	}
	return valid, issues
}

func knownFlag(name string) bool {
	for _, f := range model.FlagDescriptions {
		if f.Name == name {
			return true
		}
	}
	return false
}
