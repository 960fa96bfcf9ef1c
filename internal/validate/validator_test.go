package validate

import (
	"errors"
	"math"
	"testing"

	"github.com/goonerstrike/belief-engine/internal/model"
)

func validClaim() model.RawClaim {
	return model.RawClaim{
		ID:          "c1",
		UtteranceID: "u1",
		Text:        "X causes Y",
		Confidence:  0.9,
		Flags:       model.ExtractionFlags{model.FlagFactualClaim: true},
	}
}

func TestClaim_Valid(t *testing.T) {
	if err := Claim(validClaim()); err != nil {
		t.Fatalf("Expected valid claim, got %v", err)
	}

	c := validClaim()
	c.Flags = nil
	if err := Claim(c); err != nil {
		t.Errorf("Expected claim without flags to be valid, got %v", err)
	}
}

func TestClaim_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *model.RawClaim)
	}{
		{"empty text", func(c *model.RawClaim) { c.Text = "  " }},
		{"negative confidence", func(c *model.RawClaim) { c.Confidence = -0.1 }},
		{"confidence above one", func(c *model.RawClaim) { c.Confidence = 1.5 }},
		{"NaN confidence", func(c *model.RawClaim) { c.Confidence = math.NaN() }},
		{"no utterance", func(c *model.RawClaim) { c.UtteranceID = "" }},
		{"unknown flag", func(c *model.RawClaim) { c.Flags = model.ExtractionFlags{"q99_vibes": true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaim()
			tt.mutate(&c)
			err := Claim(c)
			if !errors.Is(err, ErrMalformedClaim) {
				t.Errorf("Expected ErrMalformedClaim, got %v", err)
			}
		})
	}
}

func TestClaims_SplitsValidAndIssues(t *testing.T) {
	bad := validClaim()
	bad.Text = ""
	second := validClaim()
	second.ID = "c2"

	valid, issues := Claims([]model.RawClaim{validClaim(), bad, second})

	if len(valid) != 2 || valid[0].ID != "c1" || valid[1].ID != "c2" {
		t.Errorf("Expected c1 and c2 in order, got %+v", valid)
	}
	if len(issues) != 1 || issues[0].Index != 1 {
		t.Errorf("Expected one issue at index 1, got %+v", issues)
	}
}
