package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrder(t *testing.T) {
	assert.Equal(t, PhaseSplit, PhaseIngested.Next())
	assert.Equal(t, PhaseNone, PhaseClustered.Next())
	assert.Equal(t, PhaseNone, PhaseIngested.Prev())
	assert.Equal(t, PhaseExtracted, PhaseCanonicalized.Prev())
	assert.False(t, PhaseNone.Valid())

	for i := 1; i < len(Phases); i++ {
		assert.Less(t, Phases[i-1], Phases[i])
	}
}

func TestPhaseJSON(t *testing.T) {
	data, err := json.Marshal(PhaseCanonicalized)
	require.NoError(t, err)
	assert.Equal(t, `"CANONICALIZED"`, string(data))

	var p Phase
	require.NoError(t, json.Unmarshal([]byte(`"split"`), &p))
	assert.Equal(t, PhaseSplit, p)

	assert.Error(t, json.Unmarshal([]byte(`"DONE"`), &p))
}

func TestAssignTier(t *testing.T) {
	tests := []struct {
		name  string
		flags ExtractionFlags
		want  Tier
	}{
		{"none", nil, TierSurface},
		{"first principles", ExtractionFlags{FlagFirstPrinciples: true}, TierCore},
		{"worldview beats reasoning", ExtractionFlags{FlagAssumption: true, FlagMoralFramework: true}, TierWorldview},
		{"reasoning", ExtractionFlags{FlagReasoningPattern: true}, TierReasoning},
		{"false flags ignored", ExtractionFlags{FlagOntology: false, FlagPrediction: true}, TierSurface},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssignTier(tt.flags))
		})
	}

	assert.Greater(t, TierCore.Rank(), TierWorldview.Rank())
	assert.Greater(t, TierSurface.Rank(), Tier("").Rank())
}

func TestPayloadCodec(t *testing.T) {
	in := []Utterance{{ID: "u1", Text: "hello"}, {ID: "u2", Text: "world"}}

	payload, err := EncodePayload(in)
	require.NoError(t, err)
	require.Len(t, payload, 2)

	out, err := DecodePayload[Utterance](payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodePayload[Utterance]([]json.RawMessage{json.RawMessage(`[1]`)})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Cluster.MinGroupSize = 0
	cfg.Registry.SimilarityThreshold = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "min_group_size")
	assert.Contains(t, err.Error(), "similarity_threshold")
}
