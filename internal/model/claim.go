package model

// RawClaim is a single claim extracted by the inference oracle from one utterance
type RawClaim struct {
	ID          string          `json:"id"`                // Deterministic id derived from utterance id and position
	UtteranceID string          `json:"utterance_id"`      // Source utterance (traceability, never interpreted)
	EpisodeID   string          `json:"episode_id"`        // Source episode
	Text        string          `json:"text"`              // The claim statement
	Quote       string          `json:"quote"`             // Verbatim quote from the utterance
	Confidence  float64         `json:"confidence"`        // Extraction confidence [0, 1]
	Flags       ExtractionFlags `json:"flags,omitempty"`   // Extraction flags (q16-q26)
	Context     string          `json:"context,omitempty"` // Optional surrounding context
}

// CanonicalClaim is the deduplicated representation of one or more raw claims
type CanonicalClaim struct {
	ID             string    `json:"id"`
	NormalizedText string    `json:"normalized_text"`
	Text           string    `json:"text"`                 // Text of the seeding raw claim
	MemberRawIDs   []string  `json:"member_raw_ids"`       // Sorted set, never empty
	SourceRefIDs   []string  `json:"source_reference_ids"` // Sorted set, never empty
	ExampleQuotes  []string  `json:"example_quotes"`       // Never empty, capped at MaxExampleQuotes
	Embedding      []float64 `json:"embedding,omitempty"`  // Nil when the embedding oracle failed
	FirstSeenRun   string    `json:"first_seen_run"`
	LastSeenRun    string    `json:"last_seen_run"`
	MergedInto     string    `json:"merged_into,omitempty"` // Set when folded into an older canonical claim
	Tier           Tier      `json:"tier,omitempty"`
}

// MaxExampleQuotes caps the number of quotes retained per canonical claim
const MaxExampleQuotes = 5

// Live reports whether the claim still takes part in resolution
func (c *CanonicalClaim) Live() bool {
	return c.MergedInto == ""
}

// HasEmbedding reports whether similarity can be computed for the claim
func (c *CanonicalClaim) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// ExtractionFlags are the q16-q26 boolean labels returned by the oracle
type ExtractionFlags map[string]bool

// Known extraction flags
const (
	FlagFirstPrinciples  = "q16_first_principles"
	FlagWorldview        = "q17_worldview"
	FlagMoralFramework   = "q18_moral_framework"
	FlagEpistemology     = "q19_epistemology"
	FlagOntology         = "q20_ontology"
	FlagReasoningPattern = "q21_reasoning_pattern"
	FlagAssumption       = "q22_assumption"
	FlagSurfaceOpinion   = "q23_surface_opinion"
	FlagFactualClaim     = "q24_factual_claim"
	FlagPrediction       = "q25_prediction"
	FlagValueJudgment    = "q26_value_judgment"
)

// FlagDescriptions documents every known extraction flag, in prompt order
var FlagDescriptions = []struct {
	Name        string
	Description string
}{
	{FlagFirstPrinciples, "Core belief (first principles)"},
	{FlagWorldview, "Worldview belief"},
	{FlagMoralFramework, "Moral/ethical framework"},
	{FlagEpistemology, "How knowledge is acquired"},
	{FlagOntology, "Nature of reality"},
	{FlagReasoningPattern, "Reasoning/logic pattern"},
	{FlagAssumption, "Underlying assumption"},
	{FlagSurfaceOpinion, "Surface-level opinion"},
	{FlagFactualClaim, "Factual claim"},
	{FlagPrediction, "Future prediction"},
	{FlagValueJudgment, "Value judgment"},
}

// Any reports whether at least one flag is set
func (f ExtractionFlags) Any() bool {
	for _, v := range f {
		if v {
			return true
		}
	}
	return false
}
