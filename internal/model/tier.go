package model

// Tier is the ontology level of a claim
type Tier string

const (
	TierCore      Tier = "core"
	TierWorldview Tier = "worldview"
	TierReasoning Tier = "reasoning"
	TierSurface   Tier = "surface"
)

// tierRules are checked in order; the first tier with a matching flag wins
var tierRules = []struct {
	tier  Tier
	flags []string
}{
	{TierCore, []string{FlagFirstPrinciples, FlagOntology}},
	{TierWorldview, []string{FlagWorldview, FlagMoralFramework, FlagEpistemology}},
	{TierReasoning, []string{FlagReasoningPattern, FlagAssumption}},
	{TierSurface, []string{FlagSurfaceOpinion, FlagFactualClaim, FlagPrediction, FlagValueJudgment}},
}

// AssignTier maps extraction flags to the deepest matching tier.
// Claims without any known flag are surface claims.
func AssignTier(flags ExtractionFlags) Tier {
	for _, rule := range tierRules {
		for _, f := range rule.flags {
			if flags[f] {
				return rule.tier
			}
		}
	}
	return TierSurface
}

// Rank orders tiers from surface (lowest) to core (highest)
func (t Tier) Rank() int {
	switch t {
	case TierCore:
		return 4
	case TierWorldview:
		return 3
	case TierReasoning:
		return 2
	case TierSurface:
		return 1
	default:
		return 0
	}
}
