package coach

import "strings"

// Tier is a model cost class.
type Tier string

const (
	TierCheap Tier = "cheap"
	TierMid   Tier = "mid"
	TierTop   Tier = "top"
)

// Feature names, also used as the interaction log mode.
const (
	FeatureWeeklyPlan           = "weekly_plan"
	FeatureGeneralChat          = "general_chat"
	FeatureCoachSays            = "coach_says"
	FeatureWeeklySummary        = "weekly_summary"
	FeatureQuickEncouragement   = "quick_encouragement"
	FeatureAthleteStateCompress = "athlete_state_compress"
	FeatureSafeAdjustment       = "safe_adjustment"
)

// cheapFeatures run on the cheap tier. Everything else, weekly plans and
// chat included, runs on the mid tier.
var cheapFeatures = map[string]bool{
	FeatureCoachSays:            true,
	FeatureWeeklySummary:        true,
	FeatureQuickEncouragement:   true,
	FeatureAthleteStateCompress: true,
}

// SevereFlags are the risk flags that permit escalation to the top tier.
var SevereFlags = map[string]bool{
	"injury":            true,
	"overtraining":      true,
	"sudden_load_spike": true,
}

// Route is where a request goes first and whether it may escalate.
type Route struct {
	Tier            Tier
	AllowEscalation bool
}

// HasSevereFlag reports whether any flag is severe. Matching ignores case.
func HasSevereFlag(flags []string) bool {
	for _, f := range flags {
		if SevereFlags[strings.ToLower(f)] {
			return true
		}
	}
	return false
}

// RouteFor picks the tier for a feature. The top tier is used directly only
// when confidence is already low and a severe flag is present; otherwise a
// severe flag only allows a later escalation.
func RouteFor(feature string, lowConfidence bool, flags []string) Route {
	severe := HasSevereFlag(flags)
	if lowConfidence && severe {
		return Route{Tier: TierTop}
	}
	tier := TierMid
	if cheapFeatures[feature] {
		tier = TierCheap
	}
	return Route{Tier: tier, AllowEscalation: severe}
}

// Models maps tiers to backend model identifiers.
type Models struct {
	Cheap string
	Mid   string
	Top   string
}

func (m Models) For(t Tier) string {
	switch t {
	case TierCheap:
		return m.Cheap
	case TierTop:
		return m.Top
	default:
		return m.Mid
	}
}
