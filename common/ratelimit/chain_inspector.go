package ratelimit

import "github.com/lyzr/meshcore/meshop"

// ChainTier represents the rate limit tier based on chain complexity
type ChainTier string

const (
	TierSimple   ChainTier = "simple"   // Short chains, no nesting
	TierStandard ChainTier = "standard" // Moderate chains or any nesting
	TierHeavy    ChainTier = "heavy"    // Long or deeply nested chains
)

// ChainProfile contains analysis of an operation chain's complexity
type ChainProfile struct {
	Tier        ChainTier // Determined tier
	ApplyCount  int       // Number of invocations, nested chains included
	NestedCount int       // Number of nested operation markers
	TotalOps    int       // Total operation count, nested chains included
}

// InspectChain analyzes an operation chain and determines its complexity
// tier. Nested chains count toward the totals: a single envelope carrying
// ten nested calls costs what ten envelopes would.
func InspectChain(chain meshop.OperationChain) ChainProfile {
	profile := ChainProfile{Tier: TierSimple}
	walkChain(chain, &profile)
	profile.Tier = determineTier(profile)
	return profile
}

func walkChain(chain meshop.OperationChain, profile *ChainProfile) {
	for _, op := range chain {
		profile.TotalOps++
		if op.Kind != meshop.OpApply {
			continue
		}
		profile.ApplyCount++
		for _, arg := range op.Args {
			walkArg(arg, profile)
		}
	}
}

func walkArg(arg interface{}, profile *ChainProfile) {
	switch v := arg.(type) {
	case *meshop.NestedOperationMarker:
		profile.NestedCount++
		walkChain(v.Chain, profile)
	case []interface{}:
		for _, e := range v {
			walkArg(e, profile)
		}
	case map[string]interface{}:
		for _, e := range v {
			walkArg(e, profile)
		}
	}
}

// determineTier returns the appropriate tier for a profile
func determineTier(profile ChainProfile) ChainTier {
	switch {
	case profile.NestedCount > 3 || profile.ApplyCount > 5:
		return TierHeavy
	case profile.NestedCount > 0 || profile.ApplyCount > 2:
		return TierStandard
	default:
		return TierSimple
	}
}

// String returns a human-readable description of the tier
func (t ChainTier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierStandard:
		return "standard"
	case TierHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}
