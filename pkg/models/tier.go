package models

import "fmt"

// Tier is the priority class of an agent. It decides at what share of the
// global monthly cap the agent is paused.
type Tier int

const (
	// TierCritical agents run until the monthly cap itself is exhausted.
	TierCritical Tier = 1
	// TierStandard agents pause once global spend reaches 80% of the cap.
	TierStandard Tier = 2
	// TierBackground agents pause once global spend reaches 60% of the cap.
	TierBackground Tier = 3
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierStandard, TierBackground:
		return true
	default:
		return false
	}
}

// PauseThreshold returns the fraction (0.0-1.0) of the global monthly cap at
// which agents of this tier stop being admitted. Unknown tiers get the most
// restrictive threshold.
func (t Tier) PauseThreshold() float64 {
	switch t {
	case TierCritical:
		return 1.0
	case TierStandard:
		return 0.80
	default:
		return 0.60
	}
}

// String returns a human-readable representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "tier-1"
	case TierStandard:
		return "tier-2"
	case TierBackground:
		return "tier-3"
	default:
		return fmt.Sprintf("tier-%d(invalid)", int(t))
	}
}
