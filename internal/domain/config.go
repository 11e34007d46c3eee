package domain

// FilterKind tags the variant of a Filter predicate.
type FilterKind string

const (
	FilterTotalUsers      FilterKind = "TOTAL_USERS"
	FilterDelaySeconds    FilterKind = "DELAY_SECONDS"
	FilterDelayPercentage FilterKind = "DELAY_PERCENTAGE"
)

// Filter is a single gate predicate evaluated before the decision rules.
// Value is read according to Kind: a user count, a number of seconds, or a
// percentage of the prediction window.
type Filter struct {
	Kind  FilterKind `yaml:"kind" json:"kind"`
	Value float64    `yaml:"value" json:"value"`
}

// Comparator is the operator a DetailedOdds override compares its threshold
// against.
type Comparator string

const (
	ComparatorLE Comparator = "LE"
	ComparatorGE Comparator = "GE"
)

// PointsSpec sizes a bet as a percentage of balance, capped at MaxValue.
type PointsSpec struct {
	Percent  float64 `yaml:"percent" json:"percent"`
	MaxValue int64   `yaml:"max_value" json:"max_value"`
}

// DefaultPrediction is the fallback betting rule: bet when the candidate
// outcome's probability falls within [MinPercentage, MaxPercentage].
type DefaultPrediction struct {
	MinPercentage float64    `yaml:"min_percentage" json:"min_percentage"`
	MaxPercentage float64    `yaml:"max_percentage" json:"max_percentage"`
	Points        PointsSpec `yaml:"points" json:"points"`
}

// DetailedOdds is an override rule that fires when the candidate outcome's
// probability compares against Threshold by Type, gated by a Bernoulli
// AttemptRate draw.
type DetailedOdds struct {
	Threshold   float64    `yaml:"threshold" json:"threshold"`
	Type        Comparator `yaml:"type" json:"type"`
	AttemptRate float64    `yaml:"attempt_rate" json:"attempt_rate"`
	Points      PointsSpec `yaml:"points" json:"points"`
}

// Strategy is the prediction decision strategy. Only the Detailed variant
// exists today (spec §3), but the type is kept open for future variants.
type Strategy struct {
	Default  DefaultPrediction `yaml:"default" json:"default"`
	Detailed []DetailedOdds    `yaml:"detailed" json:"detailed"`
}

// Specific is an inline per-streamer configuration body.
type Specific struct {
	FollowRaid bool     `yaml:"follow_raid" json:"follow_raid"`
	Filters    []Filter `yaml:"filters" json:"filters"`
	Strategy   Strategy `yaml:"strategy" json:"strategy"`
}

// NoBets is the Specific body used when a streamer's Preset reference cannot
// be resolved (spec §4.3 invariant): it places no bets and follows no raids.
func NoBets() Specific {
	return Specific{}
}

// StreamerConfig is either a named Preset reference or an inline Specific
// body (spec §3 tagged variant).
type StreamerConfig struct {
	PresetName string   `yaml:"preset_name,omitempty" json:"preset_name,omitempty"` // empty when Specific is used directly
	Specific   Specific `yaml:"specific,omitempty" json:"specific,omitempty"`
}

// IsPreset reports whether this config names a preset.
func (c StreamerConfig) IsPreset() bool {
	return c.PresetName != ""
}

// Resolve returns the effective Specific body, looking up PresetName in
// presets when set. A missing preset name resolves to NoBets(), per the
// State Store invariant in spec §4.3.
func (c StreamerConfig) Resolve(presets map[string]Specific) Specific {
	if !c.IsPreset() {
		return c.Specific
	}
	if body, ok := presets[c.PresetName]; ok {
		return body
	}
	return NoBets()
}
