// Package risk implements Kinney & Wiruth risk scoring and its two
// classification scales.
package risk

import "math"

// Level is the six-band scale used for hazards and whole assessments.
type Level string

const (
	LevelTrivial     Level = "trivial"
	LevelAcceptable  Level = "acceptable"
	LevelPossible    Level = "possible"
	LevelSubstantial Level = "substantial"
	LevelHigh        Level = "high"
	LevelVeryHigh    Level = "very_high"
)

// GenericLevel is the four-band scale used for ad-hoc and
// modifier-adjusted scores. The two scales use different boundaries and
// are deliberately kept separate.
type GenericLevel string

const (
	GenericLow      GenericLevel = "Low"
	GenericModerate GenericLevel = "Moderate"
	GenericHigh     GenericLevel = "High"
	GenericExtreme  GenericLevel = "Extreme"
)

// Modifier is a named multiplicative adjustment, e.g. control
// effectiveness. Entries with a non-finite or non-positive factor are
// skipped so forward-compatible modifier sets never abort a calculation.
type Modifier struct {
	Name   string  `json:"name"`
	Factor float64 `json:"factor"`
}

const epsilon = 2.220446049250313e-16

const (
	// MinValidScore and MaxValidScore bound the practically meaningful
	// range for a Kinney & Wiruth product.
	MinValidScore = 0.0001
	MaxValidScore = 20000
)

// Discrete factor scales. Inputs are validated against these at the
// request boundary, not inside Calculate.
var (
	EffectScale      = []float64{1, 3, 7, 15, 40, 100}
	ExposureScale    = []float64{0.5, 1, 2, 3, 6, 10}
	ProbabilityScale = []float64{0.1, 0.2, 0.5, 1, 3, 6, 10}
)

// InScale reports whether v is one of the allowed discrete values.
func InScale(scale []float64, v float64) bool {
	for _, s := range scale {
		if s == v {
			return true
		}
	}
	return false
}

// Calculate returns consequence x exposure x probability with modifiers
// applied in order. An exposure of zero means "not supplied" and defaults
// to 1 (the legal scale starts at 0.5). Any non-finite or negative factor
// yields NaN so batch scoring can skip a malformed hazard without
// aborting. Results below floating-point epsilon normalize to 0.
func Calculate(consequence, exposure, probability float64, modifiers ...Modifier) float64 {
	if exposure == 0 {
		exposure = 1
	}
	if !finiteNonNegative(consequence) || !finiteNonNegative(exposure) || !finiteNonNegative(probability) {
		return math.NaN()
	}
	score := consequence * exposure * probability
	for _, m := range modifiers {
		if math.IsNaN(m.Factor) || math.IsInf(m.Factor, 0) || m.Factor <= 0 {
			continue
		}
		score *= m.Factor
	}
	if math.Abs(score) < epsilon {
		return 0
	}
	return score
}

// ValidateScore reports whether a score is finite and within the
// practical bound. Degenerate modifier combinations are caught here
// before persistence or classification.
func ValidateScore(score float64) bool {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return false
	}
	return score >= MinValidScore && score <= MaxValidScore
}

// Classify maps a score onto the six-band scale, upper bound inclusive.
// An invalid score classifies as very_high: ambiguity never resolves
// toward a safer-looking label.
func Classify(score float64) Level {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return LevelVeryHigh
	}
	switch {
	case score <= 20:
		return LevelTrivial
	case score <= 70:
		return LevelAcceptable
	case score <= 200:
		return LevelPossible
	case score <= 400:
		return LevelSubstantial
	case score <= 1000:
		return LevelHigh
	default:
		return LevelVeryHigh
	}
}

// ClassifyGeneric maps a score onto the four-band scale. Invalid scores
// map to Extreme.
func ClassifyGeneric(score float64) GenericLevel {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return GenericExtreme
	}
	switch {
	case score <= 70:
		return GenericLow
	case score <= 200:
		return GenericModerate
	case score <= 1000:
		return GenericHigh
	default:
		return GenericExtreme
	}
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
