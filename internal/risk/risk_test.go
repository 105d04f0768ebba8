package risk_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"fieldgate/internal/risk"
)

func TestCalculateProduct(t *testing.T) {
	assert.Equal(t, 270.0, risk.Calculate(15, 6, 3))
}

func TestCalculateExposureDefaultsToOne(t *testing.T) {
	assert.Equal(t, 3.5, risk.Calculate(7, 0, 0.5))
}

func TestCalculateInvalidInputsYieldNaN(t *testing.T) {
	cases := []struct {
		name    string
		c, e, p float64
	}{
		{"negative consequence", -1, 1, 1},
		{"negative probability", 7, 1, -0.5},
		{"nan consequence", math.NaN(), 1, 1},
		{"inf exposure", 7, math.Inf(1), 1},
		{"negative exposure", 7, -2, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := risk.Calculate(tc.c, tc.e, tc.p)
			assert.True(t, math.IsNaN(got))
			assert.False(t, risk.ValidateScore(got))
		})
	}
}

func TestCalculateModifiers(t *testing.T) {
	got := risk.Calculate(15, 6, 3,
		risk.Modifier{Name: "control_effectiveness", Factor: 0.5},
		risk.Modifier{Name: "bogus", Factor: -3},
		risk.Modifier{Name: "weather", Factor: math.NaN()},
		risk.Modifier{Name: "zero", Factor: 0},
	)
	// only the 0.5 factor applies
	assert.Equal(t, 135.0, got)
}

func TestCalculateUnderflowNormalizesToZero(t *testing.T) {
	got := risk.Calculate(1, 0.5, 0.1, risk.Modifier{Name: "tiny", Factor: 1e-18})
	assert.Equal(t, 0.0, got)
}

func TestValidateScoreBounds(t *testing.T) {
	assert.True(t, risk.ValidateScore(0.0001))
	assert.True(t, risk.ValidateScore(20000))
	assert.False(t, risk.ValidateScore(0.00009))
	assert.False(t, risk.ValidateScore(20001))
	assert.False(t, risk.ValidateScore(-1))
	assert.False(t, risk.ValidateScore(math.NaN()))
	assert.False(t, risk.ValidateScore(math.Inf(1)))
}

func TestClassifySixBandBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  risk.Level
	}{
		{20, risk.LevelTrivial},
		{21, risk.LevelAcceptable},
		{70, risk.LevelAcceptable},
		{71, risk.LevelPossible},
		{200, risk.LevelPossible},
		{201, risk.LevelSubstantial},
		{400, risk.LevelSubstantial},
		{401, risk.LevelHigh},
		{1000, risk.LevelHigh},
		{1001, risk.LevelVeryHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, risk.Classify(tc.score), "score %v", tc.score)
	}
}

func TestClassifyGenericFourBandBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  risk.GenericLevel
	}{
		{70, risk.GenericLow},
		{71, risk.GenericModerate},
		{200, risk.GenericModerate},
		{201, risk.GenericHigh},
		{1000, risk.GenericHigh},
		{1001, risk.GenericExtreme},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, risk.ClassifyGeneric(tc.score), "score %v", tc.score)
	}
}

func TestClassifyInvalidFailsConservative(t *testing.T) {
	assert.Equal(t, risk.GenericExtreme, risk.ClassifyGeneric(math.NaN()))
	assert.Equal(t, risk.LevelVeryHigh, risk.Classify(math.NaN()))
	assert.Equal(t, risk.GenericExtreme, risk.ClassifyGeneric(-5))
}

func TestScales(t *testing.T) {
	assert.True(t, risk.InScale(risk.EffectScale, 40))
	assert.False(t, risk.InScale(risk.EffectScale, 50))
	assert.True(t, risk.InScale(risk.ExposureScale, 0.5))
	assert.True(t, risk.InScale(risk.ProbabilityScale, 0.1))
	assert.False(t, risk.InScale(risk.ProbabilityScale, 0.3))
}
