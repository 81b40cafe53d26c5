package risk_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/domain/risk"
)

func TestClassify_ThresholdLadder(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	tests := []struct {
		name       string
		hf         float64
		wantLevel  risk.Level
		wantAction risk.RecommendedAction
	}{
		{"below one is liquidatable", 0.95, risk.LevelLiquidatable, risk.ActionAddCollateral},
		{"exactly one is critical band", 1.0, risk.LevelCritical, risk.ActionAddCollateral},
		{"just under 1.1 is critical", 1.09, risk.LevelCritical, risk.ActionAddCollateral},
		{"1.1 enters high band", 1.1, risk.LevelHigh, risk.ActionRepayDebt},
		{"just under 1.3 is high", 1.29, risk.LevelHigh, risk.ActionRepayDebt},
		{"1.3 enters medium band", 1.3, risk.LevelMedium, risk.ActionMonitor},
		{"just under 1.5 is medium", 1.49, risk.LevelMedium, risk.ActionMonitor},
		{"1.5 enters low band", 1.5, risk.LevelLow, risk.ActionMonitor},
		{"just under 2.0 is low", 1.99, risk.LevelLow, risk.ActionMonitor},
		{"2.0 is safe", 2.0, risk.LevelSafe, risk.ActionNone},
		{"infinite is safe", math.Inf(1), risk.LevelSafe, risk.ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := calc.Classify(tt.hf)
			assert.Equal(t, tt.wantLevel, a.Level)
			assert.Equal(t, tt.wantAction, a.RecommendedAction)
			assert.NotEmpty(t, a.Message)
		})
	}
}

func TestClassify_FixedMessages(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	// The band messages are fixed strings, not derived
	assert.Equal(t, "Position is eligible for liquidation", calc.Classify(0.5).Message)
	assert.Equal(t, "Position is safe", calc.Classify(5.0).Message)

	// Same hf always yields the same message
	first := calc.Classify(1.2)
	second := calc.Classify(1.2)
	assert.Equal(t, first.Message, second.Message)
}

func TestClassify_HealthFactorField(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	a := calc.Classify(1.42)
	require.NotNil(t, a.HealthFactor)
	assert.InDelta(t, 1.42, *a.HealthFactor, 1e-9)

	// Infinite hf stays unset so it can serialize
	a = calc.Classify(math.Inf(1))
	assert.Nil(t, a.HealthFactor)
}

func TestSeverityEscalation(t *testing.T) {
	assert.Equal(t, risk.SeverityCritical, risk.LevelLiquidatable.Severity())
	assert.Equal(t, risk.SeverityCritical, risk.LevelCritical.Severity())
	assert.Equal(t, risk.SeverityDanger, risk.LevelHigh.Severity())
	assert.Equal(t, risk.SeverityWarning, risk.LevelMedium.Severity())
	assert.Equal(t, risk.SeverityNone, risk.LevelLow.Severity())
	assert.Equal(t, risk.SeverityNone, risk.LevelSafe.Severity())
}

func TestClassify_CustomPolicy(t *testing.T) {
	policy := risk.DefaultPolicy()
	policy.MediumBelowHF = 1.8
	policy.LowBelowHF = 3.0
	calc := risk.NewCalculator(policy)

	assert.Equal(t, risk.LevelMedium, calc.Classify(1.6).Level)
	assert.Equal(t, risk.LevelLow, calc.Classify(2.5).Level)
	assert.Equal(t, risk.LevelSafe, calc.Classify(3.5).Level)
}

func TestFormatHealthFactor(t *testing.T) {
	assert.Equal(t, "∞", risk.FormatHealthFactor(math.Inf(1)))
	assert.Equal(t, "1.23", risk.FormatHealthFactor(1.2345))
}
