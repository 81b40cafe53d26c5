package risk

import (
	"fmt"
	"math"
)

// Level is one band of the position risk ladder.
type Level string

const (
	LevelLiquidatable Level = "liquidatable"
	LevelCritical     Level = "critical"
	LevelHigh         Level = "high"
	LevelMedium       Level = "medium"
	LevelLow          Level = "low"
	LevelSafe         Level = "safe"
)

// String returns string representation
func (l Level) String() string {
	return string(l)
}

// RecommendedAction is the fixed remediation attached to a risk band.
type RecommendedAction string

const (
	ActionAddCollateral RecommendedAction = "add_collateral"
	ActionRepayDebt     RecommendedAction = "repay_debt"
	ActionMonitor       RecommendedAction = "monitor"
	ActionNone          RecommendedAction = "none"
)

// AlertSeverity drives the escalation path of the alert pipeline.
type AlertSeverity string

const (
	SeverityNone     AlertSeverity = "none"
	SeverityWarning  AlertSeverity = "warning"
	SeverityDanger   AlertSeverity = "danger"
	SeverityCritical AlertSeverity = "critical"
)

// Severity maps a risk band to its alert escalation level.
func (l Level) Severity() AlertSeverity {
	switch l {
	case LevelLiquidatable, LevelCritical:
		return SeverityCritical
	case LevelHigh:
		return SeverityDanger
	case LevelMedium:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// Assessment is the classified risk state of one position or rollup.
type Assessment struct {
	Level             Level             `json:"level"`
	HealthFactor      *float64          `json:"healthFactor,omitempty"`
	PriceDropPct      float64           `json:"priceDropPct"`
	Message           string            `json:"message"`
	RecommendedAction RecommendedAction `json:"recommendedAction"`
	Severity          AlertSeverity     `json:"severity"`
}

// Classify places a health factor on the threshold ladder. The bands
// are strict thresholds, documented literally:
//
//	hf < 1.0  liquidatable
//	hf < 1.1  critical
//	hf < 1.3  high
//	hf < 1.5  medium
//	hf < 2.0  low
//	otherwise safe
func (c *Calculator) Classify(hf float64) *Assessment {
	level := c.levelFor(hf)

	a := &Assessment{
		Level:             level,
		PriceDropPct:      c.PriceDropToLiquidation(hf),
		Message:           levelMessage(level),
		RecommendedAction: levelAction(level),
		Severity:          level.Severity(),
	}
	if !math.IsInf(hf, 1) {
		v := hf
		a.HealthFactor = &v
	}
	return a
}

func (c *Calculator) levelFor(hf float64) Level {
	switch {
	case hf < c.policy.LiquidatableBelowHF:
		return LevelLiquidatable
	case hf < c.policy.CriticalBelowHF:
		return LevelCritical
	case hf < c.policy.HighBelowHF:
		return LevelHigh
	case hf < c.policy.MediumBelowHF:
		return LevelMedium
	case hf < c.policy.LowBelowHF:
		return LevelLow
	default:
		return LevelSafe
	}
}

func levelMessage(l Level) string {
	switch l {
	case LevelLiquidatable:
		return "Position is eligible for liquidation"
	case LevelCritical:
		return "Liquidation imminent, add collateral or repay now"
	case LevelHigh:
		return "High liquidation risk"
	case LevelMedium:
		return "Moderate risk, watch the position"
	case LevelLow:
		return "Low risk"
	default:
		return "Position is safe"
	}
}

func levelAction(l Level) RecommendedAction {
	switch l {
	case LevelLiquidatable, LevelCritical:
		return ActionAddCollateral
	case LevelHigh:
		return ActionRepayDebt
	case LevelMedium, LevelLow:
		return ActionMonitor
	default:
		return ActionNone
	}
}

// FormatHealthFactor renders a health factor for messages: "∞" for a
// debt-free position, two decimals otherwise.
func FormatHealthFactor(hf float64) string {
	if math.IsInf(hf, 1) {
		return "∞"
	}
	return fmt.Sprintf("%.2f", hf)
}
