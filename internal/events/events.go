// Package events defines the JSON payloads the pipeline publishes to
// Kafka and the publisher that sends them. Every payload embeds a
// BaseEvent envelope; consumers route on Base.Type, not on topic.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atlas/internal/domain/lending"
	"atlas/internal/domain/risk"
)

// Event type constants, carried in BaseEvent.Type
const (
	TypeRiskAlert          = "risk.health_alert"
	TypeMarketsRefreshed   = "markets.refreshed"
	TypePositionsRefreshed = "positions.refreshed"
)

// BaseEvent is the envelope shared by every event
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// NewBaseEvent creates a new base event with defaults
func NewBaseEvent(eventType, source string) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Version:   "1.0",
	}
}

// RiskAlertEvent reports a wallet whose rollup crossed an alerting
// risk band. The monitor emits one per evaluation; de-duplication is
// the consumer's job.
type RiskAlertEvent struct {
	Base BaseEvent `json:"base"`

	User    string `json:"user"`
	ChainID int64  `json:"chainId"`

	Severity          risk.AlertSeverity     `json:"severity"`
	Level             risk.Level             `json:"level"`
	HealthFactor      *float64               `json:"healthFactor,omitempty"`
	PriceDropPct      float64                `json:"priceDropPct"`
	Message           string                 `json:"message"`
	RecommendedAction risk.RecommendedAction `json:"recommendedAction"`

	RiskiestProtocol   lending.Protocol `json:"riskiestProtocol"`
	TotalCollateralUSD decimal.Decimal  `json:"totalCollateralUsd"`
	TotalBorrowUSD     decimal.Decimal  `json:"totalBorrowUsd"`
}

// NewRiskAlertEvent builds the alert payload from a wallet rollup and
// its risk assessment.
func NewRiskAlertEvent(agg *lending.AggregatedPosition, a *risk.Assessment, chainID int64) *RiskAlertEvent {
	return &RiskAlertEvent{
		Base:               NewBaseEvent(TypeRiskAlert, "health_monitor"),
		User:               agg.User,
		ChainID:            chainID,
		Severity:           a.Severity,
		Level:              a.Level,
		HealthFactor:       a.HealthFactor,
		PriceDropPct:       a.PriceDropPct,
		Message:            a.Message,
		RecommendedAction:  a.RecommendedAction,
		RiskiestProtocol:   agg.RiskiestProtocol,
		TotalCollateralUSD: agg.TotalCollateralUSD,
		TotalBorrowUSD:     agg.TotalBorrowUSD,
	}
}

// MarketsRefreshedEvent marks one completed market aggregation pass.
type MarketsRefreshedEvent struct {
	Base BaseEvent `json:"base"`

	Markets            int   `json:"markets"`
	ProtocolsAttempted int   `json:"protocolsAttempted"`
	ProtocolsSucceeded int   `json:"protocolsSucceeded"`
	DurationMs         int64 `json:"durationMs"`
}

// PositionsRefreshedEvent marks one completed position refresh for a
// wallet.
type PositionsRefreshedEvent struct {
	Base BaseEvent `json:"base"`

	User               string   `json:"user"`
	Positions          int      `json:"positions"`
	ProtocolsAttempted int      `json:"protocolsAttempted"`
	ProtocolsSucceeded int      `json:"protocolsSucceeded"`
	LowestHealthFactor *float64 `json:"lowestHealthFactor,omitempty"`
	DurationMs         int64    `json:"durationMs"`
}
