package kafka

// Topic definitions for Kafka event streaming
const (
	// Risk events
	TopicRiskAlerts = "risk.alerts"

	// Refresh fan-out, emitted after every aggregation pass
	TopicMarketsRefreshed   = "markets.refreshed"
	TopicPositionsRefreshed = "positions.refreshed"
)
