package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Adapter metrics
	AdapterFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_adapter_fetches_total",
			Help: "Total number of protocol adapter fetches",
		},
		[]string{"protocol", "operation", "status"}, // operation: markets|positions|health, status: success|error
	)

	AdapterFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_adapter_fetch_duration_seconds",
			Help:    "Protocol adapter fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"protocol", "operation"},
	)

	// Aggregation metrics
	AggregateRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_aggregate_runs_total",
			Help: "Total number of aggregation fan-outs",
		},
		[]string{"operation", "status"}, // status: success|partial|error
	)

	AggregateProtocols = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_aggregate_protocols",
			Help: "Protocols attempted and succeeded on the last aggregation",
		},
		[]string{"operation", "stage"}, // stage: attempted|succeeded
	)

	IntegrityDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_integrity_drops_total",
			Help: "Total records dropped for integrity violations",
		},
		[]string{"protocol", "reason"}, // reason: duplicate|invalid
	)

	// Cache metrics
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_cache_operations_total",
			Help: "Total cache reads by outcome",
		},
		[]string{"category", "outcome"}, // outcome: hit_memory|hit_persistent|miss|fallback
	)

	// Upstream source metrics
	SourceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_source_calls_total",
			Help: "Total calls to external data sources",
		},
		[]string{"source", "status"}, // source: rpc|yields|prices|vaults, status: success|error|rate_limited
	)

	SourceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_source_latency_seconds",
			Help:    "External data source call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	// Simulation metrics
	Simulations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_simulations_total",
			Help: "Total transaction simulations by outcome",
		},
		[]string{"action", "outcome"}, // outcome: success|validation_failed|reverted|error
	)

	SimulationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_simulation_duration_seconds",
			Help:    "Transaction simulation duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"action"},
	)

	// Risk metrics
	RiskAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_risk_alerts_total",
			Help: "Total liquidation-risk alerts by severity",
		},
		[]string{"severity", "status"}, // status: sent|deduplicated|error
	)

	LowestHealthFactor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_lowest_health_factor",
			Help: "Lowest cross-protocol health factor per monitored wallet",
		},
		[]string{"user"},
	)

	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"worker"},
	)

	WorkerLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_worker_last_run_timestamp",
			Help: "Unix timestamp of last worker execution",
		},
		[]string{"worker"},
	)

	// Event pipeline metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_kafka_messages_total",
			Help: "Total Kafka messages produced/consumed",
		},
		[]string{"topic", "direction", "status"}, // direction: produced|consumed
	)

	// Chain connection metrics
	HeadWatcherConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_head_watcher_connections",
			Help: "Current number of active chain head subscriptions",
		},
		[]string{"chain"},
	)

	HeadWatcherReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_head_watcher_reconnects_total",
			Help: "Total chain head subscription reconnect attempts",
		},
		[]string{"chain", "status"}, // status: success|failed
	)

	// Storage metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"}, // database: clickhouse|redis
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"database", "operation"},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	// Adapter metrics
	prometheus.MustRegister(AdapterFetches)
	prometheus.MustRegister(AdapterFetchDuration)

	// Aggregation metrics
	prometheus.MustRegister(AggregateRuns)
	prometheus.MustRegister(AggregateProtocols)
	prometheus.MustRegister(IntegrityDrops)

	// Cache metrics
	prometheus.MustRegister(CacheOperations)

	// Upstream source metrics
	prometheus.MustRegister(SourceCalls)
	prometheus.MustRegister(SourceLatency)

	// Simulation metrics
	prometheus.MustRegister(Simulations)
	prometheus.MustRegister(SimulationDuration)

	// Risk metrics
	prometheus.MustRegister(RiskAlerts)
	prometheus.MustRegister(LowestHealthFactor)

	// Worker metrics
	prometheus.MustRegister(WorkerExecutions)
	prometheus.MustRegister(WorkerDuration)
	prometheus.MustRegister(WorkerLastRun)

	// Event pipeline metrics
	prometheus.MustRegister(KafkaMessages)

	// Chain connection metrics
	prometheus.MustRegister(HeadWatcherConnections)
	prometheus.MustRegister(HeadWatcherReconnects)

	// Storage metrics
	prometheus.MustRegister(DBQueries)
	prometheus.MustRegister(DBQueryDuration)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAdapterFetch records one protocol adapter fetch
func RecordAdapterFetch(protocol, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	AdapterFetches.WithLabelValues(protocol, operation, status).Inc()
	AdapterFetchDuration.WithLabelValues(protocol, operation).Observe(duration.Seconds())
}

// RecordAggregate records one aggregation fan-out
func RecordAggregate(operation string, attempted, succeeded int) {
	status := "success"
	switch {
	case succeeded == 0 && attempted > 0:
		status = "error"
	case succeeded < attempted:
		status = "partial"
	}

	AggregateRuns.WithLabelValues(operation, status).Inc()
	AggregateProtocols.WithLabelValues(operation, "attempted").Set(float64(attempted))
	AggregateProtocols.WithLabelValues(operation, "succeeded").Set(float64(succeeded))
}

// RecordIntegrityDrop records a record dropped from an aggregate
func RecordIntegrityDrop(protocol, reason string) {
	IntegrityDrops.WithLabelValues(protocol, reason).Inc()
}

// RecordCacheOperation records one cache read outcome
func RecordCacheOperation(category, outcome string) {
	CacheOperations.WithLabelValues(category, outcome).Inc()
}

// RecordSourceCall records a call to an external data source
func RecordSourceCall(source string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	SourceCalls.WithLabelValues(source, status).Inc()
	SourceLatency.WithLabelValues(source).Observe(latency.Seconds())
}

// RecordSimulation records a transaction simulation outcome
func RecordSimulation(action, outcome string, duration time.Duration) {
	Simulations.WithLabelValues(action, outcome).Inc()
	SimulationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRiskAlert records a liquidation-risk alert
func RecordRiskAlert(severity, status string) {
	RiskAlerts.WithLabelValues(severity, status).Inc()
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	WorkerExecutions.WithLabelValues(worker, status).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordKafkaMessage records a produced or consumed Kafka message
func RecordKafkaMessage(topic, direction string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	KafkaMessages.WithLabelValues(topic, direction, status).Inc()
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	DBQueries.WithLabelValues(database, operation, status).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
