package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"atlas/pkg/errors"
)

type Config struct {
	App           AppConfig
	Chain         ChainConfig
	DataSources   DataSourcesConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Telegram      TelegramConfig
	Cache         CacheConfig
	Risk          RiskConfig
	ErrorTracking ErrorTrackingConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"atlas"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8080"`
}

// ChainConfig describes the EVM network this instance reads from.
// Multiple RPC URLs act as ordered fallbacks.
type ChainConfig struct {
	ChainID     int64         `envconfig:"CHAIN_ID" default:"1"`
	RPCURLs     []string      `envconfig:"CHAIN_RPC_URLS" required:"true"`
	WSURL       string        `envconfig:"CHAIN_WS_URL"`
	CallTimeout time.Duration `envconfig:"CHAIN_CALL_TIMEOUT" default:"10s"`
}

type DataSourcesConfig struct {
	YieldsAPIURL      string        `envconfig:"YIELDS_API_URL" default:"https://yields.llama.fi"`
	PricesAPIURL      string        `envconfig:"PRICES_API_URL" default:"https://api.coingecko.com/api/v3"`
	VaultGraphQLURL   string        `envconfig:"VAULT_GRAPHQL_URL" default:"https://blue-api.morpho.org/graphql"`
	RequestTimeout    time.Duration `envconfig:"DATA_SOURCE_TIMEOUT" default:"15s"`
	RequestsPerMin    int           `envconfig:"DATA_SOURCE_RATE_LIMIT_PER_MIN" default:"60"`
	RPCRequestsPerMin int           `envconfig:"RPC_RATE_LIMIT_PER_MIN" default:"600"`
}

type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"true"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"atlas"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" required:"true"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"true"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"atlas"`
}

type TelegramConfig struct {
	Enabled  bool   `envconfig:"TELEGRAM_ALERTS_ENABLED" default:"false"`
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatID   int64  `envconfig:"TELEGRAM_ALERT_CHAT_ID"`
}

// CacheConfig holds the per-category TTLs for the tiered cache.
// Pool data changes slowly; positions and prices go stale fast.
// FallbackTTL is the retention window for serving stale entries
// when a fresh fetch fails, so it must exceed every logical TTL
// it is expected to cover.
type CacheConfig struct {
	PoolTTL     time.Duration `envconfig:"CACHE_POOL_TTL" default:"72h"`
	PositionTTL time.Duration `envconfig:"CACHE_POSITION_TTL" default:"5m"`
	PriceTTL    time.Duration `envconfig:"CACHE_PRICE_TTL" default:"1h"`
	FallbackTTL time.Duration `envconfig:"CACHE_FALLBACK_TTL" default:"168h"`
	MetadataTTL time.Duration `envconfig:"CACHE_METADATA_TTL" default:"720h"`

	// Memory tier sizing (ristretto)
	MemoryMaxCostBytes int64 `envconfig:"CACHE_MEMORY_MAX_COST_BYTES" default:"67108864"`
	MemoryNumCounters  int64 `envconfig:"CACHE_MEMORY_NUM_COUNTERS" default:"100000"`
}

// RiskConfig carries the risk policy constants. The defaults mirror
// common protocol frontends but are policy, not protocol truth, so
// they stay configurable.
type RiskConfig struct {
	SafetyMargin        float64 `envconfig:"RISK_SAFETY_MARGIN" default:"0.8"`
	LiquidatableBelowHF float64 `envconfig:"RISK_HF_LIQUIDATABLE" default:"1.0"`
	CriticalBelowHF     float64 `envconfig:"RISK_HF_CRITICAL" default:"1.1"`
	HighBelowHF         float64 `envconfig:"RISK_HF_HIGH" default:"1.3"`
	MediumBelowHF       float64 `envconfig:"RISK_HF_MEDIUM" default:"1.5"`
	LowBelowHF          float64 `envconfig:"RISK_HF_LOW" default:"2.0"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// WorkerConfig contains intervals for all background workers.
// Each polling loop is free-running and idempotent; intervals
// balance freshness against upstream rate limits.
type WorkerConfig struct {
	MarketRefreshInterval   time.Duration `envconfig:"WORKER_MARKET_REFRESH_INTERVAL" default:"30s"`
	PositionRefreshInterval time.Duration `envconfig:"WORKER_POSITION_REFRESH_INTERVAL" default:"15s"`
	HealthMonitorInterval   time.Duration `envconfig:"WORKER_HEALTH_MONITOR_INTERVAL" default:"10s"`
	SnapshotInterval        time.Duration `envconfig:"WORKER_SNAPSHOT_INTERVAL" default:"5m"`

	MarketRefreshEnabled   bool `envconfig:"WORKER_MARKET_REFRESH_ENABLED" default:"true"`
	PositionRefreshEnabled bool `envconfig:"WORKER_POSITION_REFRESH_ENABLED" default:"true"`
	HealthMonitorEnabled   bool `envconfig:"WORKER_HEALTH_MONITOR_ENABLED" default:"true"`
	SnapshotsEnabled       bool `envconfig:"WORKER_SNAPSHOTS_ENABLED" default:"true"`
	HeadWatcherEnabled     bool `envconfig:"HEAD_WATCHER_ENABLED" default:"false"`

	// Wallets monitored by the position refresh and health monitor loops
	TrackedWallets []string `envconfig:"TRACKED_WALLETS"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
