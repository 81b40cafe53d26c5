package bootstrap

import (
	chclient "atlas/internal/adapters/clickhouse"
	"atlas/internal/adapters/config"
	errnoop "atlas/internal/adapters/errors/noop"
	"atlas/internal/adapters/errors/sentry"
	"atlas/internal/adapters/evm"
	"atlas/internal/adapters/evm/headwatcher"
	"atlas/internal/adapters/kafka"
	"atlas/internal/adapters/morpho"
	"atlas/internal/adapters/prices"
	"atlas/internal/adapters/protocols"
	"atlas/internal/adapters/protocols/aavev3"
	"atlas/internal/adapters/protocols/comet"
	"atlas/internal/adapters/protocols/ctoken"
	"atlas/internal/adapters/protocols/vault"
	"atlas/internal/adapters/ratelimit"
	redisclient "atlas/internal/adapters/redis"
	"atlas/internal/adapters/telegram"
	"atlas/internal/adapters/yields"
	"atlas/internal/api"
	"atlas/internal/api/health"
	"atlas/internal/cache"
	"atlas/internal/consumers"
	domainrisk "atlas/internal/domain/risk"
	"atlas/internal/events"
	"atlas/internal/metrics"
	chrepo "atlas/internal/repository/clickhouse"
	"atlas/internal/services/aggregator"
	"atlas/internal/services/history"
	riskservice "atlas/internal/services/risk"
	"atlas/internal/services/routing"
	"atlas/internal/services/simulation"
	"atlas/internal/services/watchlist"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// ========================================
// Phase 1: Configuration & Logging
// ========================================

func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	// Initialize logger
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	// Initialize error tracker
	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure initializes data stores and chain access
func (c *Container) MustInitInfrastructure() {
	var err error

	metrics.Init()

	// Redis
	c.Log.Info("Connecting to Redis...")
	c.Redis, err = redisclient.NewClient(c.Config.Redis)
	if err != nil {
		c.Log.Fatalf("failed to connect redis: %v", err)
	}
	c.Log.Info("✓ Redis connected")

	// ClickHouse (optional: history storage only)
	if c.Config.ClickHouse.Enabled {
		c.Log.Info("Connecting to ClickHouse...")
		c.CH, err = chclient.NewClient(c.Config.ClickHouse)
		if err != nil {
			c.Log.Fatalf("failed to connect clickhouse: %v", err)
		}
		c.Log.Info("✓ ClickHouse connected")
	} else {
		c.Log.Info("ClickHouse disabled, position history will not be stored")
	}

	// Tiered cache: ristretto memory over the Redis store
	c.Cache, err = cache.New(c.Config.Cache, c.Redis, c.Log)
	if err != nil {
		c.Log.Fatalf("failed to build cache: %v", err)
	}
	c.Log.Info("✓ Tiered cache initialized")

	// EVM client with ordered RPC fallbacks
	c.Log.Info("Connecting to RPC endpoints...")
	c.Chain, err = evm.NewClient(c.Context, evm.Config{
		ChainID:     c.Config.Chain.ChainID,
		RPCURLs:     c.Config.Chain.RPCURLs,
		CallTimeout: c.Config.Chain.CallTimeout,
		Limiter:     ratelimit.NewLimiter("rpc", c.Config.DataSources.RPCRequestsPerMin),
	}, c.Log)
	if err != nil {
		c.Log.Fatalf("failed to connect rpc: %v", err)
	}
	c.Log.Infof("✓ RPC connected (chain %d)", c.Chain.ChainID())
}

// ========================================
// Phase 3: External Adapters
// ========================================

// MustInitAdapters initializes data sources and protocol adapters
func (c *Container) MustInitAdapters() {
	ds := c.Config.DataSources

	// Reward APYs from the yields API
	c.Adapters.Yields = yields.New(yields.Config{
		BaseURL: ds.YieldsAPIURL,
		ChainID: c.Config.Chain.ChainID,
		Limiter: ratelimit.NewLimiter("yields-api", ds.RequestsPerMin),
	}, c.Log)

	// Vault stats from the Morpho GraphQL API
	c.Adapters.Morpho = morpho.New(morpho.Config{
		Endpoint: ds.VaultGraphQLURL,
		Limiter:  ratelimit.NewLimiter("vault-api", ds.RequestsPerMin),
	}, c.Log)

	// Prices: Chainlink feeds first, CoinGecko as fallback, quotes
	// cached under the prices category with stale fallback
	chainlink := prices.NewChainlink(c.Chain, prices.ChainlinkConfig{}, c.Log)
	coingecko := prices.NewCoinGecko(prices.CoinGeckoConfig{
		BaseURL: ds.PricesAPIURL,
		Limiter: ratelimit.NewLimiter("prices-api", ds.RequestsPerMin),
	}, c.Log)
	c.Adapters.Prices = prices.NewSource(c.Log, chainlink, coingecko).
		WithCache(c.Cache, c.Config.Chain.ChainID)

	// Risk calculator is shared by adapters and services
	c.Services.Calculator = provideCalculator(c.Config.Risk)

	// Protocol adapters. Contract addresses default to mainnet and
	// follow CHAIN_ID overrides through each adapter config. Token
	// metadata persists under the cache's metadata category.
	chainID := c.Config.Chain.ChainID
	registry, err := protocols.NewRegistry(
		aavev3.New(c.Chain, c.Adapters.Prices, c.Adapters.Yields, c.Services.Calculator,
			aavev3.Config{ChainID: chainID}, c.Log).WithAssetCache(c.Cache),
		comet.New(c.Chain, c.Adapters.Yields, c.Services.Calculator,
			comet.Config{ChainID: chainID}, c.Log).WithAssetCache(c.Cache),
		ctoken.New(c.Chain, c.Adapters.Yields, c.Services.Calculator,
			ctoken.Config{ChainID: chainID}, c.Log).WithAssetCache(c.Cache),
		vault.New(c.Chain, c.Adapters.Prices, c.Adapters.Morpho, c.Services.Calculator,
			vault.Config{ChainID: chainID}, c.Log).WithAssetCache(c.Cache),
	)
	if err != nil {
		c.Log.Fatalf("failed to build protocol registry: %v", err)
	}
	c.Adapters.Registry = registry
	c.Log.Infof("✓ Protocol registry initialized (%d adapters)", c.Adapters.Registry.Len())

	// Kafka
	if c.Config.Kafka.Enabled {
		c.Adapters.KafkaProducer = provideKafkaProducer(c.Config, c.Log)
		c.Adapters.AlertsConsumer = provideKafkaConsumer(c.Config, kafka.TopicRiskAlerts, c.Log)
	} else {
		c.Log.Info("Kafka disabled, events will not be published")
	}

	// Telegram
	if c.Config.Telegram.Enabled {
		bot, err := telegram.NewBot(telegram.Config{
			Token: c.Config.Telegram.BotToken,
			Debug: c.Config.App.Debug,
		}, c.Log)
		if err != nil {
			c.Log.Fatalf("failed to initialize telegram bot: %v", err)
		}
		c.Adapters.TelegramBot = bot
		c.Adapters.TelegramNotifier = telegram.NewNotifier(bot, c.Config.Telegram.ChatID, c.Log)
		c.Log.Info("✓ Telegram notifier initialized")
	}
}

// ========================================
// Phase 4: Domain Services
// ========================================

// MustInitServices initializes domain services
func (c *Container) MustInitServices() {
	cfg := c.Config

	c.Services.Aggregator = aggregator.NewService(c.Adapters.Registry, c.Cache, cfg.Chain.ChainID, c.Log)

	selections := redisclient.NewSelectionRepository(c.Redis)
	c.Services.Routing = routing.NewService(c.Services.Aggregator, selections, c.Log)

	c.Services.Simulation = simulation.NewService(c.Adapters.Registry, c.Chain, c.Log)

	c.Services.Risk = riskservice.NewService(c.Services.Aggregator, c.Adapters.Registry, c.Services.Calculator, c.Log)

	c.Services.Watchlist = watchlist.NewService(c.Redis, c.Log)
	if len(cfg.Workers.TrackedWallets) > 0 {
		added, err := c.Services.Watchlist.Seed(c.Context, cfg.Workers.TrackedWallets)
		if err != nil {
			c.Log.Warnw("failed to seed watchlist", "error", err)
		} else if added > 0 {
			c.Log.Infof("✓ Watchlist seeded with %d wallets", added)
		}
	}

	if c.CH != nil {
		repo := chrepo.NewSnapshotRepository(c.CH.Conn())
		if err := repo.EnsureSchema(c.Context); err != nil {
			c.Log.Fatalf("failed to ensure clickhouse schema: %v", err)
		}
		c.Services.History = history.NewService(repo, history.Config{}, c.Log)
		c.Log.Info("✓ History service initialized")
	}

	if c.Adapters.KafkaProducer != nil {
		c.Services.Publisher = events.NewPublisher(c.Adapters.KafkaProducer, c.Log)
	}

	c.Log.Info("✓ Services initialized")
}

// ========================================
// Phase 5: Application Layer
// ========================================

// MustInitApplication initializes the HTTP surface
func (c *Container) MustInitApplication() {
	var chPinger health.Pinger
	if c.CH != nil {
		chPinger = c.CH
	}

	c.Application.HealthHandler = health.New(
		c.Log,
		c.Redis,
		chPinger,
		c.Chain,
		c.Config.App.Name,
		Version,
	)

	c.Application.APIHandler = api.NewHandler(
		c.Services.Aggregator,
		c.Services.Aggregator,
		c.Services.Routing,
		c.Services.Simulation,
		c.Services.Risk,
		c.Services.Watchlist,
		c.Log,
	)

	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Port:        c.Config.App.HTTPPort,
		ServiceName: c.Config.App.Name,
		Version:     Version,
	}, c.Application.HealthHandler, c.Application.APIHandler, c.Log)
}

// ========================================
// Phase 6: Background Processing
// ========================================

// MustInitBackground initializes workers, the head watcher and consumers
func (c *Container) MustInitBackground() {
	c.Background.WorkerScheduler = c.provideWorkers()

	// Storage-backed gauges (tracked wallets, snapshot rows)
	metrics.RegisterStorageCollector(provideStorageCollector(c))

	// Head watcher turns new blocks into immediate refresh runs
	if c.Config.Workers.HeadWatcherEnabled && c.Config.Chain.WSURL != "" {
		targets := []headwatcher.Target{}
		if c.Background.MarketRefresh != nil {
			targets = append(targets, c.Background.MarketRefresh)
		}
		if c.Background.PositionRefresh != nil {
			targets = append(targets, c.Background.PositionRefresh)
		}
		c.Background.HeadWatcher = headwatcher.New(headwatcher.Config{
			WSURL:   c.Config.Chain.WSURL,
			ChainID: c.Config.Chain.ChainID,
		}, targets, c.Log)
	}

	// Alerts pipeline: Kafka consumer -> dedup -> Telegram
	if c.Adapters.AlertsConsumer != nil && c.Adapters.TelegramNotifier != nil {
		c.Background.AlertsSvc = consumers.NewAlertsConsumer(
			c.Adapters.AlertsConsumer,
			c.Redis,
			c.Adapters.TelegramNotifier,
			c.Log,
		)
	}
}

// ========================================
// Providers
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}

func provideCalculator(cfg config.RiskConfig) *domainrisk.Calculator {
	return domainrisk.NewCalculator(domainrisk.Policy{
		SafetyMargin:        cfg.SafetyMargin,
		LiquidatableBelowHF: cfg.LiquidatableBelowHF,
		CriticalBelowHF:     cfg.CriticalBelowHF,
		HighBelowHF:         cfg.HighBelowHF,
		MediumBelowHF:       cfg.MediumBelowHF,
		LowBelowHF:          cfg.LowBelowHF,
	})
}

func provideKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	log.Info("Initializing Kafka producer...")
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("Kafka brokers not configured, using default localhost:9092")
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Async:   false,
	})
	log.Info("✓ Kafka producer initialized")
	return producer
}

func provideKafkaConsumer(cfg *config.Config, topic string, log *logger.Logger) *kafka.Consumer {
	log.Infow("Initializing Kafka consumer", "topic", topic)
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   topic,
	})
	log.Infow("✓ Kafka consumer initialized", "topic", topic)
	return consumer
}

func provideStorageCollector(c *Container) *metrics.StorageCollector {
	if c.CH != nil {
		return metrics.NewStorageCollector(c.Log, c.Services.Watchlist, c.CH.Conn())
	}
	return metrics.NewStorageCollector(c.Log, c.Services.Watchlist, nil)
}
