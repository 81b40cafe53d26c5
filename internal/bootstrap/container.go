package bootstrap

import (
	"context"
	"sync"

	"atlas/internal/adapters/evm"
	"atlas/internal/adapters/evm/headwatcher"
	"atlas/internal/adapters/kafka"
	"atlas/internal/adapters/morpho"
	"atlas/internal/adapters/prices"
	"atlas/internal/adapters/protocols"
	"atlas/internal/adapters/telegram"
	"atlas/internal/adapters/yields"
	"atlas/internal/api"
	"atlas/internal/api/health"
	"atlas/internal/cache"
	"atlas/internal/consumers"
	domainrisk "atlas/internal/domain/risk"
	"atlas/internal/events"
	"atlas/internal/services/aggregator"
	"atlas/internal/services/history"
	riskservice "atlas/internal/services/risk"
	"atlas/internal/services/routing"
	"atlas/internal/services/simulation"
	"atlas/internal/services/watchlist"
	"atlas/internal/workers"
	"atlas/pkg/errors"
	"atlas/pkg/logger"

	chclient "atlas/internal/adapters/clickhouse"
	"atlas/internal/adapters/config"
	redisclient "atlas/internal/adapters/redis"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure Layer (Data stores, chain access)
	CH    *chclient.Client // nil when history storage is disabled
	Redis *redisclient.Client
	Cache *cache.Tiered
	Chain *evm.Client

	// External Adapters
	Adapters *Adapters

	// Domain Services
	Services *Services

	// Application Layer
	Application *Application

	// Background Processing
	Background *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Adapters groups all external adapters
type Adapters struct {
	// Off-chain data sources
	Yields *yields.Client // reward APYs (DefiLlama)
	Morpho *morpho.Client // vault stats (Morpho GraphQL)
	Prices *prices.Source // Chainlink first, CoinGecko fallback

	// Protocol adapters behind one registry
	Registry *protocols.Registry

	// Kafka
	KafkaProducer  *kafka.Producer
	AlertsConsumer *kafka.Consumer

	// Telegram
	TelegramBot      *telegram.Bot
	TelegramNotifier *telegram.Notifier
}

// Services groups all domain services
type Services struct {
	Calculator *domainrisk.Calculator
	Aggregator *aggregator.Service
	Routing    *routing.Service
	Simulation *simulation.Service
	Risk       *riskservice.Service
	Watchlist  *watchlist.Service
	History    *history.Service // nil when ClickHouse is disabled

	Publisher *events.Publisher // nil when Kafka is disabled
}

// Application groups application layer components
type Application struct {
	HTTPServer    *api.Server
	HealthHandler *health.Handler
	APIHandler    *api.Handler
}

// Background groups all background processing components
type Background struct {
	WorkerScheduler *workers.Scheduler
	HeadWatcher     *headwatcher.Watcher // nil when no WS URL is configured

	MarketRefresh   *workers.MarketRefreshWorker
	PositionRefresh *workers.PositionRefreshWorker

	AlertsSvc *consumers.AlertsConsumer // nil when Kafka or Telegram is disabled
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Adapters:    &Adapters{},
		Services:    &Services{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes all components in the correct order
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitAdapters()
	c.MustInitServices()
	c.MustInitApplication()
	c.MustInitBackground()
}

// Start starts all background components
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	// History flusher first so snapshot workers have somewhere to write
	if c.Services.History != nil {
		c.Services.History.Start(c.Context)
		c.Log.Info("✓ History writer started")
	}

	// Alerts consumer
	if c.Background.AlertsSvc != nil {
		c.WG.Add(1)
		go func() {
			defer c.WG.Done()
			if err := c.Background.AlertsSvc.Start(c.Context); err != nil && c.Context.Err() == nil {
				c.Log.Errorw("alerts consumer failed", "error", err)
			}
		}()
		c.Log.Info("✓ Alerts consumer started")
	}

	// Background workers
	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	// Head watcher nudges refresh workers on new blocks; polling alone
	// covers the degraded case, so a start failure is fatal only for
	// misconfiguration (Start validates, the connect loop retries).
	if c.Background.HeadWatcher != nil {
		if err := c.Background.HeadWatcher.Start(c.Context); err != nil {
			return errors.Wrap(err, "failed to start head watcher")
		}
		c.Log.Info("✓ Head watcher started")
	}

	// Start HTTP server
	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Info("✓ All systems operational")
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	// Stop the head watcher first so no new refreshes get nudged
	if c.Background.HeadWatcher != nil {
		c.Background.HeadWatcher.Stop()
		c.Log.Info("✓ Head watcher stopped")
	}

	// Cancel application context to signal all components to stop
	c.Cancel()

	c.Lifecycle.Shutdown(
		c.WG,
		c.Application.HTTPServer,
		c.Background.WorkerScheduler,
		c.Services.History,
		c.Adapters.KafkaProducer,
		c.Adapters.AlertsConsumer,
		c.Cache,
		c.Chain,
		c.CH,
		c.Redis,
		c.ErrorTracker,
		c.Log,
	)
}
