package bootstrap

import (
	"atlas/internal/workers"
)

// provideWorkers builds the background refresh loops and registers
// them with one scheduler. Publisher and history hooks stay nil when
// the backing system is disabled; the workers skip them.
func (c *Container) provideWorkers() *workers.Scheduler {
	cfg := c.Config.Workers
	c.Log.Info("Initializing workers...")

	scheduler := workers.NewScheduler()

	var publisher workers.RefreshPublisher
	var alerts workers.AlertPublisher
	if c.Services.Publisher != nil {
		publisher = c.Services.Publisher
		alerts = c.Services.Publisher
	}

	marketRefresh := workers.NewMarketRefreshWorker(
		c.Services.Aggregator,
		publisher,
		cfg.MarketRefreshInterval,
		cfg.MarketRefreshEnabled,
	)
	c.Background.MarketRefresh = marketRefresh
	scheduler.RegisterWorker(marketRefresh)

	positionRefresh := workers.NewPositionRefreshWorker(
		c.Services.Aggregator,
		c.Services.Watchlist,
		publisher,
		cfg.PositionRefreshInterval,
		cfg.PositionRefreshEnabled,
	)
	c.Background.PositionRefresh = positionRefresh
	scheduler.RegisterWorker(positionRefresh)

	scheduler.RegisterWorker(workers.NewHealthMonitorWorker(
		c.Services.Aggregator,
		c.Services.Watchlist,
		c.Services.Calculator,
		alerts,
		c.Config.Chain.ChainID,
		cfg.HealthMonitorInterval,
		cfg.HealthMonitorEnabled,
	))

	if c.Services.History != nil {
		scheduler.RegisterWorker(workers.NewSnapshotWorker(
			c.Services.Aggregator,
			c.Services.Aggregator,
			c.Services.Watchlist,
			c.Services.History,
			c.Config.Chain.ChainID,
			cfg.SnapshotInterval,
			cfg.SnapshotsEnabled,
		))
	}

	c.Log.Infof("✓ Workers initialized (%d registered)", scheduler.Len())
	return scheduler
}
