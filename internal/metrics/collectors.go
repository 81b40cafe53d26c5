package metrics

import (
	"context"
	"time"

	"atlas/pkg/logger"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"
)

// WalletCounter reports the size of the tracked wallet set.
type WalletCounter interface {
	Count(ctx context.Context) (int64, error)
}

// StorageCollector exposes gauges that live in backing stores rather
// than in process memory: the tracked wallet set in Redis and the
// snapshot row counts in ClickHouse.
type StorageCollector struct {
	log        *logger.Logger
	wallets    WalletCounter
	clickhouse driver.Conn // nil when history storage is disabled

	trackedWallets *prometheus.Desc
	snapshotRows   *prometheus.Desc
}

// NewStorageCollector creates a collector over the backing stores.
func NewStorageCollector(log *logger.Logger, wallets WalletCounter, clickhouse driver.Conn) *StorageCollector {
	return &StorageCollector{
		log:        log,
		wallets:    wallets,
		clickhouse: clickhouse,

		trackedWallets: prometheus.NewDesc(
			"atlas_tracked_wallets",
			"Number of wallets on the refresh watchlist",
			nil, nil,
		),
		snapshotRows: prometheus.NewDesc(
			"atlas_snapshot_rows",
			"Stored history snapshot rows by table",
			[]string{"table"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StorageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.trackedWallets
	ch <- c.snapshotRows
}

// Collect implements prometheus.Collector
func (c *StorageCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectTrackedWallets(ctx, ch)
	c.collectSnapshotRows(ctx, ch)
}

func (c *StorageCollector) collectTrackedWallets(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.wallets == nil {
		return
	}

	count, err := c.wallets.Count(ctx)
	if err != nil {
		c.log.Errorw("failed to collect tracked wallet count", "error", err)
		return
	}

	ch <- prometheus.MustNewConstMetric(
		c.trackedWallets,
		prometheus.GaugeValue,
		float64(count),
	)
}

func (c *StorageCollector) collectSnapshotRows(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.clickhouse == nil {
		return
	}

	tables := []string{
		"lending_position_snapshots",
		"lending_portfolio_snapshots",
		"lending_market_snapshots",
	}

	for _, table := range tables {
		var count uint64
		row := c.clickhouse.QueryRow(ctx, "SELECT count() FROM "+table)
		if err := row.Scan(&count); err != nil {
			c.log.Errorw("failed to collect snapshot row count", "table", table, "error", err)
			continue
		}

		ch <- prometheus.MustNewConstMetric(
			c.snapshotRows,
			prometheus.GaugeValue,
			float64(count),
			table,
		)
	}
}

// RegisterStorageCollector registers the collector with the default
// registry. Call once after Init.
func RegisterStorageCollector(collector *StorageCollector) {
	prometheus.MustRegister(collector)
}
