// Package history streams position, portfolio and market snapshots
// into ClickHouse through size/age batch writers. The tables are an
// observability sink: aggregation, routing and risk never read them
// back, reads exist only for the charting endpoints.
package history

import (
	"context"
	"time"

	"atlas/internal/domain/lending"
	"atlas/internal/metrics"
	"atlas/pkg/clickhouse"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// defaultReadLimit bounds history reads when the caller does not set
// a limit. Unbounded selects do not belong on the API path.
const defaultReadLimit = 1000

// Config tunes the snapshot batch writers. Zero values fall back to
// the writer defaults (500 rows, 5s).
type Config struct {
	MaxBatchSize int
	MaxAge       time.Duration
}

// Service buffers snapshot rows and flushes them in batches.
type Service struct {
	repo lending.HistoryRepository
	log  *logger.Logger

	positions  *clickhouse.BatchWriter
	portfolios *clickhouse.BatchWriter
	markets    *clickhouse.BatchWriter
}

// NewService creates the history service around a snapshot repository.
func NewService(repo lending.HistoryRepository, cfg Config, log *logger.Logger) *Service {
	s := &Service{
		repo: repo,
		log:  log.Named("history"),
	}

	s.positions = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig{
		FlushFunc:    s.flushPositions,
		TableName:    "lending_position_snapshots",
		MaxBatchSize: cfg.MaxBatchSize,
		MaxAge:       cfg.MaxAge,
	})
	s.portfolios = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig{
		FlushFunc:    s.flushPortfolios,
		TableName:    "lending_portfolio_snapshots",
		MaxBatchSize: cfg.MaxBatchSize,
		MaxAge:       cfg.MaxAge,
	})
	s.markets = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig{
		FlushFunc:    s.flushMarkets,
		TableName:    "lending_market_snapshots",
		MaxBatchSize: cfg.MaxBatchSize,
		MaxAge:       cfg.MaxAge,
	})

	return s
}

// Start begins the background flush tickers.
func (s *Service) Start(ctx context.Context) {
	s.positions.Start(ctx)
	s.portfolios.Start(ctx)
	s.markets.Start(ctx)
}

// Stop flushes whatever is buffered and shuts the writers down.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error
	for _, bw := range s.writers() {
		if err := bw.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush forces all three writers to flush immediately.
func (s *Service) Flush(ctx context.Context) error {
	var firstErr error
	for _, bw := range s.writers() {
		if err := bw.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) writers() []*clickhouse.BatchWriter {
	return []*clickhouse.BatchWriter{s.positions, s.portfolios, s.markets}
}

// RecordPositions buffers one snapshot of a user's aggregated positions
// plus the portfolio rollup row derived from it. Rows land in ClickHouse
// on the next flush.
func (s *Service) RecordPositions(ctx context.Context, agg *lending.AggregatedPosition, chainID int64, source lending.SnapshotSource) error {
	if agg == nil {
		return nil
	}
	if !source.Valid() {
		return errors.Wrapf(errors.ErrInvalidInput, "snapshot source %q", source)
	}

	at := time.Now().UTC()
	for _, snap := range lending.SnapshotPositions(agg, source, at) {
		if err := s.positions.Add(ctx, snap); err != nil {
			return err
		}
	}
	if rollup := lending.SnapshotPortfolio(agg, chainID, source, at); rollup != nil {
		if err := s.portfolios.Add(ctx, *rollup); err != nil {
			return err
		}
	}
	return nil
}

// RecordMarkets buffers one rate row per market in the merged set.
func (s *Service) RecordMarkets(ctx context.Context, result *lending.MarketsResult, source lending.SnapshotSource) error {
	if result == nil {
		return nil
	}
	if !source.Valid() {
		return errors.Wrapf(errors.ErrInvalidInput, "snapshot source %q", source)
	}

	at := time.Now().UTC()
	for _, snap := range lending.SnapshotMarkets(result, source, at) {
		if err := s.markets.Add(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// PositionHistory reads stored position rows, newest first.
func (s *Service) PositionHistory(ctx context.Context, q lending.PositionHistoryQuery) ([]lending.PositionSnapshot, error) {
	if q.User == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "user is required")
	}
	if q.Limit <= 0 {
		q.Limit = defaultReadLimit
	}

	started := time.Now()
	snaps, err := s.repo.GetPositionHistory(ctx, q)
	metrics.RecordDBQuery("clickhouse", "select_position_history", time.Since(started), err)
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// PortfolioHistory reads the rollup rows for a user, newest first.
func (s *Service) PortfolioHistory(ctx context.Context, user string, since time.Time, limit int) ([]lending.PortfolioSnapshot, error) {
	if user == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "user is required")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	started := time.Now()
	snaps, err := s.repo.GetPortfolioHistory(ctx, user, since, limit)
	metrics.RecordDBQuery("clickhouse", "select_portfolio_history", time.Since(started), err)
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// MarketHistory reads rate rows for one market, newest first.
func (s *Service) MarketHistory(ctx context.Context, q lending.MarketHistoryQuery) ([]lending.MarketSnapshot, error) {
	if q.Protocol == "" || q.MarketID == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "protocol and market id are required")
	}
	if q.Limit <= 0 {
		q.Limit = defaultReadLimit
	}

	started := time.Now()
	snaps, err := s.repo.GetMarketHistory(ctx, q)
	metrics.RecordDBQuery("clickhouse", "select_market_history", time.Since(started), err)
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

func (s *Service) flushPositions(ctx context.Context, batch []interface{}) error {
	rows := make([]lending.PositionSnapshot, 0, len(batch))
	for _, item := range batch {
		snap, ok := item.(lending.PositionSnapshot)
		if !ok {
			s.log.Warnf("skipping unexpected item type %T", item)
			continue
		}
		rows = append(rows, snap)
	}

	started := time.Now()
	err := s.repo.InsertPositionSnapshots(ctx, rows)
	metrics.RecordDBQuery("clickhouse", "insert_position_snapshots", time.Since(started), err)
	return err
}

func (s *Service) flushPortfolios(ctx context.Context, batch []interface{}) error {
	rows := make([]lending.PortfolioSnapshot, 0, len(batch))
	for _, item := range batch {
		snap, ok := item.(lending.PortfolioSnapshot)
		if !ok {
			s.log.Warnf("skipping unexpected item type %T", item)
			continue
		}
		rows = append(rows, snap)
	}

	started := time.Now()
	err := s.repo.InsertPortfolioSnapshots(ctx, rows)
	metrics.RecordDBQuery("clickhouse", "insert_portfolio_snapshots", time.Since(started), err)
	return err
}

func (s *Service) flushMarkets(ctx context.Context, batch []interface{}) error {
	rows := make([]lending.MarketSnapshot, 0, len(batch))
	for _, item := range batch {
		snap, ok := item.(lending.MarketSnapshot)
		if !ok {
			s.log.Warnf("skipping unexpected item type %T", item)
			continue
		}
		rows = append(rows, snap)
	}

	started := time.Now()
	err := s.repo.InsertMarketSnapshots(ctx, rows)
	metrics.RecordDBQuery("clickhouse", "insert_market_snapshots", time.Since(started), err)
	return err
}
