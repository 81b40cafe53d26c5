// Package clickhouse implements the history repositories over the
// native ClickHouse driver. Inserts are batched; callers hand in whole
// batches, never single rows.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// Compile-time check
var _ lending.HistoryRepository = (*SnapshotRepository)(nil)

// SnapshotRepository stores position, portfolio and market snapshots.
type SnapshotRepository struct {
	conn driver.Conn
}

// NewSnapshotRepository creates the snapshot repository.
func NewSnapshotRepository(conn driver.Conn) *SnapshotRepository {
	return &SnapshotRepository{conn: conn}
}

// EnsureSchema creates the snapshot tables when they do not exist yet.
// MergeTree ordered by the query dimensions; TTL keeps the sink from
// growing without bound.
func (r *SnapshotRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lending_position_snapshots (
			timestamp           DateTime64(3),
			user                LowCardinality(String),
			chain_id            Int64,
			protocol            LowCardinality(String),
			market_id           String,
			symbol              LowCardinality(String),
			supply_balance      Float64,
			supply_balance_usd  Float64,
			borrow_balance      Float64,
			borrow_balance_usd  Float64,
			collateral_enabled  Bool,
			health_factor       Nullable(Float64),
			source              LowCardinality(String)
		) ENGINE = MergeTree()
		ORDER BY (user, protocol, market_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 180 DAY`,

		`CREATE TABLE IF NOT EXISTS lending_portfolio_snapshots (
			timestamp             DateTime64(3),
			user                  LowCardinality(String),
			chain_id              Int64,
			total_supply_usd      Float64,
			total_borrow_usd      Float64,
			total_collateral_usd  Float64,
			net_worth_usd         Float64,
			lowest_health_factor  Nullable(Float64),
			riskiest_protocol     LowCardinality(String),
			source                LowCardinality(String)
		) ENGINE = MergeTree()
		ORDER BY (user, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 180 DAY`,

		`CREATE TABLE IF NOT EXISTS lending_market_snapshots (
			timestamp            DateTime64(3),
			chain_id             Int64,
			protocol             LowCardinality(String),
			market_id            String,
			symbol               LowCardinality(String),
			supply_apy           Float64,
			supply_reward_apy    Float64,
			borrow_apy           Float64,
			borrow_reward_apy    Float64,
			total_supply_usd     Float64,
			total_borrow_usd     Float64,
			available_liquidity  Float64,
			utilization          Float64,
			source               LowCardinality(String)
		) ENGINE = MergeTree()
		ORDER BY (protocol, market_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 180 DAY`,
	}

	for _, stmt := range stmts {
		if err := r.conn.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure snapshot schema")
		}
	}
	return nil
}

// InsertPositionSnapshots inserts position rows in one batch.
func (r *SnapshotRepository) InsertPositionSnapshots(ctx context.Context, snaps []lending.PositionSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO lending_position_snapshots (
			timestamp, user, chain_id, protocol, market_id, symbol,
			supply_balance, supply_balance_usd, borrow_balance, borrow_balance_usd,
			collateral_enabled, health_factor, source
		)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare position snapshot batch")
	}

	for _, s := range snaps {
		err := batch.Append(
			s.Timestamp, s.User, s.ChainID, s.Protocol, s.MarketID, s.Symbol,
			s.SupplyBalance, s.SupplyBalanceUSD, s.BorrowBalance, s.BorrowBalanceUSD,
			s.CollateralEnabled, s.HealthFactor, s.Source,
		)
		if err != nil {
			return errors.Wrap(err, "append position snapshot")
		}
	}

	return batch.Send()
}

// InsertPortfolioSnapshots inserts portfolio rows in one batch.
func (r *SnapshotRepository) InsertPortfolioSnapshots(ctx context.Context, snaps []lending.PortfolioSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO lending_portfolio_snapshots (
			timestamp, user, chain_id,
			total_supply_usd, total_borrow_usd, total_collateral_usd, net_worth_usd,
			lowest_health_factor, riskiest_protocol, source
		)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare portfolio snapshot batch")
	}

	for _, s := range snaps {
		err := batch.Append(
			s.Timestamp, s.User, s.ChainID,
			s.TotalSupplyUSD, s.TotalBorrowUSD, s.TotalCollateralUSD, s.NetWorthUSD,
			s.LowestHealthFactor, s.RiskiestProtocol, s.Source,
		)
		if err != nil {
			return errors.Wrap(err, "append portfolio snapshot")
		}
	}

	return batch.Send()
}

// InsertMarketSnapshots inserts market rows in one batch.
func (r *SnapshotRepository) InsertMarketSnapshots(ctx context.Context, snaps []lending.MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO lending_market_snapshots (
			timestamp, chain_id, protocol, market_id, symbol,
			supply_apy, supply_reward_apy, borrow_apy, borrow_reward_apy,
			total_supply_usd, total_borrow_usd, available_liquidity, utilization, source
		)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare market snapshot batch")
	}

	for _, s := range snaps {
		err := batch.Append(
			s.Timestamp, s.ChainID, s.Protocol, s.MarketID, s.Symbol,
			s.SupplyAPY, s.SupplyRewardAPY, s.BorrowAPY, s.BorrowRewardAPY,
			s.TotalSupplyUSD, s.TotalBorrowUSD, s.AvailableLiquidity, s.Utilization, s.Source,
		)
		if err != nil {
			return errors.Wrap(err, "append market snapshot")
		}
	}

	return batch.Send()
}

// GetPositionHistory reads position rows for a user, newest first.
func (r *SnapshotRepository) GetPositionHistory(ctx context.Context, q lending.PositionHistoryQuery) ([]lending.PositionSnapshot, error) {
	sql := `
		SELECT timestamp, user, chain_id, protocol, market_id, symbol,
		       supply_balance, supply_balance_usd, borrow_balance, borrow_balance_usd,
		       collateral_enabled, health_factor, source
		FROM lending_position_snapshots
		WHERE user = $1`
	args := []interface{}{q.User}

	if q.Protocol != "" {
		sql += fmt.Sprintf(` AND protocol = $%d`, len(args)+1)
		args = append(args, string(q.Protocol))
	}
	if !q.Since.IsZero() {
		sql += fmt.Sprintf(` AND timestamp >= $%d`, len(args)+1)
		args = append(args, q.Since)
	}

	sql += ` ORDER BY timestamp DESC`

	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	var snaps []lending.PositionSnapshot
	if err := r.conn.Select(ctx, &snaps, sql, args...); err != nil {
		return nil, errors.Wrap(err, "select position history")
	}
	return snaps, nil
}

// GetPortfolioHistory reads the rollup rows for a user, newest first.
func (r *SnapshotRepository) GetPortfolioHistory(ctx context.Context, user string, since time.Time, limit int) ([]lending.PortfolioSnapshot, error) {
	sql := `
		SELECT timestamp, user, chain_id,
		       total_supply_usd, total_borrow_usd, total_collateral_usd, net_worth_usd,
		       lowest_health_factor, riskiest_protocol, source
		FROM lending_portfolio_snapshots
		WHERE user = $1`
	args := []interface{}{user}

	if !since.IsZero() {
		sql += fmt.Sprintf(` AND timestamp >= $%d`, len(args)+1)
		args = append(args, since)
	}

	sql += ` ORDER BY timestamp DESC`

	if limit > 0 {
		sql += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	var snaps []lending.PortfolioSnapshot
	if err := r.conn.Select(ctx, &snaps, sql, args...); err != nil {
		return nil, errors.Wrap(err, "select portfolio history")
	}
	return snaps, nil
}

// GetMarketHistory reads rate rows for one market, newest first.
func (r *SnapshotRepository) GetMarketHistory(ctx context.Context, q lending.MarketHistoryQuery) ([]lending.MarketSnapshot, error) {
	sql := `
		SELECT timestamp, chain_id, protocol, market_id, symbol,
		       supply_apy, supply_reward_apy, borrow_apy, borrow_reward_apy,
		       total_supply_usd, total_borrow_usd, available_liquidity, utilization, source
		FROM lending_market_snapshots
		WHERE protocol = $1 AND market_id = $2`
	args := []interface{}{string(q.Protocol), q.MarketID}

	if !q.Since.IsZero() {
		sql += fmt.Sprintf(` AND timestamp >= $%d`, len(args)+1)
		args = append(args, q.Since)
	}

	sql += ` ORDER BY timestamp DESC`

	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	var snaps []lending.MarketSnapshot
	if err := r.conn.Select(ctx, &snaps, sql, args...); err != nil {
		return nil, errors.Wrap(err, "select market history")
	}
	return snaps, nil
}
