package testsupport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"atlas/internal/adapters/clickhouse"
	"atlas/internal/adapters/config"
	"atlas/internal/domain/lending"
)

// ClickHouseTestHelper manages cleanup for ClickHouse integration tests.
type ClickHouseTestHelper struct {
	client *clickhouse.Client
}

// NewClickHouseTestHelper creates a ClickHouse client for tests.
func NewClickHouseTestHelper(t *testing.T, cfg config.ClickHouseConfig) *ClickHouseTestHelper {
	t.Helper()

	client, err := clickhouse.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to connect to clickhouse: %v", err)
	}

	helper := &ClickHouseTestHelper{client: client}
	t.Cleanup(func() { _ = client.Close() })
	return helper
}

// CreateTempTable creates a temporary table and registers cleanup.
func (h *ClickHouseTestHelper) CreateTempTable(t *testing.T, schema string) string {
	t.Helper()

	table := fmt.Sprintf("tmp_test_%d", time.Now().UnixNano())
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree() ORDER BY tuple()", table, schema)

	if err := h.client.Exec(context.Background(), query); err != nil {
		t.Fatalf("failed to create clickhouse table: %v", err)
	}

	t.Cleanup(func() {
		_ = h.client.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
	})

	return table
}

// CleanupTable drops the provided table immediately.
func (h *ClickHouseTestHelper) CleanupTable(ctx context.Context, table string) error {
	return h.client.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
}

// TruncateTable removes all data from the table but keeps the structure
func (h *ClickHouseTestHelper) TruncateTable(ctx context.Context, table string) error {
	return h.client.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE IF EXISTS %s", table))
}

// RegisterTableCleanup schedules cleanup of specific table data after test completes
// This is useful when working with shared tables that shouldn't be dropped
func (h *ClickHouseTestHelper) RegisterTableCleanup(t *testing.T, table, condition string) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, condition)
		_ = h.client.Exec(ctx, query)
	})
}

// Client exposes the raw ClickHouse client for queries.
func (h *ClickHouseTestHelper) Client() *clickhouse.Client {
	return h.client
}

// CreateBatch is a generic function to insert test data into ClickHouse tables
// Usage: testsupport.CreateBatch(t, helper, testsupport.InsertMarketSnapshots, rows)
func CreateBatch[T any](t *testing.T, helper *ClickHouseTestHelper, insertQuery string, items []T) {
	t.Helper()

	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := helper.client.Conn().PrepareBatch(ctx, insertQuery)
	if err != nil {
		t.Fatalf("failed to prepare batch: %v", err)
	}

	for _, item := range items {
		if err := batch.AppendStruct(&item); err != nil {
			t.Fatalf("failed to append item to batch: %v", err)
		}
	}

	if err := batch.Send(); err != nil {
		t.Fatalf("failed to send batch: %v", err)
	}
}

// Predefined insert queries for the snapshot tables
const (
	InsertPositionSnapshots = `
		INSERT INTO lending_position_snapshots (
			timestamp, user, chain_id, protocol, market_id, symbol,
			supply_balance, supply_balance_usd, borrow_balance, borrow_balance_usd,
			collateral_enabled, health_factor, source
		)
	`

	InsertMarketSnapshots = `
		INSERT INTO lending_market_snapshots (
			timestamp, chain_id, protocol, market_id, symbol,
			supply_apy, supply_reward_apy, borrow_apy, borrow_reward_apy,
			total_supply_usd, total_borrow_usd, available_liquidity, utilization, source
		)
	`
)

// ========================================
// Fixture Builders for ClickHouse Tests
// ========================================

// PositionSnapshotFixture provides builder pattern for position snapshot rows
type PositionSnapshotFixture struct {
	snap lending.PositionSnapshot
}

// NewPositionSnapshotFixture creates a default position snapshot row.
// Default: a collateralized USDC supply on aave-v3, mainnet, real source.
func NewPositionSnapshotFixture() *PositionSnapshotFixture {
	return &PositionSnapshotFixture{
		snap: lending.PositionSnapshot{
			Timestamp:         time.Now().UTC().Truncate(time.Millisecond),
			User:              "0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503",
			ChainID:           1,
			Protocol:          "aave-v3",
			MarketID:          "aave-v3:usdc",
			Symbol:            "USDC",
			SupplyBalance:     1000,
			SupplyBalanceUSD:  1000,
			CollateralEnabled: true,
			Source:            string(lending.SnapshotReal),
		},
	}
}

// WithUser sets the wallet address
func (f *PositionSnapshotFixture) WithUser(user string) *PositionSnapshotFixture {
	f.snap.User = user
	return f
}

// WithMarket sets the protocol, market id and symbol together
func (f *PositionSnapshotFixture) WithMarket(protocol, marketID, symbol string) *PositionSnapshotFixture {
	f.snap.Protocol = protocol
	f.snap.MarketID = marketID
	f.snap.Symbol = symbol
	return f
}

// WithBalances sets supply and borrow balances, valuing each at 1 USD
func (f *PositionSnapshotFixture) WithBalances(supply, borrow float64) *PositionSnapshotFixture {
	f.snap.SupplyBalance = supply
	f.snap.SupplyBalanceUSD = supply
	f.snap.BorrowBalance = borrow
	f.snap.BorrowBalanceUSD = borrow
	return f
}

// WithHealthFactor sets the health factor
func (f *PositionSnapshotFixture) WithHealthFactor(hf float64) *PositionSnapshotFixture {
	f.snap.HealthFactor = &hf
	return f
}

// WithTimestamp sets the observation time
func (f *PositionSnapshotFixture) WithTimestamp(at time.Time) *PositionSnapshotFixture {
	f.snap.Timestamp = at.UTC().Truncate(time.Millisecond)
	return f
}

// WithSource sets the snapshot source
func (f *PositionSnapshotFixture) WithSource(source lending.SnapshotSource) *PositionSnapshotFixture {
	f.snap.Source = string(source)
	return f
}

// Build returns the configured row
func (f *PositionSnapshotFixture) Build() lending.PositionSnapshot {
	return f.snap
}

// BuildMany returns n sequential rows one minute apart, oldest first
func (f *PositionSnapshotFixture) BuildMany(n int) []lending.PositionSnapshot {
	rows := make([]lending.PositionSnapshot, 0, n)
	for i := 0; i < n; i++ {
		row := f.snap
		row.Timestamp = f.snap.Timestamp.Add(time.Duration(i) * time.Minute)
		rows = append(rows, row)
	}
	return rows
}

// MarketSnapshotFixture provides builder pattern for market snapshot rows
type MarketSnapshotFixture struct {
	snap lending.MarketSnapshot
}

// NewMarketSnapshotFixture creates a default market snapshot row.
// Default: the aave-v3 USDC market with realistic mainnet rates.
func NewMarketSnapshotFixture() *MarketSnapshotFixture {
	return &MarketSnapshotFixture{
		snap: lending.MarketSnapshot{
			Timestamp:          time.Now().UTC().Truncate(time.Millisecond),
			ChainID:            1,
			Protocol:           "aave-v3",
			MarketID:           "aave-v3:usdc",
			Symbol:             "USDC",
			SupplyAPY:          0.031,
			BorrowAPY:          0.052,
			TotalSupplyUSD:     1_200_000,
			TotalBorrowUSD:     800_000,
			AvailableLiquidity: 400_000,
			Utilization:        0.666,
			Source:             string(lending.SnapshotReal),
		},
	}
}

// WithMarket sets the protocol, market id and symbol together
func (f *MarketSnapshotFixture) WithMarket(protocol, marketID, symbol string) *MarketSnapshotFixture {
	f.snap.Protocol = protocol
	f.snap.MarketID = marketID
	f.snap.Symbol = symbol
	return f
}

// WithRates sets the base supply and borrow APY
func (f *MarketSnapshotFixture) WithRates(supplyAPY, borrowAPY float64) *MarketSnapshotFixture {
	f.snap.SupplyAPY = supplyAPY
	f.snap.BorrowAPY = borrowAPY
	return f
}

// WithLiquidity sets pool sizes and recomputes utilization
func (f *MarketSnapshotFixture) WithLiquidity(totalSupplyUSD, totalBorrowUSD float64) *MarketSnapshotFixture {
	f.snap.TotalSupplyUSD = totalSupplyUSD
	f.snap.TotalBorrowUSD = totalBorrowUSD
	f.snap.AvailableLiquidity = totalSupplyUSD - totalBorrowUSD
	if totalSupplyUSD > 0 {
		f.snap.Utilization = totalBorrowUSD / totalSupplyUSD
	}
	return f
}

// WithTimestamp sets the observation time
func (f *MarketSnapshotFixture) WithTimestamp(at time.Time) *MarketSnapshotFixture {
	f.snap.Timestamp = at.UTC().Truncate(time.Millisecond)
	return f
}

// WithSource sets the snapshot source
func (f *MarketSnapshotFixture) WithSource(source lending.SnapshotSource) *MarketSnapshotFixture {
	f.snap.Source = string(source)
	return f
}

// Build returns the configured row
func (f *MarketSnapshotFixture) Build() lending.MarketSnapshot {
	return f.snap
}

// BuildMany returns n sequential rows five minutes apart, oldest first
func (f *MarketSnapshotFixture) BuildMany(n int) []lending.MarketSnapshot {
	rows := make([]lending.MarketSnapshot, 0, n)
	for i := 0; i < n; i++ {
		row := f.snap
		row.Timestamp = f.snap.Timestamp.Add(time.Duration(i) * 5 * time.Minute)
		rows = append(rows, row)
	}
	return rows
}
