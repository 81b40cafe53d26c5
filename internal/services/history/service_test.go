package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

type fakeHistoryRepo struct {
	mu sync.Mutex

	positionBatches  [][]lending.PositionSnapshot
	portfolioBatches [][]lending.PortfolioSnapshot
	marketBatches    [][]lending.MarketSnapshot

	lastPositionQuery lending.PositionHistoryQuery
	lastMarketQuery   lending.MarketHistoryQuery
	lastLimit         int

	positionRows []lending.PositionSnapshot
	insertErr    error
}

var _ lending.HistoryRepository = (*fakeHistoryRepo)(nil)

func (f *fakeHistoryRepo) InsertPositionSnapshots(_ context.Context, snaps []lending.PositionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.positionBatches = append(f.positionBatches, append([]lending.PositionSnapshot(nil), snaps...))
	return nil
}

func (f *fakeHistoryRepo) InsertPortfolioSnapshots(_ context.Context, snaps []lending.PortfolioSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.portfolioBatches = append(f.portfolioBatches, append([]lending.PortfolioSnapshot(nil), snaps...))
	return nil
}

func (f *fakeHistoryRepo) InsertMarketSnapshots(_ context.Context, snaps []lending.MarketSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.marketBatches = append(f.marketBatches, append([]lending.MarketSnapshot(nil), snaps...))
	return nil
}

func (f *fakeHistoryRepo) GetPositionHistory(_ context.Context, q lending.PositionHistoryQuery) ([]lending.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPositionQuery = q
	return f.positionRows, nil
}

func (f *fakeHistoryRepo) GetPortfolioHistory(_ context.Context, _ string, _ time.Time, limit int) ([]lending.PortfolioSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return nil, nil
}

func (f *fakeHistoryRepo) GetMarketHistory(_ context.Context, q lending.MarketHistoryQuery) ([]lending.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMarketQuery = q
	return nil, nil
}

func (f *fakeHistoryRepo) positionRowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.positionBatches {
		n += len(b)
	}
	return n
}

func newTestService(t *testing.T, repo *fakeHistoryRepo, cfg Config) *Service {
	t.Helper()
	require.NoError(t, logger.Init("error", "test"))
	return NewService(repo, cfg, logger.Get())
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testAggregate() *lending.AggregatedPosition {
	hf := 1.42
	lowest := 1.42
	return &lending.AggregatedPosition{
		User:               "0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503",
		TotalSupplyUSD:     dec("15000"),
		TotalBorrowUSD:     dec("6000"),
		TotalCollateralUSD: dec("15000"),
		NetWorthUSD:        dec("9000"),
		LowestHealthFactor: &lowest,
		RiskiestProtocol:   lending.ProtocolAaveV3,
		Positions: []lending.LendingPosition{
			{
				Protocol:          lending.ProtocolAaveV3,
				ChainID:           1,
				MarketID:          "aave-v3:usdc",
				User:              "0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503",
				Asset:             lending.Asset{Symbol: "USDC", Decimals: 6},
				SupplyBalance:     dec("15000"),
				SupplyBalanceUSD:  dec("15000"),
				BorrowBalance:     dec("6000"),
				BorrowBalanceUSD:  dec("6000"),
				CollateralEnabled: true,
				HealthFactor:      &hf,
			},
			{
				Protocol:         lending.ProtocolCompoundV3,
				ChainID:          1,
				MarketID:         "compound-v3:weth",
				User:             "0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503",
				Asset:            lending.Asset{Symbol: "WETH", Decimals: 18},
				SupplyBalance:    dec("2"),
				SupplyBalanceUSD: dec("5000"),
			},
		},
		ProtocolsAttempted: 2,
		ProtocolsSucceeded: 2,
	}
}

func TestRecordPositionsBuffersUntilFlush(t *testing.T) {
	repo := &fakeHistoryRepo{}
	svc := newTestService(t, repo, Config{})
	ctx := context.Background()

	require.NoError(t, svc.RecordPositions(ctx, testAggregate(), 1, lending.SnapshotReal))

	assert.Empty(t, repo.positionBatches, "rows should stay buffered until a flush")
	assert.Empty(t, repo.portfolioBatches)

	require.NoError(t, svc.Flush(ctx))

	require.Len(t, repo.positionBatches, 1)
	rows := repo.positionBatches[0]
	require.Len(t, rows, 2)

	aave := rows[0]
	assert.Equal(t, "aave-v3:usdc", aave.MarketID)
	assert.Equal(t, "USDC", aave.Symbol)
	assert.Equal(t, string(lending.SnapshotReal), aave.Source)
	assert.InDelta(t, 15000, aave.SupplyBalanceUSD, 1e-9)
	require.NotNil(t, aave.HealthFactor)
	assert.InDelta(t, 1.42, *aave.HealthFactor, 1e-9)

	compound := rows[1]
	assert.Nil(t, compound.HealthFactor, "debt-free position has no health factor")
	assert.True(t, compound.Timestamp.Equal(aave.Timestamp), "one snapshot shares one timestamp")

	require.Len(t, repo.portfolioBatches, 1)
	require.Len(t, repo.portfolioBatches[0], 1)
	rollup := repo.portfolioBatches[0][0]
	assert.Equal(t, int64(1), rollup.ChainID)
	assert.InDelta(t, 9000, rollup.NetWorthUSD, 1e-9)
	assert.Equal(t, string(lending.ProtocolAaveV3), rollup.RiskiestProtocol)
	require.NotNil(t, rollup.LowestHealthFactor)
	assert.InDelta(t, 1.42, *rollup.LowestHealthFactor, 1e-9)
}

func TestRecordMarketsCarriesSource(t *testing.T) {
	repo := &fakeHistoryRepo{}
	svc := newTestService(t, repo, Config{})
	ctx := context.Background()

	result := &lending.MarketsResult{
		Markets: []lending.LendingMarket{
			{
				Protocol:           lending.ProtocolAaveV3,
				ChainID:            1,
				MarketID:           "aave-v3:usdc",
				Asset:              lending.Asset{Symbol: "USDC", Decimals: 6},
				SupplyAPY:          dec("0.031"),
				BorrowAPY:          dec("0.052"),
				TotalSupplyUSD:     dec("1200000"),
				TotalBorrowUSD:     dec("800000"),
				AvailableLiquidity: dec("400000"),
				Utilization:        dec("0.666"),
			},
		},
		ProtocolsAttempted: 1,
		ProtocolsSucceeded: 1,
	}

	require.NoError(t, svc.RecordMarkets(ctx, result, lending.SnapshotSimulated))
	require.NoError(t, svc.Flush(ctx))

	require.Len(t, repo.marketBatches, 1)
	require.Len(t, repo.marketBatches[0], 1)
	row := repo.marketBatches[0][0]
	assert.Equal(t, string(lending.SnapshotSimulated), row.Source)
	assert.Equal(t, "aave-v3:usdc", row.MarketID)
	assert.InDelta(t, 0.031, row.SupplyAPY, 1e-9)
	assert.InDelta(t, 0.666, row.Utilization, 1e-9)
}

func TestSizeCapFlushesWithoutTicker(t *testing.T) {
	repo := &fakeHistoryRepo{}
	svc := newTestService(t, repo, Config{MaxBatchSize: 2})
	ctx := context.Background()

	require.NoError(t, svc.RecordPositions(ctx, testAggregate(), 1, lending.SnapshotReal))

	assert.Equal(t, 2, repo.positionRowCount(), "hitting the size cap flushes synchronously")
	assert.Empty(t, repo.portfolioBatches, "portfolio row stays buffered below its own cap")
}

func TestStopFlushesBufferedRows(t *testing.T) {
	repo := &fakeHistoryRepo{}
	svc := newTestService(t, repo, Config{})
	ctx := context.Background()

	svc.Start(ctx)
	require.NoError(t, svc.RecordPositions(ctx, testAggregate(), 1, lending.SnapshotReal))
	require.NoError(t, svc.Stop(ctx))

	assert.Equal(t, 2, repo.positionRowCount())
	require.Len(t, repo.portfolioBatches, 1)
}

func TestRecordRejectsUnknownSource(t *testing.T) {
	repo := &fakeHistoryRepo{}
	svc := newTestService(t, repo, Config{})
	ctx := context.Background()

	err := svc.RecordPositions(ctx, testAggregate(), 1, lending.SnapshotSource("guess"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	err = svc.RecordMarkets(ctx, &lending.MarketsResult{}, lending.SnapshotSource(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestNilInputsAreNoops(t *testing.T) {
	repo := &fakeHistoryRepo{}
	svc := newTestService(t, repo, Config{})
	ctx := context.Background()

	require.NoError(t, svc.RecordPositions(ctx, nil, 1, lending.SnapshotReal))
	require.NoError(t, svc.RecordMarkets(ctx, nil, lending.SnapshotReal))
	require.NoError(t, svc.Flush(ctx))

	assert.Empty(t, repo.positionBatches)
	assert.Empty(t, repo.portfolioBatches)
	assert.Empty(t, repo.marketBatches)
}

func TestReadsValidateAndBoundQueries(t *testing.T) {
	repo := &fakeHistoryRepo{
		positionRows: []lending.PositionSnapshot{{User: "0xabc", MarketID: "aave-v3:usdc"}},
	}
	svc := newTestService(t, repo, Config{})
	ctx := context.Background()

	_, err := svc.PositionHistory(ctx, lending.PositionHistoryQuery{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	rows, err := svc.PositionHistory(ctx, lending.PositionHistoryQuery{User: "0xabc"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1000, repo.lastPositionQuery.Limit, "unset limit gets bounded")

	_, err = svc.MarketHistory(ctx, lending.MarketHistoryQuery{Protocol: lending.ProtocolAaveV3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = svc.MarketHistory(ctx, lending.MarketHistoryQuery{Protocol: lending.ProtocolAaveV3, MarketID: "aave-v3:usdc", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 50, repo.lastMarketQuery.Limit, "explicit limit passes through")

	_, err = svc.PortfolioHistory(ctx, "", time.Time{}, 0)
	require.Error(t, err)

	_, err = svc.PortfolioHistory(ctx, "0xabc", time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1000, repo.lastLimit)
}
