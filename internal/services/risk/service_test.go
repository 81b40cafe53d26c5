package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	domainrisk "atlas/internal/domain/risk"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const testUser = "0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503"

type stubPositions struct {
	agg        *lending.AggregatedPosition
	err        error
	refreshed  int
	cacheReads int
}

func (s *stubPositions) GetUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, cache.Source, error) {
	s.cacheReads++
	if s.err != nil {
		return nil, "", s.err
	}
	return s.agg, cache.SourceAPI, nil
}

func (s *stubPositions) RefreshUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, error) {
	s.refreshed++
	if s.err != nil {
		return nil, s.err
	}
	return s.agg, nil
}

func hfPtr(v float64) *float64 { return &v }

func position(protocol lending.Protocol, supplyUSD, borrowUSD float64, hf *float64) lending.LendingPosition {
	return lending.LendingPosition{
		Protocol:             protocol,
		ChainID:              1,
		MarketID:             string(protocol) + ":test",
		User:                 testUser,
		SupplyBalanceUSD:     decimal.NewFromFloat(supplyUSD),
		BorrowBalanceUSD:     decimal.NewFromFloat(borrowUSD),
		CollateralEnabled:    true,
		LTV:                  decimal.NewFromFloat(0.75),
		LiquidationThreshold: decimal.NewFromFloat(0.8),
		HealthFactor:         hf,
		UpdatedAt:            time.Now(),
	}
}

func newTestService(positions PositionSource) *Service {
	_ = logger.Init("error", "test")
	return NewService(positions, nil, domainrisk.NewCalculator(domainrisk.DefaultPolicy()), logger.Get())
}

func TestGetHealthFactorStatus_ClassifiesLowestFactor(t *testing.T) {
	agg := &lending.AggregatedPosition{
		User:               testUser,
		TotalSupplyUSD:     decimal.NewFromInt(12000),
		TotalBorrowUSD:     decimal.NewFromInt(5000),
		TotalCollateralUSD: decimal.NewFromInt(12000),
		NetWorthUSD:        decimal.NewFromInt(7000),
		LowestHealthFactor: hfPtr(1.25),
		RiskiestProtocol:   lending.ProtocolAaveV3,
		Positions: []lending.LendingPosition{
			position(lending.ProtocolAaveV3, 10000, 5000, hfPtr(1.25)),
			position(lending.ProtocolMorpho, 2000, 0, nil),
		},
		UpdatedAt: time.Now(),
	}
	src := &stubPositions{agg: agg}
	svc := newTestService(src)

	status, err := svc.GetHealthFactorStatus(context.Background(), testUser, StatusOptions{})
	require.NoError(t, err)

	assert.Equal(t, cache.SourceAPI, status.Source)
	assert.Equal(t, domainrisk.LevelHigh, status.Assessment.Level)
	require.NotNil(t, status.Assessment.HealthFactor)
	assert.InDelta(t, 1.25, *status.Assessment.HealthFactor, 1e-9)
	assert.Equal(t, lending.ProtocolAaveV3, status.RiskiestProtocol)
	assert.Equal(t, 1, src.cacheReads)
	assert.Equal(t, 0, src.refreshed)
}

func TestGetHealthFactorStatus_DebtFreeWalletIsSafe(t *testing.T) {
	agg := &lending.AggregatedPosition{
		User:           testUser,
		TotalSupplyUSD: decimal.NewFromInt(3000),
		NetWorthUSD:    decimal.NewFromInt(3000),
		Positions: []lending.LendingPosition{
			position(lending.ProtocolMorpho, 3000, 0, nil),
		},
		UpdatedAt: time.Now(),
	}
	svc := newTestService(&stubPositions{agg: agg})

	status, err := svc.GetHealthFactorStatus(context.Background(), testUser, StatusOptions{})
	require.NoError(t, err)

	assert.Equal(t, domainrisk.LevelSafe, status.Assessment.Level)
	assert.Nil(t, status.Assessment.HealthFactor)
	assert.Equal(t, domainrisk.SeverityNone, status.Assessment.Severity)
	assert.InDelta(t, 99, status.Assessment.PriceDropPct, 1e-9)
}

func TestGetHealthFactorStatus_PerProtocolMinimum(t *testing.T) {
	agg := &lending.AggregatedPosition{
		User:               testUser,
		LowestHealthFactor: hfPtr(1.1),
		RiskiestProtocol:   lending.ProtocolMorpho,
		Positions: []lending.LendingPosition{
			position(lending.ProtocolAaveV3, 10000, 4000, hfPtr(1.8)),
			position(lending.ProtocolAaveV3, 5000, 3000, hfPtr(1.4)),
			position(lending.ProtocolMorpho, 2000, 1500, hfPtr(1.1)),
			position(lending.ProtocolCompoundV3, 1000, 0, nil),
		},
		UpdatedAt: time.Now(),
	}
	svc := newTestService(&stubPositions{agg: agg})

	status, err := svc.GetHealthFactorStatus(context.Background(), testUser, StatusOptions{})
	require.NoError(t, err)

	require.Len(t, status.Protocols, 3)

	byProtocol := map[lending.Protocol]ProtocolHealth{}
	for _, ph := range status.Protocols {
		byProtocol[ph.Protocol] = ph
	}

	aave := byProtocol[lending.ProtocolAaveV3]
	require.NotNil(t, aave.HealthFactor)
	assert.InDelta(t, 1.4, *aave.HealthFactor, 1e-9)
	assert.Equal(t, domainrisk.LevelMedium, aave.Level)

	vault := byProtocol[lending.ProtocolMorpho]
	require.NotNil(t, vault.HealthFactor)
	assert.InDelta(t, 1.1, *vault.HealthFactor, 1e-9)
	assert.Equal(t, domainrisk.LevelHigh, vault.Level)

	comet := byProtocol[lending.ProtocolCompoundV3]
	assert.Nil(t, comet.HealthFactor)
	assert.Equal(t, domainrisk.LevelSafe, comet.Level)
}

func TestGetHealthFactorStatus_RefreshBypassesCache(t *testing.T) {
	agg := &lending.AggregatedPosition{
		User:      testUser,
		UpdatedAt: time.Now(),
	}
	src := &stubPositions{agg: agg}
	svc := newTestService(src)

	status, err := svc.GetHealthFactorStatus(context.Background(), testUser, StatusOptions{Refresh: true})
	require.NoError(t, err)

	assert.Equal(t, cache.SourceOnChain, status.Source)
	assert.Equal(t, 1, src.refreshed)
	assert.Equal(t, 0, src.cacheReads)
}

func TestGetHealthFactorStatus_PositionsErrorPropagates(t *testing.T) {
	src := &stubPositions{err: errors.ErrRPCUnavailable}
	svc := newTestService(src)

	_, err := svc.GetHealthFactorStatus(context.Background(), testUser, StatusOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRPCUnavailable))
}

func TestGetHealthFactorStatus_BorrowCapacity(t *testing.T) {
	agg := &lending.AggregatedPosition{
		User:               testUser,
		LowestHealthFactor: hfPtr(2.5),
		Positions: []lending.LendingPosition{
			position(lending.ProtocolAaveV3, 10000, 1000, hfPtr(2.5)),
		},
		UpdatedAt: time.Now(),
	}
	svc := newTestService(&stubPositions{agg: agg})

	status, err := svc.GetHealthFactorStatus(context.Background(), testUser, StatusOptions{})
	require.NoError(t, err)

	capacity := status.BorrowCapacity
	require.NotNil(t, capacity)
	assert.True(t, capacity.MaxBorrowUSD.Equal(decimal.NewFromInt(7500)), "max = 10000 * 0.75")
	assert.True(t, capacity.SafeBorrowUSD.Equal(decimal.NewFromInt(6000)), "safe = max * 0.8")
	assert.True(t, capacity.RemainingSafeUSD.Equal(decimal.NewFromInt(5000)))
}
