package lending

import (
	"context"
	"time"
)

// SnapshotSource flags whether a historical snapshot was observed on
// chain or produced by a simulation. Simulated rows are never
// substituted for real ones; readers always see which they have.
type SnapshotSource string

const (
	SnapshotReal      SnapshotSource = "real"
	SnapshotSimulated SnapshotSource = "simulated"
)

// Valid checks if the snapshot source is known.
func (s SnapshotSource) Valid() bool {
	return s == SnapshotReal || s == SnapshotSimulated
}

// History rows are an observability sink: core aggregation and risk
// logic never read them back, so they store plain floats rather than
// decimals and flatten for columnar storage.

// PositionSnapshot is one point-in-time observation of a user's
// position in one market.
type PositionSnapshot struct {
	Timestamp time.Time `ch:"timestamp" json:"timestamp"`
	User      string    `ch:"user" json:"user"`
	ChainID   int64     `ch:"chain_id" json:"chainId"`
	Protocol  string    `ch:"protocol" json:"protocol"`
	MarketID  string    `ch:"market_id" json:"marketId"`
	Symbol    string    `ch:"symbol" json:"symbol"`

	SupplyBalance     float64 `ch:"supply_balance" json:"supplyBalance"`
	SupplyBalanceUSD  float64 `ch:"supply_balance_usd" json:"supplyBalanceUsd"`
	BorrowBalance     float64 `ch:"borrow_balance" json:"borrowBalance"`
	BorrowBalanceUSD  float64 `ch:"borrow_balance_usd" json:"borrowBalanceUsd"`
	CollateralEnabled bool    `ch:"collateral_enabled" json:"collateralEnabled"`

	// nil when the position carries no debt
	HealthFactor *float64 `ch:"health_factor" json:"healthFactor,omitempty"`

	Source string `ch:"source" json:"source"`
}

// PortfolioSnapshot is one point-in-time observation of a user's
// cross-protocol rollup, one row per user per tick.
type PortfolioSnapshot struct {
	Timestamp time.Time `ch:"timestamp" json:"timestamp"`
	User      string    `ch:"user" json:"user"`
	ChainID   int64     `ch:"chain_id" json:"chainId"`

	TotalSupplyUSD     float64 `ch:"total_supply_usd" json:"totalSupplyUsd"`
	TotalBorrowUSD     float64 `ch:"total_borrow_usd" json:"totalBorrowUsd"`
	TotalCollateralUSD float64 `ch:"total_collateral_usd" json:"totalCollateralUsd"`
	NetWorthUSD        float64 `ch:"net_worth_usd" json:"netWorthUsd"`

	// nil when no protocol carries debt
	LowestHealthFactor *float64 `ch:"lowest_health_factor" json:"lowestHealthFactor,omitempty"`
	RiskiestProtocol   string   `ch:"riskiest_protocol" json:"riskiestProtocol,omitempty"`

	Source string `ch:"source" json:"source"`
}

// MarketSnapshot is one point-in-time observation of a market's rates
// and liquidity, for APY history charts.
type MarketSnapshot struct {
	Timestamp time.Time `ch:"timestamp" json:"timestamp"`
	ChainID   int64     `ch:"chain_id" json:"chainId"`
	Protocol  string    `ch:"protocol" json:"protocol"`
	MarketID  string    `ch:"market_id" json:"marketId"`
	Symbol    string    `ch:"symbol" json:"symbol"`

	SupplyAPY       float64 `ch:"supply_apy" json:"supplyApy"`
	SupplyRewardAPY float64 `ch:"supply_reward_apy" json:"supplyRewardApy"`
	BorrowAPY       float64 `ch:"borrow_apy" json:"borrowApy"`
	BorrowRewardAPY float64 `ch:"borrow_reward_apy" json:"borrowRewardApy"`

	TotalSupplyUSD     float64 `ch:"total_supply_usd" json:"totalSupplyUsd"`
	TotalBorrowUSD     float64 `ch:"total_borrow_usd" json:"totalBorrowUsd"`
	AvailableLiquidity float64 `ch:"available_liquidity" json:"availableLiquidity"`
	Utilization        float64 `ch:"utilization" json:"utilization"`

	Source string `ch:"source" json:"source"`
}

// SnapshotPositions flattens an aggregate into per-position rows
// sharing one timestamp.
func SnapshotPositions(agg *AggregatedPosition, source SnapshotSource, at time.Time) []PositionSnapshot {
	if agg == nil {
		return nil
	}
	snaps := make([]PositionSnapshot, 0, len(agg.Positions))
	for i := range agg.Positions {
		p := &agg.Positions[i]
		snaps = append(snaps, PositionSnapshot{
			Timestamp:         at,
			User:              agg.User,
			ChainID:           p.ChainID,
			Protocol:          string(p.Protocol),
			MarketID:          p.MarketID,
			Symbol:            p.Asset.Symbol,
			SupplyBalance:     p.SupplyBalance.InexactFloat64(),
			SupplyBalanceUSD:  p.SupplyBalanceUSD.InexactFloat64(),
			BorrowBalance:     p.BorrowBalance.InexactFloat64(),
			BorrowBalanceUSD:  p.BorrowBalanceUSD.InexactFloat64(),
			CollateralEnabled: p.CollateralEnabled,
			HealthFactor:      p.HealthFactor,
			Source:            string(source),
		})
	}
	return snaps
}

// SnapshotPortfolio flattens the rollup itself into a single row.
func SnapshotPortfolio(agg *AggregatedPosition, chainID int64, source SnapshotSource, at time.Time) *PortfolioSnapshot {
	if agg == nil {
		return nil
	}
	return &PortfolioSnapshot{
		Timestamp:          at,
		User:               agg.User,
		ChainID:            chainID,
		TotalSupplyUSD:     agg.TotalSupplyUSD.InexactFloat64(),
		TotalBorrowUSD:     agg.TotalBorrowUSD.InexactFloat64(),
		TotalCollateralUSD: agg.TotalCollateralUSD.InexactFloat64(),
		NetWorthUSD:        agg.NetWorthUSD.InexactFloat64(),
		LowestHealthFactor: agg.LowestHealthFactor,
		RiskiestProtocol:   string(agg.RiskiestProtocol),
		Source:             string(source),
	}
}

// SnapshotMarkets flattens a merged market set into rows sharing one
// timestamp.
func SnapshotMarkets(result *MarketsResult, source SnapshotSource, at time.Time) []MarketSnapshot {
	if result == nil {
		return nil
	}
	snaps := make([]MarketSnapshot, 0, len(result.Markets))
	for i := range result.Markets {
		m := &result.Markets[i]
		snaps = append(snaps, MarketSnapshot{
			Timestamp:          at,
			ChainID:            m.ChainID,
			Protocol:           string(m.Protocol),
			MarketID:           m.MarketID,
			Symbol:             m.Asset.Symbol,
			SupplyAPY:          m.SupplyAPY.InexactFloat64(),
			SupplyRewardAPY:    m.SupplyRewardAPY.InexactFloat64(),
			BorrowAPY:          m.BorrowAPY.InexactFloat64(),
			BorrowRewardAPY:    m.BorrowRewardAPY.InexactFloat64(),
			TotalSupplyUSD:     m.TotalSupplyUSD.InexactFloat64(),
			TotalBorrowUSD:     m.TotalBorrowUSD.InexactFloat64(),
			AvailableLiquidity: m.AvailableLiquidity.InexactFloat64(),
			Utilization:        m.Utilization.InexactFloat64(),
			Source:             string(source),
		})
	}
	return snaps
}

// PositionHistoryQuery narrows a position history read.
type PositionHistoryQuery struct {
	User     string
	Protocol Protocol // optional
	Since    time.Time
	Limit    int
}

// MarketHistoryQuery narrows a market history read.
type MarketHistoryQuery struct {
	Protocol Protocol
	MarketID string
	Since    time.Time
	Limit    int
}

// HistoryRepository persists and serves snapshot rows. Writes arrive
// pre-batched from the history service; single-row inserts do not
// belong here.
type HistoryRepository interface {
	InsertPositionSnapshots(ctx context.Context, snaps []PositionSnapshot) error
	InsertPortfolioSnapshots(ctx context.Context, snaps []PortfolioSnapshot) error
	InsertMarketSnapshots(ctx context.Context, snaps []MarketSnapshot) error

	GetPositionHistory(ctx context.Context, q PositionHistoryQuery) ([]PositionSnapshot, error)
	GetPortfolioHistory(ctx context.Context, user string, since time.Time, limit int) ([]PortfolioSnapshot, error)
	GetMarketHistory(ctx context.Context, q MarketHistoryQuery) ([]MarketSnapshot, error)
}
