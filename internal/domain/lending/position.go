package lending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LendingPosition is one (protocol, market, user) triple. Derived fresh
// on every positions query and replaced, never mutated in place.
// HealthFactor is nil when the position carries no debt: a debt-free
// position cannot be liquidated, so its health factor is unbounded.
type LendingPosition struct {
	Protocol Protocol `json:"protocol"`
	ChainID  int64    `json:"chainId"`
	MarketID string   `json:"marketId"`
	User     string   `json:"user"`

	Asset Asset `json:"asset"`

	SupplyBalance    decimal.Decimal `json:"supplyBalance"`
	SupplyBalanceUSD decimal.Decimal `json:"supplyBalanceUsd"`
	BorrowBalance    decimal.Decimal `json:"borrowBalance"`
	BorrowBalanceUSD decimal.Decimal `json:"borrowBalanceUsd"`

	CollateralEnabled bool `json:"collateralEnabled"`

	SupplyAPY decimal.Decimal `json:"supplyApy"`
	BorrowAPY decimal.Decimal `json:"borrowApy"`

	// Market risk parameters at query time, carried so the risk engine
	// can work from positions alone
	LTV                  decimal.Decimal `json:"ltv"`
	LiquidationThreshold decimal.Decimal `json:"liquidationThreshold"`

	HealthFactor     *float64         `json:"healthFactor,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidationPrice,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the deduplication key for the aggregate, mirroring
// LendingMarket.Key.
func (p *LendingPosition) Key() string {
	return fmt.Sprintf("%s:%s", p.Protocol, p.MarketID)
}

// HasDebt reports whether the position carries a borrow balance.
func (p *LendingPosition) HasDebt() bool {
	return p.BorrowBalance.IsPositive()
}

// AggregatedPosition is the per-user cross-protocol rollup. Protocols
// do not share collateral, so the user's overall liquidation risk is
// bounded by the worst single protocol: LowestHealthFactor is the
// minimum across protocols and RiskiestProtocol names its holder.
// LowestHealthFactor is nil when no protocol carries debt.
type AggregatedPosition struct {
	User string `json:"user"`

	TotalSupplyUSD     decimal.Decimal `json:"totalSupplyUsd"`
	TotalBorrowUSD     decimal.Decimal `json:"totalBorrowUsd"`
	TotalCollateralUSD decimal.Decimal `json:"totalCollateralUsd"`
	NetWorthUSD        decimal.Decimal `json:"netWorthUsd"`

	LowestHealthFactor *float64 `json:"lowestHealthFactor,omitempty"`
	RiskiestProtocol   Protocol `json:"riskiestProtocol,omitempty"`

	Positions []LendingPosition `json:"positions"`

	// Fan-out observability: how many adapters were queried and how
	// many answered. Succeeded < Attempted means some protocol's
	// positions are missing from this rollup.
	ProtocolsAttempted int `json:"protocolsAttempted"`
	ProtocolsSucceeded int `json:"protocolsSucceeded"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// MarketsResult carries an aggregated markets query result with the
// same attempted/succeeded observability as positions.
type MarketsResult struct {
	Markets []LendingMarket `json:"markets"`

	ProtocolsAttempted int `json:"protocolsAttempted"`
	ProtocolsSucceeded int `json:"protocolsSucceeded"`

	UpdatedAt time.Time `json:"updatedAt"`
}
