package lending

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Asset describes the underlying token of a market.
type Asset struct {
	Address  string        `json:"address"`
	Symbol   string        `json:"symbol"`
	Decimals int           `json:"decimals"`
	Category AssetCategory `json:"category"`
}

// LendingMarket is one (protocol, asset) pair on one chain, normalized
// across protocols. APYs are percents (3.5 means 3.5%), amounts are
// human token units, risk parameters are fractions in [0,1].
// Markets are replaced wholesale on every refresh, never mutated.
type LendingMarket struct {
	Protocol Protocol `json:"protocol"`
	ChainID  int64    `json:"chainId"`
	MarketID string   `json:"marketId"`

	Asset Asset `json:"asset"`

	// Receipt/market contract the user interacts with (aToken, comet,
	// cToken or vault address depending on the protocol)
	MarketAddress string          `json:"marketAddress"`
	Accounting    AccountingModel `json:"accounting"`

	SupplyAPY       decimal.Decimal `json:"supplyApy"`
	SupplyRewardAPY decimal.Decimal `json:"supplyRewardApy"`
	BorrowAPY       decimal.Decimal `json:"borrowApy"`
	BorrowRewardAPY decimal.Decimal `json:"borrowRewardApy"`

	TotalSupply    decimal.Decimal `json:"totalSupply"`
	TotalSupplyUSD decimal.Decimal `json:"totalSupplyUsd"`
	TotalBorrow    decimal.Decimal `json:"totalBorrow"`
	TotalBorrowUSD decimal.Decimal `json:"totalBorrowUsd"`

	AvailableLiquidity decimal.Decimal `json:"availableLiquidity"`
	Utilization        decimal.Decimal `json:"utilization"`

	LTV                  decimal.Decimal `json:"ltv"`
	LiquidationThreshold decimal.Decimal `json:"liquidationThreshold"`
	LiquidationPenalty   decimal.Decimal `json:"liquidationPenalty"`

	SupplyCap *decimal.Decimal `json:"supplyCap,omitempty"`
	BorrowCap *decimal.Decimal `json:"borrowCap,omitempty"`

	CanSupply          bool `json:"canSupply"`
	CanBorrow          bool `json:"canBorrow"`
	CanUseAsCollateral bool `json:"canUseAsCollateral"`
	IsFrozen           bool `json:"isFrozen"`
	IsPaused           bool `json:"isPaused"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the deduplication key for the aggregate: each adapter
// owns a disjoint (protocol, marketId) namespace.
func (m *LendingMarket) Key() string {
	return fmt.Sprintf("%s:%s", m.Protocol, m.MarketID)
}

// NetSupplyAPY is base plus reward APY, already fee adjusted.
func (m *LendingMarket) NetSupplyAPY() decimal.Decimal {
	return m.SupplyAPY.Add(m.SupplyRewardAPY)
}

// NetBorrowAPY is the effective cost of borrowing: base rate minus
// any borrow-side incentives.
func (m *LendingMarket) NetBorrowAPY() decimal.Decimal {
	return m.BorrowAPY.Sub(m.BorrowRewardAPY)
}

// ComputeUtilization derives utilization from totals, clamped to [0,1].
// Zero supply means zero utilization.
func ComputeUtilization(totalBorrow, totalSupply decimal.Decimal) decimal.Decimal {
	if totalSupply.IsZero() || totalSupply.IsNegative() {
		return decimal.Zero
	}
	u := totalBorrow.Div(totalSupply)
	if u.IsNegative() {
		return decimal.Zero
	}
	if u.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return u
}

// Validate checks the market invariants that adapters must uphold.
// A violation is an integrity error: the record is dropped, not fixed.
func (m *LendingMarket) Validate() error {
	one := decimal.NewFromInt(1)
	if m.LTV.IsNegative() || m.LiquidationThreshold.IsNegative() {
		return fmt.Errorf("market %s: negative risk parameter", m.Key())
	}
	if m.LTV.GreaterThan(m.LiquidationThreshold) {
		return fmt.Errorf("market %s: ltv %s exceeds liquidation threshold %s",
			m.Key(), m.LTV, m.LiquidationThreshold)
	}
	if m.LiquidationThreshold.GreaterThan(one) {
		return fmt.Errorf("market %s: liquidation threshold %s above 1",
			m.Key(), m.LiquidationThreshold)
	}
	if m.Utilization.IsNegative() || m.Utilization.GreaterThan(one) {
		return fmt.Errorf("market %s: utilization %s outside [0,1]", m.Key(), m.Utilization)
	}
	if !m.Protocol.Valid() {
		return fmt.Errorf("market %s: unknown protocol", m.Key())
	}
	return nil
}

// MarketFilter narrows an aggregated markets query.
type MarketFilter struct {
	Asset        string        // symbol, empty = all
	Protocols    []Protocol    // empty = all
	Category     AssetCategory // empty = all
	MinSupplyAPY *decimal.Decimal
	OnlyActive   bool // exclude frozen and paused markets
}

// Matches reports whether the market passes the filter. Symbol
// comparison is case-insensitive: adapters carry the ERC-20 symbol()
// verbatim (wstETH, cbETH) while callers type whatever they type.
func (f MarketFilter) Matches(m *LendingMarket) bool {
	if f.Asset != "" && !strings.EqualFold(m.Asset.Symbol, f.Asset) {
		return false
	}
	if f.Category != "" && m.Asset.Category != f.Category {
		return false
	}
	if f.OnlyActive && (m.IsFrozen || m.IsPaused) {
		return false
	}
	if f.MinSupplyAPY != nil && m.NetSupplyAPY().LessThan(*f.MinSupplyAPY) {
		return false
	}
	if len(f.Protocols) > 0 {
		found := false
		for _, p := range f.Protocols {
			if m.Protocol == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
