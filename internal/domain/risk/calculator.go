package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"atlas/internal/domain/lending"
)

// Calculator computes liquidation risk over the unified lending model.
// All methods are pure: no I/O, no mutation of stored positions, so
// results are safe to use for "what if" previews.
type Calculator struct {
	safetyMargin decimal.Decimal // fraction of max borrow considered safe (e.g. 0.8)
	policy       Policy
}

// Policy carries the risk policy constants. They are configuration,
// not protocol truth: the defaults mirror common frontends.
type Policy struct {
	SafetyMargin        float64
	LiquidatableBelowHF float64
	CriticalBelowHF     float64
	HighBelowHF         float64
	MediumBelowHF       float64
	LowBelowHF          float64
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		SafetyMargin:        0.8,
		LiquidatableBelowHF: 1.0,
		CriticalBelowHF:     1.1,
		HighBelowHF:         1.3,
		MediumBelowHF:       1.5,
		LowBelowHF:          2.0,
	}
}

// NewCalculator creates a risk calculator with the given policy.
func NewCalculator(policy Policy) *Calculator {
	if policy.SafetyMargin <= 0 || policy.SafetyMargin > 1 {
		policy.SafetyMargin = DefaultPolicy().SafetyMargin
	}
	return &Calculator{
		safetyMargin: decimal.NewFromFloat(policy.SafetyMargin),
		policy:       policy,
	}
}

// HealthFactor is risk-weighted collateral over debt. A position with
// no debt cannot be liquidated, so its health factor is +Inf.
func (c *Calculator) HealthFactor(collateralUSD, debtUSD, liquidationThreshold decimal.Decimal) float64 {
	if debtUSD.LessThanOrEqual(decimal.Zero) {
		return math.Inf(1)
	}
	hf := collateralUSD.Mul(liquidationThreshold).Div(debtUSD)
	return hf.InexactFloat64()
}

// PriceDropToLiquidation returns how far collateral value can fall, in
// percent, before the position becomes liquidatable. Capped at 99 for
// numerical stability as hf grows without bound.
func (c *Calculator) PriceDropToLiquidation(hf float64) float64 {
	if hf <= 0 {
		return 0
	}
	drop := (1 - 1/hf) * 100
	if drop < 0 {
		return 0
	}
	if drop > 99 {
		return 99
	}
	return drop
}

// ActionAdjustment describes a hypothetical action applied to current
// collateral and debt for a health factor preview.
type ActionAdjustment struct {
	Action lending.ActionType
	// AmountUSD is the USD value of the action amount
	AmountUSD decimal.Decimal
	// AsCollateral applies to supply/withdraw: whether the asset
	// counts toward collateral
	AsCollateral bool
}

// SimulateHealthFactor recomputes the health factor against adjusted
// collateral/debt without touching stored state.
func (c *Calculator) SimulateHealthFactor(collateralUSD, debtUSD, liquidationThreshold decimal.Decimal, adj ActionAdjustment) float64 {
	collateral := collateralUSD
	debt := debtUSD

	switch adj.Action {
	case lending.ActionSupply:
		if adj.AsCollateral {
			collateral = collateral.Add(adj.AmountUSD)
		}
	case lending.ActionWithdraw:
		if adj.AsCollateral {
			collateral = collateral.Sub(adj.AmountUSD)
			if collateral.IsNegative() {
				collateral = decimal.Zero
			}
		}
	case lending.ActionBorrow:
		debt = debt.Add(adj.AmountUSD)
	case lending.ActionRepay:
		debt = debt.Sub(adj.AmountUSD)
		if debt.IsNegative() {
			debt = decimal.Zero
		}
	}

	return c.HealthFactor(collateral, debt, liquidationThreshold)
}

// BorrowCapacity is the borrow headroom across a user's
// collateral-enabled positions.
type BorrowCapacity struct {
	TotalCollateralUSD decimal.Decimal `json:"totalCollateralUsd"`
	WeightedLTV        decimal.Decimal `json:"weightedLtv"`
	MaxBorrowUSD       decimal.Decimal `json:"maxBorrowUsd"`
	SafeBorrowUSD      decimal.Decimal `json:"safeBorrowUsd"`
	CurrentBorrowUSD   decimal.Decimal `json:"currentBorrowUsd"`
	// RemainingSafeUSD is how much more can be borrowed while staying
	// inside the safety margin
	RemainingSafeUSD decimal.Decimal `json:"remainingSafeUsd"`
}

// CalculateBorrowCapacity computes the LTV-weighted borrow limits over
// positions with collateral enabled. Positions with collateral
// disabled contribute debt but no capacity.
func (c *Calculator) CalculateBorrowCapacity(positions []lending.LendingPosition) *BorrowCapacity {
	result := &BorrowCapacity{
		TotalCollateralUSD: decimal.Zero,
		WeightedLTV:        decimal.Zero,
		MaxBorrowUSD:       decimal.Zero,
		SafeBorrowUSD:      decimal.Zero,
		CurrentBorrowUSD:   decimal.Zero,
		RemainingSafeUSD:   decimal.Zero,
	}

	weighted := decimal.Zero
	for _, p := range positions {
		result.CurrentBorrowUSD = result.CurrentBorrowUSD.Add(p.BorrowBalanceUSD)
		if !p.CollateralEnabled || !p.SupplyBalanceUSD.IsPositive() {
			continue
		}
		result.TotalCollateralUSD = result.TotalCollateralUSD.Add(p.SupplyBalanceUSD)
		weighted = weighted.Add(p.SupplyBalanceUSD.Mul(p.LTV))
	}

	if result.TotalCollateralUSD.IsPositive() {
		result.WeightedLTV = weighted.Div(result.TotalCollateralUSD)
	}

	result.MaxBorrowUSD = result.TotalCollateralUSD.Mul(result.WeightedLTV)
	result.SafeBorrowUSD = result.MaxBorrowUSD.Mul(c.safetyMargin)

	result.RemainingSafeUSD = result.SafeBorrowUSD.Sub(result.CurrentBorrowUSD)
	if result.RemainingSafeUSD.IsNegative() {
		result.RemainingSafeUSD = decimal.Zero
	}

	return result
}

// LiquidationPrice returns the asset price at which the position's
// health factor crosses 1, for a position whose collateral is a single
// asset. Returns nil when the position carries no debt or no
// liquidatable collateral.
func (c *Calculator) LiquidationPrice(supplyBalance, liquidationThreshold, debtUSD decimal.Decimal) *decimal.Decimal {
	if debtUSD.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	denom := supplyBalance.Mul(liquidationThreshold)
	if !denom.IsPositive() {
		return nil
	}
	price := debtUSD.Div(denom)
	return &price
}

// PositionHealthFactor computes the health factor of one position from
// its own balances. Protocols isolate collateral, so this is per
// protocol, never blended across them.
func (c *Calculator) PositionHealthFactor(p *lending.LendingPosition) float64 {
	collateral := decimal.Zero
	if p.CollateralEnabled {
		collateral = p.SupplyBalanceUSD
	}
	return c.HealthFactor(collateral, p.BorrowBalanceUSD, p.LiquidationThreshold)
}
