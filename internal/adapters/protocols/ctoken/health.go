package ctoken

import (
	"context"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/domain/risk"
)

// CalculateHealthFactor runs the cross-market ratio: collateral factors
// are folded per market, so the threshold argument is 1.
func (a *Adapter) CalculateHealthFactor(ctx context.Context, user string) (float64, error) {
	snap, err := a.accountSnapshot(ctx, common.HexToAddress(user))
	if err != nil {
		return 0, err
	}
	debt := snap.debtUSD()
	if !debt.IsPositive() {
		return math.Inf(1), nil
	}
	return a.calc.HealthFactor(snap.weightedCollateralUSD(), debt, decimal.NewFromInt(1)), nil
}

// SimulateHealthFactor projects the ratio after a hypothetical action.
func (a *Adapter) SimulateHealthFactor(ctx context.Context, user string, adj risk.ActionAdjustment) (float64, error) {
	snap, err := a.accountSnapshot(ctx, common.HexToAddress(user))
	if err != nil {
		return 0, err
	}
	return a.calc.SimulateHealthFactor(snap.weightedCollateralUSD(), snap.debtUSD(), decimal.NewFromInt(1), adj), nil
}
