package aavev3

import (
	"context"

	"atlas/internal/domain/risk"
)

// CalculateHealthFactor reads the protocol's own account-wide health
// factor. +Inf when the account carries no debt.
func (a *Adapter) CalculateHealthFactor(ctx context.Context, user string) (float64, error) {
	account, err := a.accountData(ctx, user)
	if err != nil {
		return 0, err
	}
	return account.healthFactor, nil
}

// SimulateHealthFactor recomputes the health factor with the adjustment
// applied to the account totals. Pure preview, no state is touched.
func (a *Adapter) SimulateHealthFactor(ctx context.Context, user string, adj risk.ActionAdjustment) (float64, error) {
	account, err := a.accountData(ctx, user)
	if err != nil {
		return 0, err
	}
	return a.calc.SimulateHealthFactor(
		account.totalCollateralUSD,
		account.totalDebtUSD,
		account.liqThreshold,
		adj,
	), nil
}
