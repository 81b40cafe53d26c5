package comet

import (
	"context"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/domain/risk"
)

// CalculateHealthFactor returns the worst health factor across the
// configured comets. Each comet is an isolated account, so the user's
// liquidation risk in this protocol is bounded by the riskiest one.
func (a *Adapter) CalculateHealthFactor(ctx context.Context, user string) (float64, error) {
	userAddr := common.HexToAddress(user)
	lowest := math.Inf(1)

	for _, comet := range a.comets {
		acct, err := a.accountState(ctx, comet, userAddr)
		if err != nil {
			return 0, err
		}
		hf := a.cometHealthFactor(acct)
		if hf < lowest {
			lowest = hf
		}
	}
	return lowest, nil
}

// SimulateHealthFactor applies the adjustment to the riskiest comet,
// the conservative reading of a protocol-level what-if.
func (a *Adapter) SimulateHealthFactor(ctx context.Context, user string, adj risk.ActionAdjustment) (float64, error) {
	userAddr := common.HexToAddress(user)

	var worst *accountState
	lowest := math.Inf(1)
	for _, comet := range a.comets {
		acct, err := a.accountState(ctx, comet, userAddr)
		if err != nil {
			return 0, err
		}
		hf := a.cometHealthFactor(acct)
		if worst == nil || hf < lowest {
			worst, lowest = acct, hf
		}
	}
	if worst == nil {
		return math.Inf(1), nil
	}

	// fold the per-asset liquidation factors into the collateral total,
	// then run the generic simulation with a unit threshold
	return a.calc.SimulateHealthFactor(
		worst.weightedCollateralUSD(),
		worst.debtUSD,
		decimal.NewFromInt(1),
		adj,
	), nil
}

func (a *Adapter) cometHealthFactor(acct *accountState) float64 {
	if !acct.debtUSD.IsPositive() {
		return math.Inf(1)
	}
	return a.calc.HealthFactor(acct.weightedCollateralUSD(), acct.debtUSD, decimal.NewFromInt(1))
}
