package protocols

import (
	"context"

	"github.com/shopspring/decimal"

	"atlas/internal/domain/lending"
)

// PriceSource resolves an asset symbol to its USD price. Implementations
// carry their own fallback chain; adapters treat a price failure the same
// way as any other upstream failure.
type PriceSource interface {
	PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// RewardsSource resolves incentive APYs per (protocol, asset) from an
// off-chain yields aggregator. Reward data is best-effort: adapters fall
// back to zero rewards when the source fails, base APYs stay on-chain
// truth.
type RewardsSource interface {
	RewardAPY(ctx context.Context, protocol lending.Protocol, symbol string) (supply, borrow decimal.Decimal, err error)
}

// ClampAPY floors an APY at zero. Reward feeds occasionally report
// negative or garbage values and those must not leak into net APY math.
func ClampAPY(apy decimal.Decimal) decimal.Decimal {
	if apy.IsNegative() {
		return decimal.Zero
	}
	return apy
}
