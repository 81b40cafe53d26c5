package protocols

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// On-chain protocols quote interest in three different frames: Aave as an
// annualized ray APR, Comet as a per-second 1e18 rate, cTokens as a
// per-block 1e18 rate. Everything converts to compounded APY percent so
// routing compares like against like.
const (
	SecondsPerYear = 31_536_000
	BlocksPerDay   = 7_200 // 12s blocks
	DaysPerYear    = 365
)

// RayAPRToAPY converts an Aave ray-scaled annual rate to APY percent
// assuming per-second compounding.
func RayAPRToAPY(ray *big.Int) decimal.Decimal {
	if ray == nil || ray.Sign() <= 0 {
		return decimal.Zero
	}
	apr, _ := decimal.NewFromBigInt(ray, -27).Float64()
	apy := math.Pow(1+apr/SecondsPerYear, SecondsPerYear) - 1
	return apyPercent(apy)
}

// PerSecondRateToAPY converts a Comet per-second 1e18 rate to APY percent.
func PerSecondRateToAPY(rate *big.Int) decimal.Decimal {
	if rate == nil || rate.Sign() <= 0 {
		return decimal.Zero
	}
	perSecond, _ := decimal.NewFromBigInt(rate, -18).Float64()
	apy := math.Pow(1+perSecond, SecondsPerYear) - 1
	return apyPercent(apy)
}

// PerBlockRateToAPY converts a cToken per-block 1e18 rate to APY percent
// using daily compounding, the frame Compound itself documents.
func PerBlockRateToAPY(rate *big.Int) decimal.Decimal {
	if rate == nil || rate.Sign() <= 0 {
		return decimal.Zero
	}
	perBlock, _ := decimal.NewFromBigInt(rate, -18).Float64()
	apy := math.Pow(perBlock*BlocksPerDay+1, DaysPerYear) - 1
	return apyPercent(apy)
}

func apyPercent(apy float64) decimal.Decimal {
	if math.IsNaN(apy) || math.IsInf(apy, 0) || apy < 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(apy * 100).Round(6)
}
