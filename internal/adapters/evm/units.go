package evm

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Fixed-point scales used by lending protocols.
var (
	rayExp = int32(27) // Aave rate scale
	wadExp = int32(18) // 1e18, the common ERC-20 and rate scale
)

// FromBaseUnits converts raw token units to a human amount
// (1500000 with 6 decimals becomes 1.5).
func FromBaseUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// ToBaseUnits converts a human amount to raw token units, truncating
// precision beyond the token's decimals.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// RayToDecimal converts a 1e27 fixed-point value to a decimal fraction.
func RayToDecimal(ray *big.Int) decimal.Decimal {
	if ray == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(ray, -rayExp)
}

// WadToDecimal converts a 1e18 fixed-point value to a decimal fraction.
func WadToDecimal(wad *big.Int) decimal.Decimal {
	if wad == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wad, -wadExp)
}

// BpsToFraction converts basis points (e.g. 8250) to a fraction (0.8250).
func BpsToFraction(bps *big.Int) decimal.Decimal {
	if bps == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(bps, -4)
}
