package evm

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFromBaseUnits(t *testing.T) {
	assert.True(t, decimal.NewFromFloat(1.5).Equal(FromBaseUnits(big.NewInt(1_500_000), 6)))
	assert.True(t, decimal.Zero.Equal(FromBaseUnits(nil, 18)))

	// 1 wei of an 18-decimals token
	one := FromBaseUnits(big.NewInt(1), 18)
	assert.Equal(t, "0.000000000000000001", one.String())
}

func TestToBaseUnits(t *testing.T) {
	out := ToBaseUnits(decimal.NewFromFloat(1.5), 6)
	assert.Equal(t, int64(1_500_000), out.Int64())

	// precision beyond the token decimals is truncated, not rounded
	out = ToBaseUnits(decimal.RequireFromString("0.1234567"), 6)
	assert.Equal(t, int64(123_456), out.Int64())
}

func TestRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("12345.678901")
	back := FromBaseUnits(ToBaseUnits(amount, 6), 6)
	assert.True(t, amount.Equal(back), "got %s", back)
}

func TestRayToDecimal(t *testing.T) {
	// 5% in ray
	ray, _ := new(big.Int).SetString("50000000000000000000000000", 10)
	assert.Equal(t, "0.05", RayToDecimal(ray).String())
}

func TestWadToDecimal(t *testing.T) {
	wad, _ := new(big.Int).SetString("1020000000000000000", 10)
	assert.Equal(t, "1.02", WadToDecimal(wad).String())
}

func TestBpsToFraction(t *testing.T) {
	assert.Equal(t, "0.825", BpsToFraction(big.NewInt(8250)).String())
	assert.True(t, BpsToFraction(nil).IsZero())
}
