package risk_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/domain/lending"
	"atlas/internal/domain/risk"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestHealthFactor_NoDebtIsInfinite(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	hf := calc.HealthFactor(dec("10000"), decimal.Zero, dec("0.85"))
	assert.True(t, math.IsInf(hf, 1))

	// Negative debt is treated as no debt
	hf = calc.HealthFactor(dec("10000"), dec("-1"), dec("0.85"))
	assert.True(t, math.IsInf(hf, 1))

	// Even with zero collateral
	hf = calc.HealthFactor(decimal.Zero, decimal.Zero, dec("0.85"))
	assert.True(t, math.IsInf(hf, 1))
}

func TestHealthFactor_Formula(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	// 10000 * 0.85 / 5000 = 1.7
	hf := calc.HealthFactor(dec("10000"), dec("5000"), dec("0.85"))
	assert.InDelta(t, 1.7, hf, 1e-9)

	// 1000 * 0.8 / 1000 = 0.8 (liquidatable)
	hf = calc.HealthFactor(dec("1000"), dec("1000"), dec("0.8"))
	assert.InDelta(t, 0.8, hf, 1e-9)
}

func TestHealthFactor_Monotonicity(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())
	threshold := dec("0.8")

	// Decreasing in debt
	prev := math.Inf(1)
	for _, debt := range []string{"100", "500", "1000", "5000", "10000"} {
		hf := calc.HealthFactor(dec("10000"), dec(debt), threshold)
		assert.Less(t, hf, prev, "hf must decrease as debt grows (debt=%s)", debt)
		prev = hf
	}

	// Increasing in collateral
	prev = 0
	for _, coll := range []string{"1000", "5000", "10000", "50000"} {
		hf := calc.HealthFactor(dec(coll), dec("4000"), threshold)
		assert.Greater(t, hf, prev, "hf must increase as collateral grows (collateral=%s)", coll)
		prev = hf
	}
}

func TestPriceDropToLiquidation_Bounds(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	tests := []struct {
		name string
		hf   float64
		want float64
	}{
		{"zero hf", 0, 0},
		{"negative hf", -2, 0},
		{"exactly one", 1.0, 0},
		{"below one", 0.9, 0},
		{"hf 2 means 50% drop", 2.0, 50},
		{"hf 4 means 75% drop", 4.0, 75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calc.PriceDropToLiquidation(tt.hf), 1e-9)
		})
	}

	// Within [0, 99] for a sweep of finite hf values
	for hf := 0.1; hf < 1000; hf *= 1.7 {
		drop := calc.PriceDropToLiquidation(hf)
		assert.GreaterOrEqual(t, drop, 0.0)
		assert.LessOrEqual(t, drop, 99.0)
	}

	// Capped at 99 as hf tends to infinity
	assert.Equal(t, 99.0, calc.PriceDropToLiquidation(math.Inf(1)))
	assert.Equal(t, 99.0, calc.PriceDropToLiquidation(1e12))
}

func TestSimulateHealthFactor_Adjustments(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())
	collateral := dec("10000")
	debt := dec("4000")
	threshold := dec("0.8")

	base := calc.HealthFactor(collateral, debt, threshold) // 2.0
	require.InDelta(t, 2.0, base, 1e-9)

	t.Run("borrow more lowers hf", func(t *testing.T) {
		hf := calc.SimulateHealthFactor(collateral, debt, threshold, risk.ActionAdjustment{
			Action:    lending.ActionBorrow,
			AmountUSD: dec("4000"),
		})
		assert.InDelta(t, 1.0, hf, 1e-9)
	})

	t.Run("repay raises hf", func(t *testing.T) {
		hf := calc.SimulateHealthFactor(collateral, debt, threshold, risk.ActionAdjustment{
			Action:    lending.ActionRepay,
			AmountUSD: dec("2000"),
		})
		assert.InDelta(t, 4.0, hf, 1e-9)
	})

	t.Run("full repay is infinite", func(t *testing.T) {
		hf := calc.SimulateHealthFactor(collateral, debt, threshold, risk.ActionAdjustment{
			Action:    lending.ActionRepay,
			AmountUSD: dec("4000"),
		})
		assert.True(t, math.IsInf(hf, 1))
	})

	t.Run("supply as collateral raises hf", func(t *testing.T) {
		hf := calc.SimulateHealthFactor(collateral, debt, threshold, risk.ActionAdjustment{
			Action:       lending.ActionSupply,
			AmountUSD:    dec("5000"),
			AsCollateral: true,
		})
		assert.InDelta(t, 3.0, hf, 1e-9)
	})

	t.Run("supply without collateral flag is neutral", func(t *testing.T) {
		hf := calc.SimulateHealthFactor(collateral, debt, threshold, risk.ActionAdjustment{
			Action:    lending.ActionSupply,
			AmountUSD: dec("5000"),
		})
		assert.InDelta(t, base, hf, 1e-9)
	})

	t.Run("withdraw collateral lowers hf", func(t *testing.T) {
		hf := calc.SimulateHealthFactor(collateral, debt, threshold, risk.ActionAdjustment{
			Action:       lending.ActionWithdraw,
			AmountUSD:    dec("5000"),
			AsCollateral: true,
		})
		assert.InDelta(t, 1.0, hf, 1e-9)
	})

	t.Run("withdraw cannot push collateral negative", func(t *testing.T) {
		hf := calc.SimulateHealthFactor(collateral, debt, threshold, risk.ActionAdjustment{
			Action:       lending.ActionWithdraw,
			AmountUSD:    dec("99999"),
			AsCollateral: true,
		})
		assert.InDelta(t, 0.0, hf, 1e-9)
	})

	// The simulation must not mutate its inputs
	assert.True(t, collateral.Equal(dec("10000")))
	assert.True(t, debt.Equal(dec("4000")))
}

func TestCalculateBorrowCapacity(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	positions := []lending.LendingPosition{
		{
			Protocol:          lending.ProtocolAaveV3,
			SupplyBalanceUSD:  dec("10000"),
			BorrowBalanceUSD:  dec("1000"),
			CollateralEnabled: true,
			LTV:               dec("0.8"),
		},
		{
			Protocol:          lending.ProtocolCompoundV3,
			SupplyBalanceUSD:  dec("5000"),
			CollateralEnabled: true,
			LTV:               dec("0.65"),
		},
		{
			// Collateral disabled: contributes no capacity
			Protocol:          lending.ProtocolMorpho,
			SupplyBalanceUSD:  dec("7000"),
			CollateralEnabled: false,
			LTV:               dec("0.9"),
		},
	}

	capct := calc.CalculateBorrowCapacity(positions)

	// weighted ltv = (10000*0.8 + 5000*0.65) / 15000 = 11250/15000 = 0.75
	assert.True(t, capct.TotalCollateralUSD.Equal(dec("15000")), "got %s", capct.TotalCollateralUSD)
	assert.True(t, capct.WeightedLTV.Equal(dec("0.75")), "got %s", capct.WeightedLTV)
	assert.True(t, capct.MaxBorrowUSD.Equal(dec("11250")), "got %s", capct.MaxBorrowUSD)
	// safe = max * 0.8
	assert.True(t, capct.SafeBorrowUSD.Equal(dec("9000")), "got %s", capct.SafeBorrowUSD)
	assert.True(t, capct.CurrentBorrowUSD.Equal(dec("1000")), "got %s", capct.CurrentBorrowUSD)
	assert.True(t, capct.RemainingSafeUSD.Equal(dec("8000")), "got %s", capct.RemainingSafeUSD)
}

func TestCalculateBorrowCapacity_NoCollateral(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	capct := calc.CalculateBorrowCapacity(nil)
	assert.True(t, capct.MaxBorrowUSD.IsZero())
	assert.True(t, capct.SafeBorrowUSD.IsZero())
	assert.True(t, capct.RemainingSafeUSD.IsZero())
}

func TestCalculateBorrowCapacity_ConfigurableMargin(t *testing.T) {
	policy := risk.DefaultPolicy()
	policy.SafetyMargin = 0.5
	calc := risk.NewCalculator(policy)

	positions := []lending.LendingPosition{
		{
			SupplyBalanceUSD:  dec("1000"),
			CollateralEnabled: true,
			LTV:               dec("0.8"),
		},
	}

	capct := calc.CalculateBorrowCapacity(positions)
	assert.True(t, capct.MaxBorrowUSD.Equal(dec("800")))
	assert.True(t, capct.SafeBorrowUSD.Equal(dec("400")))
}

func TestLiquidationPrice(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	t.Run("no debt has no liquidation price", func(t *testing.T) {
		p := calc.LiquidationPrice(dec("10"), dec("0.8"), decimal.Zero)
		assert.Nil(t, p)
	})

	t.Run("price where hf crosses one", func(t *testing.T) {
		// 10 units, threshold 0.8, debt 4000 USD -> liq price = 4000/(10*0.8) = 500
		p := calc.LiquidationPrice(dec("10"), dec("0.8"), dec("4000"))
		require.NotNil(t, p)
		assert.True(t, p.Equal(dec("500")), "got %s", p)
	})

	t.Run("zero balance has no liquidation price", func(t *testing.T) {
		p := calc.LiquidationPrice(decimal.Zero, dec("0.8"), dec("4000"))
		assert.Nil(t, p)
	})
}

func TestPositionHealthFactor(t *testing.T) {
	calc := risk.NewCalculator(risk.DefaultPolicy())

	t.Run("collateral enabled", func(t *testing.T) {
		p := &lending.LendingPosition{
			SupplyBalanceUSD:     dec("10000"),
			BorrowBalanceUSD:     dec("5000"),
			CollateralEnabled:    true,
			LiquidationThreshold: dec("0.85"),
		}
		assert.InDelta(t, 1.7, calc.PositionHealthFactor(p), 1e-9)
	})

	t.Run("collateral disabled counts as zero collateral", func(t *testing.T) {
		p := &lending.LendingPosition{
			SupplyBalanceUSD:     dec("10000"),
			BorrowBalanceUSD:     dec("5000"),
			CollateralEnabled:    false,
			LiquidationThreshold: dec("0.85"),
		}
		assert.InDelta(t, 0.0, calc.PositionHealthFactor(p), 1e-9)
	})

	t.Run("no debt", func(t *testing.T) {
		p := &lending.LendingPosition{
			SupplyBalanceUSD:     dec("10000"),
			CollateralEnabled:    true,
			LiquidationThreshold: dec("0.85"),
		}
		assert.True(t, math.IsInf(calc.PositionHealthFactor(p), 1))
	})
}
