package lending_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"atlas/internal/domain/lending"
)

func TestClassifyRevert(t *testing.T) {
	cases := []struct {
		raw  string
		want lending.RevertReason
	}{
		{"ERC20: transfer amount exceeds balance", lending.RevertInsufficientBalance},
		{"Dai/insufficient-balance", lending.RevertInsufficientBalance},
		{"ERC20: insufficient allowance", lending.RevertInsufficientAllowance},
		{"ERC20: transfer amount exceeds allowance", lending.RevertInsufficientAllowance},
		{"SafeERC20: approve from non-zero to non-zero allowance", lending.RevertInsufficientAllowance},
		{"supply cap exceeded", lending.RevertCapExceeded},
		{"ERC4626: deposit more than max deposit", lending.RevertCapExceeded},
		{"Comet: supply paused", lending.RevertPaused},
		{"action requires an unfrozen reserve", lending.RevertPaused},
		{"SafeERC20: transfer failed", lending.RevertTransferFailed},
		{"cannot deposit zero shares", lending.RevertZeroAmount},
		{"insufficient cash in the market", lending.RevertInsufficientLiquidity},
		{"insufficient liquidity", lending.RevertInsufficientLiquidity},

		// Aave v3 reverts with bare numeric code strings
		{"26", lending.RevertZeroAmount},
		{"28", lending.RevertPaused},
		{"29", lending.RevertPaused},
		{"50", lending.RevertCapExceeded},
		{"51", lending.RevertCapExceeded},

		{"", lending.RevertUnknown},
		{"0xdeadbeef", lending.RevertUnknown},
		{"something nobody anticipated", lending.RevertUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, lending.ClassifyRevert(tc.raw), "raw=%q", tc.raw)
	}
}

func TestClassifyRevertIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, lending.RevertPaused, lending.ClassifyRevert("RESERVE IS PAUSED"))
	assert.Equal(t, lending.RevertInsufficientBalance, lending.ClassifyRevert("Insufficient Balance"))
}

func TestTruncateRevert(t *testing.T) {
	short := "execution reverted: 51"
	assert.Equal(t, short, lending.TruncateRevert(short))
	assert.Equal(t, "x", lending.TruncateRevert("  x  "))

	long := strings.Repeat("a", 500)
	got := lending.TruncateRevert(long)
	assert.Len(t, got, 163)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestFailedSimulationCarriesClassification(t *testing.T) {
	res := lending.FailedSimulation(lending.RevertCapExceeded, "51")
	assert.False(t, res.Success)
	assert.Zero(t, res.GasEstimate)
	assert.Equal(t, lending.RevertCapExceeded, res.RevertReason)
	assert.Equal(t, lending.RevertCapExceeded.Message(), res.RevertMessage)
	assert.Equal(t, "51", res.RawRevert)
}
