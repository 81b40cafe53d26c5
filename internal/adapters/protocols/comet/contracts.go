// Package comet adapts a Compound-V3-style base-asset market. Each comet
// contract is a ledger over one base asset: balanceOf and borrowBalanceOf
// already return underlying units, collateral assets sit in separate
// per-asset buckets and earn nothing. Borrowing the base asset is a
// withdraw against the ledger, repaying is a supply.
package comet

import "atlas/internal/adapters/evm"

// Ethereum mainnet comets.
const (
	MainnetUSDCComet = "0xc3d688B66703497DAA19211EEdff47f25384cdc3"
	MainnetWETHComet = "0xA17581A9E3356d9A858b789D68B4d866e593aE94"

	// comet price feeds quote USD with 8 decimals
	priceDecimals = 8

	// collateral factors are 1e18 fractions
	factorDecimals = 18
)

var cometABI = evm.MustParseABI(`[
	{"name":"baseToken","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"baseTokenPriceFeed","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"numAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"getAssetInfo","type":"function","stateMutability":"view","inputs":[{"name":"i","type":"uint8"}],"outputs":[{"name":"info","type":"tuple","components":[{"name":"offset","type":"uint8"},{"name":"asset","type":"address"},{"name":"priceFeed","type":"address"},{"name":"scale","type":"uint64"},{"name":"borrowCollateralFactor","type":"uint64"},{"name":"liquidateCollateralFactor","type":"uint64"},{"name":"liquidationFactor","type":"uint64"},{"name":"supplyCap","type":"uint128"}]}]},
	{"name":"getUtilization","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"getSupplyRate","type":"function","stateMutability":"view","inputs":[{"name":"utilization","type":"uint256"}],"outputs":[{"type":"uint64"}]},
	{"name":"getBorrowRate","type":"function","stateMutability":"view","inputs":[{"name":"utilization","type":"uint256"}],"outputs":[{"type":"uint64"}]},
	{"name":"getPrice","type":"function","stateMutability":"view","inputs":[{"name":"priceFeed","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"totalBorrow","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"borrowBalanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"userCollateral","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"asset","type":"address"}],"outputs":[{"name":"balance","type":"uint128"},{"name":"reserved","type":"uint128"}]},
	{"name":"isSupplyPaused","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"bool"}]},
	{"name":"isWithdrawPaused","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"bool"}]},
	{"name":"isBorrowCollateralized","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"bool"}]},
	{"name":"baseBorrowMin","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"supply","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`)
