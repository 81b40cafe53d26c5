package ctoken

import "atlas/internal/adapters/evm"

// Ethereum mainnet Compound V2 deployment.
const (
	MainnetComptroller = "0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B"
	MainnetCUSDC       = "0x39AA39c021dfbaE8faC545936693aC917d5E7563"
	MainnetCDAI        = "0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643"

	// receipt tokens always carry 8 decimals
	cTokenDecimals = 8

	// mantissa scale shared by rates, factors and the exchange rate
	mantissaDecimals = 18
)

// cTokenABI covers the ERC-20 style market contract. exchangeRateStored
// is scaled by 1e(18 + underlying decimals - 8).
var cTokenABI = evm.MustParseABI(`[
	{"name":"underlying","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"exchangeRateStored","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"supplyRatePerBlock","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"borrowRatePerBlock","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"getCash","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"totalBorrows","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"totalReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"borrowBalanceStored","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"mint","type":"function","stateMutability":"nonpayable","inputs":[{"name":"mintAmount","type":"uint256"}],"outputs":[{"type":"uint256"}]},
	{"name":"redeem","type":"function","stateMutability":"nonpayable","inputs":[{"name":"redeemTokens","type":"uint256"}],"outputs":[{"type":"uint256"}]},
	{"name":"redeemUnderlying","type":"function","stateMutability":"nonpayable","inputs":[{"name":"redeemAmount","type":"uint256"}],"outputs":[{"type":"uint256"}]},
	{"name":"borrow","type":"function","stateMutability":"nonpayable","inputs":[{"name":"borrowAmount","type":"uint256"}],"outputs":[{"type":"uint256"}]},
	{"name":"repayBorrow","type":"function","stateMutability":"nonpayable","inputs":[{"name":"repayAmount","type":"uint256"}],"outputs":[{"type":"uint256"}]}
]`)

// comptrollerABI is the risk controller shared by all markets.
var comptrollerABI = evm.MustParseABI(`[
	{"name":"markets","type":"function","stateMutability":"view","inputs":[{"name":"cToken","type":"address"}],"outputs":[{"name":"isListed","type":"bool"},{"name":"collateralFactorMantissa","type":"uint256"},{"name":"isComped","type":"bool"}]},
	{"name":"getAssetsIn","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"address[]"}]},
	{"name":"getAccountLiquidity","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"error","type":"uint256"},{"name":"liquidity","type":"uint256"},{"name":"shortfall","type":"uint256"}]},
	{"name":"oracle","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"mintGuardianPaused","type":"function","stateMutability":"view","inputs":[{"name":"cToken","type":"address"}],"outputs":[{"type":"bool"}]},
	{"name":"borrowGuardianPaused","type":"function","stateMutability":"view","inputs":[{"name":"cToken","type":"address"}],"outputs":[{"type":"bool"}]},
	{"name":"liquidationIncentiveMantissa","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"borrowCaps","type":"function","stateMutability":"view","inputs":[{"name":"cToken","type":"address"}],"outputs":[{"type":"uint256"}]}
]`)

// oracleABI prices underlyings at 1e(36 - underlying decimals).
var oracleABI = evm.MustParseABI(`[
	{"name":"getUnderlyingPrice","type":"function","stateMutability":"view","inputs":[{"name":"cToken","type":"address"}],"outputs":[{"type":"uint256"}]}
]`)
