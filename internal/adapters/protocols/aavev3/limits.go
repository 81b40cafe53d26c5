package aavev3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/evm"
)

// PreviewDeposit is the identity for a 1:1 receipt protocol: supplying
// N tokens mints N aTokens.
func (a *Adapter) PreviewDeposit(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount, nil
}

// PreviewWithdraw is likewise the identity.
func (a *Adapter) PreviewWithdraw(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount, nil
}

// MaxDeposit returns the remaining room under the supply cap, nil when
// the reserve is uncapped.
func (a *Adapter) MaxDeposit(ctx context.Context, marketID, user string) (*decimal.Decimal, error) {
	asset := common.HexToAddress(marketID)

	capsOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveCaps", asset)
	if err != nil {
		return nil, err
	}
	supplyCap := wholeTokenCap(capsOut[1].(*big.Int))
	if supplyCap == nil {
		return nil, nil
	}

	meta, err := a.assetMeta(ctx, asset)
	if err != nil {
		return nil, err
	}
	dataOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveData", asset)
	if err != nil {
		return nil, err
	}
	total := evm.FromBaseUnits(dataOut[2].(*big.Int), int32(meta.Decimals))

	room := supplyCap.Sub(total)
	if room.IsNegative() {
		room = decimal.Zero
	}
	return &room, nil
}

// MaxWithdraw is bounded by the user's aToken balance and by the cash
// actually sitting in the reserve: a fully-utilized pool cannot honor a
// withdrawal no matter how large the position is.
func (a *Adapter) MaxWithdraw(ctx context.Context, marketID, user string) (decimal.Decimal, error) {
	asset := common.HexToAddress(marketID)
	userAddr := common.HexToAddress(user)

	meta, err := a.assetMeta(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	decimals := int32(meta.Decimals)

	userOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getUserReserveData", asset, userAddr)
	if err != nil {
		return decimal.Zero, err
	}
	balance := evm.FromBaseUnits(userOut[0].(*big.Int), decimals)
	if balance.IsZero() {
		return decimal.Zero, nil
	}

	tokensOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveTokensAddresses", asset)
	if err != nil {
		return decimal.Zero, err
	}
	cashRaw, err := evm.ERC20BalanceOf(ctx, a.caller, asset, tokensOut[0].(common.Address))
	if err != nil {
		return decimal.Zero, err
	}
	cash := evm.FromBaseUnits(cashRaw, decimals)

	if cash.LessThan(balance) {
		return cash, nil
	}
	return balance, nil
}
