package ctoken

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/evm"
)

// PreviewDeposit is the identity: the unified model denominates cToken
// positions in underlying, so receipt token mechanics stay internal.
func (a *Adapter) PreviewDeposit(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount, nil
}

// PreviewWithdraw is likewise the identity.
func (a *Adapter) PreviewWithdraw(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount, nil
}

// MaxDeposit is unbounded: V2 markets have borrow caps but no supply caps.
func (a *Adapter) MaxDeposit(ctx context.Context, marketID, user string) (*decimal.Decimal, error) {
	return nil, nil
}

// MaxWithdraw is the user's underlying balance at the current exchange
// rate, bounded by the cash actually sitting in the market.
func (a *Adapter) MaxWithdraw(ctx context.Context, marketID, user string) (decimal.Decimal, error) {
	ct := common.HexToAddress(marketID)
	meta, err := a.marketMeta(ctx, ct)
	if err != nil {
		return decimal.Zero, err
	}
	decimals := int32(meta.asset.Decimals)

	balOut, err := a.call(ctx, ct, cTokenABI, "balanceOf", common.HexToAddress(user))
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := a.exchangeRate(ctx, ct)
	if err != nil {
		return decimal.Zero, err
	}
	balance := underlyingFromCTokens(balOut[0].(*big.Int), rate, decimals)
	if balance.IsZero() {
		return decimal.Zero, nil
	}

	cashOut, err := a.call(ctx, ct, cTokenABI, "getCash")
	if err != nil {
		return decimal.Zero, err
	}
	cash := evm.FromBaseUnits(cashOut[0].(*big.Int), decimals)
	if cash.LessThan(balance) {
		return cash, nil
	}
	return balance, nil
}
