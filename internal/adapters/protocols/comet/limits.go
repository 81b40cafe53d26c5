package comet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/evm"
)

// PreviewDeposit is the identity: the base ledger and collateral buckets
// both track underlying units directly.
func (a *Adapter) PreviewDeposit(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount, nil
}

// PreviewWithdraw is likewise the identity.
func (a *Adapter) PreviewWithdraw(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount, nil
}

// MaxDeposit returns the remaining collateral cap room, nil for the
// uncapped base asset.
func (a *Adapter) MaxDeposit(ctx context.Context, marketID, user string) (*decimal.Decimal, error) {
	comet, asset, err := splitMarketID(marketID)
	if err != nil {
		return nil, err
	}
	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return nil, err
	}
	if asset == base {
		return nil, nil
	}

	infos, err := a.assetInfos(ctx, comet)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Asset != asset {
			continue
		}
		if info.SupplyCap == nil || info.SupplyCap.Sign() == 0 {
			return nil, nil
		}
		meta, err := a.assetMeta(ctx, asset)
		if err != nil {
			return nil, err
		}
		heldRaw, err := evm.ERC20BalanceOf(ctx, a.caller, asset, comet)
		if err != nil {
			return nil, err
		}
		decimals := int32(meta.Decimals)
		room := evm.FromBaseUnits(info.SupplyCap, decimals).Sub(evm.FromBaseUnits(heldRaw, decimals))
		if room.IsNegative() {
			room = decimal.Zero
		}
		return &room, nil
	}
	return nil, nil
}

// MaxWithdraw bounds a base withdrawal by the cash the comet holds and a
// collateral withdrawal by the user's bucket balance.
func (a *Adapter) MaxWithdraw(ctx context.Context, marketID, user string) (decimal.Decimal, error) {
	comet, asset, err := splitMarketID(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	userAddr := common.HexToAddress(user)

	meta, err := a.assetMeta(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	decimals := int32(meta.Decimals)

	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return decimal.Zero, err
	}

	if asset == base {
		balanceOut, err := a.call(ctx, comet, "balanceOf", userAddr)
		if err != nil {
			return decimal.Zero, err
		}
		balance := evm.FromBaseUnits(balanceOut[0].(*big.Int), decimals)
		if balance.IsZero() {
			return decimal.Zero, nil
		}
		cashRaw, err := evm.ERC20BalanceOf(ctx, a.caller, base, comet)
		if err != nil {
			return decimal.Zero, err
		}
		cash := evm.FromBaseUnits(cashRaw, decimals)
		if cash.LessThan(balance) {
			return cash, nil
		}
		return balance, nil
	}

	colOut, err := a.call(ctx, comet, "userCollateral", userAddr, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return evm.FromBaseUnits(colOut[0].(*big.Int), decimals), nil
}
