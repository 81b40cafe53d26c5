package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/evm"
	"atlas/pkg/errors"
)

// PreviewDeposit quotes the shares minted for an underlying amount.
func (a *Adapter) PreviewDeposit(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	vault, meta, err := a.lookupVault(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	raw := evm.ToBaseUnits(amount, int32(meta.asset.Decimals))
	out, err := a.call(ctx, vault, "previewDeposit", raw)
	if err != nil {
		return decimal.Zero, err
	}
	return evm.FromBaseUnits(out[0].(*big.Int), meta.shareDecimals), nil
}

// PreviewWithdraw quotes the shares burned to release an underlying amount.
func (a *Adapter) PreviewWithdraw(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error) {
	vault, meta, err := a.lookupVault(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	raw := evm.ToBaseUnits(amount, int32(meta.asset.Decimals))
	out, err := a.call(ctx, vault, "previewWithdraw", raw)
	if err != nil {
		return decimal.Zero, err
	}
	return evm.FromBaseUnits(out[0].(*big.Int), meta.shareDecimals), nil
}

// MaxDeposit returns the vault's remaining capacity for this receiver,
// nil when the vault reports effectively unlimited room.
func (a *Adapter) MaxDeposit(ctx context.Context, marketID, user string) (*decimal.Decimal, error) {
	vault, meta, err := a.lookupVault(ctx, marketID)
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, vault, "maxDeposit", common.HexToAddress(user))
	if err != nil {
		return nil, err
	}
	raw := out[0].(*big.Int)
	if raw.Cmp(evm.MaxUint256) == 0 {
		return nil, nil
	}
	room := evm.FromBaseUnits(raw, int32(meta.asset.Decimals))
	return &room, nil
}

// MaxWithdraw returns what the vault will release to this owner right
// now, which already accounts for share balance and market liquidity.
func (a *Adapter) MaxWithdraw(ctx context.Context, marketID, user string) (decimal.Decimal, error) {
	vault, meta, err := a.lookupVault(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := a.call(ctx, vault, "maxWithdraw", common.HexToAddress(user))
	if err != nil {
		return decimal.Zero, err
	}
	return evm.FromBaseUnits(out[0].(*big.Int), int32(meta.asset.Decimals)), nil
}

func (a *Adapter) lookupVault(ctx context.Context, marketID string) (common.Address, vaultMeta, error) {
	if !common.IsHexAddress(marketID) {
		return common.Address{}, vaultMeta{}, errors.Wrapf(errors.ErrMarketNotFound, "bad market id %q", marketID)
	}
	vault := common.HexToAddress(marketID)
	if !a.isConfigured(vault) {
		return common.Address{}, vaultMeta{}, errors.Wrapf(errors.ErrMarketNotFound, "vault %s not tracked", marketID)
	}
	meta, err := a.vaultMeta(ctx, vault)
	if err != nil {
		return common.Address{}, vaultMeta{}, err
	}
	return vault, meta, nil
}
