package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"atlas/internal/adapters/evm"
	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// BuildSupply deposits underlying for shares, approving first if needed.
func (a *Adapter) BuildSupply(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	vault, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		return nil, err
	}
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(meta.asset.Decimals))

	calls, err := a.approvalIfNeeded(ctx, vault, meta, p, raw)
	if err != nil {
		return nil, err
	}
	data, err := erc4626ABI.Pack("deposit", raw, user)
	if err != nil {
		return nil, errors.Wrap(err, "pack deposit")
	}
	return append(calls, lending.CallDescription{
		To:          vault.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Deposit %s %s into %s", p.Amount, meta.asset.Symbol, meta.shareSymbol),
	}), nil
}

// BuildWithdraw redeems by underlying amount; the vault burns whatever
// shares previewWithdraw requires.
func (a *Adapter) BuildWithdraw(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	vault, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		return nil, err
	}
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(meta.asset.Decimals))

	data, err := erc4626ABI.Pack("withdraw", raw, user, user)
	if err != nil {
		return nil, errors.Wrap(err, "pack withdraw")
	}
	return []lending.CallDescription{{
		To:          vault.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Withdraw %s %s from %s", p.Amount, meta.asset.Symbol, meta.shareSymbol),
	}}, nil
}

// BuildBorrow is not available: vaults are supply-side only.
func (a *Adapter) BuildBorrow(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	return nil, errors.Wrap(errors.ErrActionNotSupported, "vaults do not lend against shares")
}

// BuildRepay is not available for the same reason.
func (a *Adapter) BuildRepay(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	return nil, errors.Wrap(errors.ErrActionNotSupported, "vaults carry no debt to repay")
}

// ValidateAction checks deposit capacity and withdrawal room.
func (a *Adapter) ValidateAction(ctx context.Context, p lending.ActionParams) (*lending.ValidationResult, error) {
	res := &lending.ValidationResult{Valid: true}
	if !p.Amount.IsPositive() {
		res.AddError(lending.RevertZeroAmount.Message())
		return res, nil
	}
	vault, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		res.AddError(err.Error())
		return res, nil
	}

	switch p.Action {
	case lending.ActionSupply:
		if err := a.validateDeposit(ctx, vault, meta, p, res); err != nil {
			return nil, err
		}

	case lending.ActionWithdraw:
		max, err := a.MaxWithdraw(ctx, p.MarketID, p.User)
		if err != nil {
			return nil, err
		}
		if p.Amount.GreaterThan(max) {
			res.AddError(lending.RevertInsufficientLiquidity.Message())
		}

	case lending.ActionBorrow, lending.ActionRepay:
		res.AddError("Vault markets only support supply and withdraw")

	default:
		return nil, errors.Wrapf(errors.ErrActionNotSupported, "action %q", p.Action)
	}
	return res, nil
}

func (a *Adapter) validateDeposit(ctx context.Context, vault common.Address, meta vaultMeta, p lending.ActionParams, res *lending.ValidationResult) error {
	user := common.HexToAddress(p.User)
	decimals := int32(meta.asset.Decimals)

	balance, err := evm.ERC20BalanceOf(ctx, a.caller, meta.underlying, user)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(balance, decimals).LessThan(p.Amount) {
		res.AddError(lending.RevertInsufficientBalance.Message())
		return nil
	}

	max, err := a.MaxDeposit(ctx, p.MarketID, p.User)
	if err != nil {
		return err
	}
	if max != nil && p.Amount.GreaterThan(*max) {
		res.AddError(lending.RevertCapExceeded.Message())
		return nil
	}

	allowance, err := evm.ERC20Allowance(ctx, a.caller, meta.underlying, user, vault)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(allowance, decimals).LessThan(p.Amount) {
		res.AddWarning(lending.RevertInsufficientAllowance.Message())
	}
	return nil
}

func (a *Adapter) approvalIfNeeded(ctx context.Context, vault common.Address, meta vaultMeta, p lending.ActionParams, raw *big.Int) ([]lending.CallDescription, error) {
	user := common.HexToAddress(p.User)
	allowance, err := evm.ERC20Allowance(ctx, a.caller, meta.underlying, user, vault)
	if err != nil {
		return nil, errors.Wrap(err, "read allowance")
	}
	if allowance.Cmp(raw) >= 0 {
		return nil, nil
	}
	return []lending.CallDescription{{
		To:          meta.asset.Address,
		Data:        hexutil.Encode(evm.ApproveCalldata(vault, raw)),
		Value:       "0",
		Description: fmt.Sprintf("Approve %s %s for %s", p.Amount, meta.asset.Symbol, meta.shareSymbol),
	}}, nil
}

func (a *Adapter) resolveMarket(ctx context.Context, p lending.ActionParams) (common.Address, vaultMeta, error) {
	if !p.Amount.IsPositive() {
		return common.Address{}, vaultMeta{}, errors.ErrZeroAmount
	}
	if !common.IsHexAddress(p.User) {
		return common.Address{}, vaultMeta{}, errors.Newf("invalid user address %q", p.User)
	}
	if !common.IsHexAddress(p.MarketID) {
		return common.Address{}, vaultMeta{}, errors.Wrapf(errors.ErrMarketNotFound, "bad market id %q", p.MarketID)
	}
	vault := common.HexToAddress(p.MarketID)
	if !a.isConfigured(vault) {
		return common.Address{}, vaultMeta{}, errors.Wrapf(errors.ErrMarketNotFound, "vault %s not tracked", p.MarketID)
	}
	meta, err := a.vaultMeta(ctx, vault)
	if err != nil {
		return common.Address{}, vaultMeta{}, err
	}
	return vault, meta, nil
}

func (a *Adapter) isConfigured(vault common.Address) bool {
	for _, addr := range a.vaults {
		if addr == vault {
			return true
		}
	}
	return false
}
