package comet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/evm"
	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// BuildSupply returns approve (when allowance is short) plus
// comet.supply. The same call shape covers base and collateral assets.
func (a *Adapter) BuildSupply(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	comet, asset, err := a.resolveMarket(p)
	if err != nil {
		return nil, err
	}
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	calls, err := a.approvalIfNeeded(ctx, comet, asset, p, raw)
	if err != nil {
		return nil, err
	}
	data, err := cometABI.Pack("supply", asset, raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack supply")
	}
	return append(calls, lending.CallDescription{
		To:          comet.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Supply %s %s to Compound V3", p.Amount, p.Asset.Symbol),
	}), nil
}

// BuildWithdraw returns comet.withdraw for the user's own balance.
func (a *Adapter) BuildWithdraw(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	comet, asset, err := a.resolveMarket(p)
	if err != nil {
		return nil, err
	}
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	data, err := cometABI.Pack("withdraw", asset, raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack withdraw")
	}
	return []lending.CallDescription{{
		To:          comet.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Withdraw %s %s from Compound V3", p.Amount, p.Asset.Symbol),
	}}, nil
}

// BuildBorrow is a withdraw of the base asset beyond the user's balance;
// the ledger flips the account into debt. Only the base asset can be
// borrowed.
func (a *Adapter) BuildBorrow(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	comet, asset, err := a.resolveMarket(p)
	if err != nil {
		return nil, err
	}
	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return nil, err
	}
	if asset != base {
		return nil, errors.Wrap(errors.ErrActionNotSupported, "only the base asset can be borrowed")
	}
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	data, err := cometABI.Pack("withdraw", asset, raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack withdraw")
	}
	return []lending.CallDescription{{
		To:          comet.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Borrow %s %s from Compound V3", p.Amount, p.Asset.Symbol),
	}}, nil
}

// BuildRepay is a supply of the base asset against the debt.
func (a *Adapter) BuildRepay(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	comet, asset, err := a.resolveMarket(p)
	if err != nil {
		return nil, err
	}
	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return nil, err
	}
	if asset != base {
		return nil, errors.Wrap(errors.ErrActionNotSupported, "only the base asset can be repaid")
	}
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	calls, err := a.approvalIfNeeded(ctx, comet, asset, p, raw)
	if err != nil {
		return nil, err
	}
	data, err := cometABI.Pack("supply", asset, raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack supply")
	}
	return append(calls, lending.CallDescription{
		To:          comet.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Repay %s %s to Compound V3", p.Amount, p.Asset.Symbol),
	}), nil
}

// ValidateAction runs comet pre-flight checks without a dry-run.
func (a *Adapter) ValidateAction(ctx context.Context, p lending.ActionParams) (*lending.ValidationResult, error) {
	res := &lending.ValidationResult{Valid: true}
	if !p.Amount.IsPositive() {
		res.AddError(lending.RevertZeroAmount.Message())
		return res, nil
	}
	comet, asset, err := a.resolveMarket(p)
	if err != nil {
		res.AddError(err.Error())
		return res, nil
	}

	switch p.Action {
	case lending.ActionSupply, lending.ActionRepay:
		pausedOut, err := a.call(ctx, comet, "isSupplyPaused")
		if err != nil {
			return nil, err
		}
		if pausedOut[0].(bool) {
			res.AddError(lending.RevertPaused.Message())
			return res, nil
		}
		if err := a.validateFunding(ctx, comet, asset, p, res); err != nil {
			return nil, err
		}
		if p.Action == lending.ActionSupply {
			if err := a.validateSupplyCap(ctx, comet, asset, p, res); err != nil {
				return nil, err
			}
		}
	case lending.ActionWithdraw, lending.ActionBorrow:
		pausedOut, err := a.call(ctx, comet, "isWithdrawPaused")
		if err != nil {
			return nil, err
		}
		if pausedOut[0].(bool) {
			res.AddError(lending.RevertPaused.Message())
			return res, nil
		}
		if p.Action == lending.ActionBorrow {
			if err := a.validateBorrow(ctx, comet, asset, p, res); err != nil {
				return nil, err
			}
		} else {
			max, err := a.MaxWithdraw(ctx, p.MarketID, p.User)
			if err != nil {
				return nil, err
			}
			if p.Amount.GreaterThan(max) {
				res.AddError(lending.RevertInsufficientLiquidity.Message())
			}
		}
	}
	return res, nil
}

func (a *Adapter) validateFunding(ctx context.Context, comet, asset common.Address, p lending.ActionParams, res *lending.ValidationResult) error {
	user := common.HexToAddress(p.User)
	decimals := int32(p.Asset.Decimals)

	balance, err := evm.ERC20BalanceOf(ctx, a.caller, asset, user)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(balance, decimals).LessThan(p.Amount) {
		res.AddError(lending.RevertInsufficientBalance.Message())
		return nil
	}
	allowance, err := evm.ERC20Allowance(ctx, a.caller, asset, user, comet)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(allowance, decimals).LessThan(p.Amount) {
		res.AddWarning(lending.RevertInsufficientAllowance.Message())
	}
	return nil
}

func (a *Adapter) validateSupplyCap(ctx context.Context, comet, asset common.Address, p lending.ActionParams, res *lending.ValidationResult) error {
	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return err
	}
	if asset == base {
		// the base ledger has no supply cap
		return nil
	}
	infos, err := a.assetInfos(ctx, comet)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Asset != asset || info.SupplyCap == nil || info.SupplyCap.Sign() == 0 {
			continue
		}
		heldRaw, err := evm.ERC20BalanceOf(ctx, a.caller, asset, comet)
		if err != nil {
			return err
		}
		decimals := int32(p.Asset.Decimals)
		held := evm.FromBaseUnits(heldRaw, decimals)
		capAmount := evm.FromBaseUnits(info.SupplyCap, decimals)
		if held.Add(p.Amount).GreaterThan(capAmount) {
			res.AddError(lending.RevertCapExceeded.Message())
		}
		return nil
	}
	return nil
}

func (a *Adapter) validateBorrow(ctx context.Context, comet, asset common.Address, p lending.ActionParams, res *lending.ValidationResult) error {
	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return err
	}
	if asset != base {
		res.AddError("Only the base asset can be borrowed on this market")
		return nil
	}

	minOut, err := a.call(ctx, comet, "baseBorrowMin")
	if err != nil {
		return err
	}
	minBorrow := evm.FromBaseUnits(minOut[0].(*big.Int), int32(p.Asset.Decimals))

	acct, err := a.accountState(ctx, comet, common.HexToAddress(p.User))
	if err != nil {
		return err
	}
	newDebt := acct.baseBorrow.Add(p.Amount)
	if newDebt.LessThan(minBorrow) {
		res.AddError(fmt.Sprintf("Borrow total must be at least %s %s", minBorrow, p.Asset.Symbol))
		return nil
	}

	// borrowing power uses the borrow-side collateral factors, not the
	// liquidation ones
	power := decimal.Zero
	for _, col := range acct.collateral {
		power = power.Add(col.balanceUSD.Mul(col.ltv))
	}
	if newDebt.Mul(acct.basePrice).GreaterThan(power) {
		res.AddError("Borrow exceeds available borrowing power")
	}
	return nil
}

func (a *Adapter) approvalIfNeeded(ctx context.Context, comet, asset common.Address, p lending.ActionParams, raw *big.Int) ([]lending.CallDescription, error) {
	user := common.HexToAddress(p.User)
	allowance, err := evm.ERC20Allowance(ctx, a.caller, asset, user, comet)
	if err != nil {
		return nil, errors.Wrap(err, "read allowance")
	}
	if allowance.Cmp(raw) >= 0 {
		return nil, nil
	}
	return []lending.CallDescription{{
		To:          p.Asset.Address,
		Data:        hexutil.Encode(evm.ApproveCalldata(comet, raw)),
		Value:       "0",
		Description: fmt.Sprintf("Approve %s %s for Compound V3", p.Amount, p.Asset.Symbol),
	}}, nil
}

func (a *Adapter) resolveMarket(p lending.ActionParams) (common.Address, common.Address, error) {
	if !p.Amount.IsPositive() {
		return common.Address{}, common.Address{}, errors.ErrZeroAmount
	}
	if !common.IsHexAddress(p.User) {
		return common.Address{}, common.Address{}, errors.Newf("invalid user address %q", p.User)
	}
	return splitMarketID(p.MarketID)
}
