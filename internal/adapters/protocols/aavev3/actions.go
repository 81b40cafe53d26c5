package aavev3

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

// BuildSupply returns approve (only when allowance is short) plus
// Pool.supply. Calls are unsigned descriptions, never broadcast here.
func (a *Adapter) BuildSupply(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	if err := checkParams(p); err != nil {
		return nil, err
	}
	asset := common.HexToAddress(p.Asset.Address)
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	calls, err := a.approvalIfNeeded(ctx, asset, user, raw, p)
	if err != nil {
		return nil, err
	}

	data, err := poolABI.Pack("supply", asset, raw, user, a.cfg.ReferralCode)
	if err != nil {
		return nil, errors.Wrap(err, "pack supply")
	}
	return append(calls, lending.CallDescription{
		To:          a.cfg.Pool,
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Supply %s %s to Aave V3", p.Amount, p.Asset.Symbol),
	}), nil
}

// BuildWithdraw returns Pool.withdraw back to the user's wallet.
func (a *Adapter) BuildWithdraw(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	if err := checkParams(p); err != nil {
		return nil, err
	}
	asset := common.HexToAddress(p.Asset.Address)
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	data, err := poolABI.Pack("withdraw", asset, raw, user)
	if err != nil {
		return nil, errors.Wrap(err, "pack withdraw")
	}
	return []lending.CallDescription{{
		To:          a.cfg.Pool,
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Withdraw %s %s from Aave V3", p.Amount, p.Asset.Symbol),
	}}, nil
}

// BuildBorrow returns Pool.borrow at the variable rate.
func (a *Adapter) BuildBorrow(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	if err := checkParams(p); err != nil {
		return nil, err
	}
	asset := common.HexToAddress(p.Asset.Address)
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	data, err := poolABI.Pack("borrow", asset, raw, big.NewInt(variableRateMode), a.cfg.ReferralCode, user)
	if err != nil {
		return nil, errors.Wrap(err, "pack borrow")
	}
	return []lending.CallDescription{{
		To:          a.cfg.Pool,
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Borrow %s %s from Aave V3", p.Amount, p.Asset.Symbol),
	}}, nil
}

// BuildRepay returns approve (when needed) plus Pool.repay at the
// variable rate.
func (a *Adapter) BuildRepay(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	if err := checkParams(p); err != nil {
		return nil, err
	}
	asset := common.HexToAddress(p.Asset.Address)
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	calls, err := a.approvalIfNeeded(ctx, asset, user, raw, p)
	if err != nil {
		return nil, err
	}

	data, err := poolABI.Pack("repay", asset, raw, big.NewInt(variableRateMode), user)
	if err != nil {
		return nil, errors.Wrap(err, "pack repay")
	}
	return append(calls, lending.CallDescription{
		To:          a.cfg.Pool,
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Repay %s %s to Aave V3", p.Amount, p.Asset.Symbol),
	}), nil
}

// ValidateAction runs the cheap pre-flight checks: parameter sanity,
// market flags, caps, balance and allowance. Failures are structured,
// never retried.
func (a *Adapter) ValidateAction(ctx context.Context, p lending.ActionParams) (*lending.ValidationResult, error) {
	res := &lending.ValidationResult{Valid: true}
	if !p.Amount.IsPositive() {
		res.AddError(lending.RevertZeroAmount.Message())
		return res, nil
	}
	if err := checkParams(p); err != nil {
		res.AddError(err.Error())
		return res, nil
	}

	asset := common.HexToAddress(p.Asset.Address)
	user := common.HexToAddress(p.User)
	decimals := int32(p.Asset.Decimals)

	pausedOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getPaused", asset)
	if err != nil {
		return nil, err
	}
	if pausedOut[0].(bool) {
		res.AddError(lending.RevertPaused.Message())
		return res, nil
	}

	cfgOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveConfigurationData", asset)
	if err != nil {
		return nil, err
	}
	isFrozen := cfgOut[9].(bool)
	borrowingEnabled := cfgOut[6].(bool)
	if isFrozen && (p.Action == lending.ActionSupply || p.Action == lending.ActionBorrow) {
		res.AddError("Market is frozen for new supply and borrow")
		return res, nil
	}

	switch p.Action {
	case lending.ActionSupply:
		if err := a.validateSupply(ctx, asset, user, p, decimals, res); err != nil {
			return nil, err
		}
	case lending.ActionWithdraw:
		if err := a.validateWithdraw(ctx, p, res); err != nil {
			return nil, err
		}
	case lending.ActionBorrow:
		if !borrowingEnabled {
			res.AddError("Borrowing is disabled for this market")
			return res, nil
		}
		if err := a.validateBorrow(ctx, asset, p, decimals, res); err != nil {
			return nil, err
		}
	case lending.ActionRepay:
		if err := a.validateRepay(ctx, asset, user, p, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (a *Adapter) validateSupply(ctx context.Context, asset, user common.Address, p lending.ActionParams, decimals int32, res *lending.ValidationResult) error {
	balance, err := evm.ERC20BalanceOf(ctx, a.caller, asset, user)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(balance, decimals).LessThan(p.Amount) {
		res.AddError(lending.RevertInsufficientBalance.Message())
		return nil
	}

	capsOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveCaps", asset)
	if err != nil {
		return err
	}
	if supplyCap := wholeTokenCap(capsOut[1].(*big.Int)); supplyCap != nil {
		dataOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveData", asset)
		if err != nil {
			return err
		}
		total := evm.FromBaseUnits(dataOut[2].(*big.Int), decimals)
		if total.Add(p.Amount).GreaterThan(*supplyCap) {
			res.AddError(lending.RevertCapExceeded.Message())
			return nil
		}
	}

	allowance, err := evm.ERC20Allowance(ctx, a.caller, asset, user, a.pool)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(allowance, decimals).LessThan(p.Amount) {
		res.AddWarning(lending.RevertInsufficientAllowance.Message())
	}
	return nil
}

func (a *Adapter) validateWithdraw(ctx context.Context, p lending.ActionParams, res *lending.ValidationResult) error {
	max, err := a.MaxWithdraw(ctx, p.MarketID, p.User)
	if err != nil {
		return err
	}
	if p.Amount.GreaterThan(max) {
		res.AddError(lending.RevertInsufficientLiquidity.Message())
	}
	return nil
}

func (a *Adapter) validateBorrow(ctx context.Context, asset common.Address, p lending.ActionParams, decimals int32, res *lending.ValidationResult) error {
	capsOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveCaps", asset)
	if err != nil {
		return err
	}
	if borrowCap := wholeTokenCap(capsOut[0].(*big.Int)); borrowCap != nil {
		dataOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveData", asset)
		if err != nil {
			return err
		}
		totalBorrow := evm.FromBaseUnits(dataOut[3].(*big.Int), decimals).
			Add(evm.FromBaseUnits(dataOut[4].(*big.Int), decimals))
		if totalBorrow.Add(p.Amount).GreaterThan(*borrowCap) {
			res.AddError(lending.RevertCapExceeded.Message())
			return nil
		}
	}

	account, err := a.accountData(ctx, p.User)
	if err != nil {
		return err
	}
	price := a.bestEffortPrice(ctx, p.Asset.Symbol)
	if price.IsPositive() && p.Amount.Mul(price).GreaterThan(account.availableBorrowUSD) {
		res.AddError("Borrow exceeds available borrowing power")
	}
	return nil
}

func (a *Adapter) validateRepay(ctx context.Context, asset, user common.Address, p lending.ActionParams, res *lending.ValidationResult) error {
	balance, err := evm.ERC20BalanceOf(ctx, a.caller, asset, user)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(balance, int32(p.Asset.Decimals)).LessThan(p.Amount) {
		res.AddError(lending.RevertInsufficientBalance.Message())
		return nil
	}
	allowance, err := evm.ERC20Allowance(ctx, a.caller, asset, user, a.pool)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(allowance, int32(p.Asset.Decimals)).LessThan(p.Amount) {
		res.AddWarning(lending.RevertInsufficientAllowance.Message())
	}
	return nil
}

func (a *Adapter) approvalIfNeeded(ctx context.Context, asset, user common.Address, raw *big.Int, p lending.ActionParams) ([]lending.CallDescription, error) {
	allowance, err := evm.ERC20Allowance(ctx, a.caller, asset, user, a.pool)
	if err != nil {
		return nil, errors.Wrap(err, "read allowance")
	}
	if allowance.Cmp(raw) >= 0 {
		return nil, nil
	}
	return []lending.CallDescription{{
		To:          p.Asset.Address,
		Data:        hexutil.Encode(evm.ApproveCalldata(a.pool, raw)),
		Value:       "0",
		Description: fmt.Sprintf("Approve %s %s for Aave V3", p.Amount, p.Asset.Symbol),
	}}, nil
}

func checkParams(p lending.ActionParams) error {
	if !p.Amount.IsPositive() {
		return errors.ErrZeroAmount
	}
	if !common.IsHexAddress(p.Asset.Address) {
		return errors.Newf("invalid asset address %q", p.Asset.Address)
	}
	if !common.IsHexAddress(p.User) {
		return errors.Newf("invalid user address %q", p.User)
	}
	return nil
}
