package ctoken

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

// BuildSupply mints receipt tokens for the underlying amount.
func (a *Adapter) BuildSupply(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	ct, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		return nil, err
	}
	raw := evm.ToBaseUnits(p.Amount, int32(meta.asset.Decimals))

	calls, err := a.approvalIfNeeded(ctx, ct, meta, p, raw)
	if err != nil {
		return nil, err
	}
	data, err := cTokenABI.Pack("mint", raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack mint")
	}
	return append(calls, lending.CallDescription{
		To:          ct.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Supply %s %s to Compound V2", p.Amount, meta.asset.Symbol),
	}), nil
}

// BuildWithdraw redeems by underlying amount, letting the contract work
// out how many receipt tokens to burn at the current exchange rate.
func (a *Adapter) BuildWithdraw(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	ct, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		return nil, err
	}
	raw := evm.ToBaseUnits(p.Amount, int32(meta.asset.Decimals))

	data, err := cTokenABI.Pack("redeemUnderlying", raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack redeemUnderlying")
	}
	return []lending.CallDescription{{
		To:          ct.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Withdraw %s %s from Compound V2", p.Amount, meta.asset.Symbol),
	}}, nil
}

// BuildBorrow draws underlying against entered collateral.
func (a *Adapter) BuildBorrow(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	ct, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		return nil, err
	}
	raw := evm.ToBaseUnits(p.Amount, int32(meta.asset.Decimals))

	data, err := cTokenABI.Pack("borrow", raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack borrow")
	}
	return []lending.CallDescription{{
		To:          ct.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Borrow %s %s from Compound V2", p.Amount, meta.asset.Symbol),
	}}, nil
}

// BuildRepay pays down an open borrow.
func (a *Adapter) BuildRepay(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error) {
	ct, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		return nil, err
	}
	raw := evm.ToBaseUnits(p.Amount, int32(meta.asset.Decimals))

	calls, err := a.approvalIfNeeded(ctx, ct, meta, p, raw)
	if err != nil {
		return nil, err
	}
	data, err := cTokenABI.Pack("repayBorrow", raw)
	if err != nil {
		return nil, errors.Wrap(err, "pack repayBorrow")
	}
	return append(calls, lending.CallDescription{
		To:          ct.Hex(),
		Data:        hexutil.Encode(data),
		Value:       "0",
		Description: fmt.Sprintf("Repay %s %s to Compound V2", p.Amount, meta.asset.Symbol),
	}), nil
}

// ValidateAction runs the protocol preconditions without building calls.
func (a *Adapter) ValidateAction(ctx context.Context, p lending.ActionParams) (*lending.ValidationResult, error) {
	res := &lending.ValidationResult{Valid: true}
	if !p.Amount.IsPositive() {
		res.AddError(lending.RevertZeroAmount.Message())
		return res, nil
	}
	ct, meta, err := a.resolveMarket(ctx, p)
	if err != nil {
		res.AddError(err.Error())
		return res, nil
	}

	switch p.Action {
	case lending.ActionSupply:
		mintPaused, _, err := a.guardians(ctx, ct)
		if err != nil {
			return nil, err
		}
		if mintPaused {
			res.AddError(lending.RevertPaused.Message())
			return res, nil
		}
		if err := a.validateFunding(ctx, ct, meta, p, res); err != nil {
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

	case lending.ActionBorrow:
		if err := a.validateBorrow(ctx, ct, meta, p, res); err != nil {
			return nil, err
		}

	case lending.ActionRepay:
		if err := a.validateFunding(ctx, ct, meta, p, res); err != nil {
			return nil, err
		}
		borrowOut, err := a.call(ctx, ct, cTokenABI, "borrowBalanceStored", common.HexToAddress(p.User))
		if err != nil {
			return nil, err
		}
		owed := evm.FromBaseUnits(borrowOut[0].(*big.Int), int32(meta.asset.Decimals))
		// repayBorrow reverts on overpayment instead of clamping
		if p.Amount.GreaterThan(owed) {
			res.AddError(fmt.Sprintf("Repay amount exceeds outstanding borrow of %s %s", owed, meta.asset.Symbol))
		}

	default:
		return nil, errors.Wrapf(errors.ErrActionNotSupported, "action %q", p.Action)
	}
	return res, nil
}

func (a *Adapter) validateFunding(ctx context.Context, ct common.Address, meta marketMeta, p lending.ActionParams, res *lending.ValidationResult) error {
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
	allowance, err := evm.ERC20Allowance(ctx, a.caller, meta.underlying, user, ct)
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(allowance, decimals).LessThan(p.Amount) {
		res.AddWarning(lending.RevertInsufficientAllowance.Message())
	}
	return nil
}

func (a *Adapter) validateBorrow(ctx context.Context, ct common.Address, meta marketMeta, p lending.ActionParams, res *lending.ValidationResult) error {
	_, borrowPaused, err := a.guardians(ctx, ct)
	if err != nil {
		return err
	}
	if borrowPaused {
		res.AddError(lending.RevertPaused.Message())
		return nil
	}
	decimals := int32(meta.asset.Decimals)

	capOut, err := a.call(ctx, a.comptroller, comptrollerABI, "borrowCaps", ct)
	if err != nil {
		return err
	}
	if c := capOut[0].(*big.Int); c.Sign() > 0 {
		borrowsOut, err := a.call(ctx, ct, cTokenABI, "totalBorrows")
		if err != nil {
			return err
		}
		total := evm.FromBaseUnits(borrowsOut[0].(*big.Int), decimals)
		if total.Add(p.Amount).GreaterThan(evm.FromBaseUnits(c, decimals)) {
			res.AddError(lending.RevertCapExceeded.Message())
			return nil
		}
	}

	cashOut, err := a.call(ctx, ct, cTokenABI, "getCash")
	if err != nil {
		return err
	}
	if evm.FromBaseUnits(cashOut[0].(*big.Int), decimals).LessThan(p.Amount) {
		res.AddError(lending.RevertInsufficientLiquidity.Message())
		return nil
	}

	liqOut, err := a.call(ctx, a.comptroller, comptrollerABI, "getAccountLiquidity", common.HexToAddress(p.User))
	if err != nil {
		return err
	}
	if liqOut[2].(*big.Int).Sign() > 0 {
		res.AddError("Account is already below its collateral requirement")
		return nil
	}
	liquidity := evm.WadToDecimal(liqOut[1].(*big.Int))

	oracle, err := a.oracleAddress(ctx)
	if err != nil {
		return err
	}
	price, err := a.underlyingPrice(ctx, oracle, ct, decimals)
	if err != nil {
		return err
	}
	if p.Amount.Mul(price).GreaterThan(liquidity) {
		res.AddError("Borrow exceeds available borrowing power")
	}
	return nil
}

func (a *Adapter) approvalIfNeeded(ctx context.Context, ct common.Address, meta marketMeta, p lending.ActionParams, raw *big.Int) ([]lending.CallDescription, error) {
	user := common.HexToAddress(p.User)
	allowance, err := evm.ERC20Allowance(ctx, a.caller, meta.underlying, user, ct)
	if err != nil {
		return nil, errors.Wrap(err, "read allowance")
	}
	if allowance.Cmp(raw) >= 0 {
		return nil, nil
	}
	return []lending.CallDescription{{
		To:          meta.asset.Address,
		Data:        hexutil.Encode(evm.ApproveCalldata(ct, raw)),
		Value:       "0",
		Description: fmt.Sprintf("Approve %s %s for Compound V2", p.Amount, meta.asset.Symbol),
	}}, nil
}

func (a *Adapter) resolveMarket(ctx context.Context, p lending.ActionParams) (common.Address, marketMeta, error) {
	if !p.Amount.IsPositive() {
		return common.Address{}, marketMeta{}, errors.ErrZeroAmount
	}
	if !common.IsHexAddress(p.User) {
		return common.Address{}, marketMeta{}, errors.Newf("invalid user address %q", p.User)
	}
	if !common.IsHexAddress(p.MarketID) {
		return common.Address{}, marketMeta{}, errors.Wrapf(errors.ErrMarketNotFound, "bad market id %q", p.MarketID)
	}
	ct := common.HexToAddress(p.MarketID)
	if !a.isConfigured(ct) {
		return common.Address{}, marketMeta{}, errors.Wrapf(errors.ErrMarketNotFound, "cToken %s not tracked", p.MarketID)
	}
	meta, err := a.marketMeta(ctx, ct)
	if err != nil {
		return common.Address{}, marketMeta{}, err
	}
	return ct, meta, nil
}

func (a *Adapter) isConfigured(ct common.Address) bool {
	for _, addr := range a.cTokens {
		if addr == ct {
			return true
		}
	}
	return false
}
