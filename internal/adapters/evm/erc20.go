package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"atlas/pkg/errors"
)

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`

var erc20ABI = MustParseABI(erc20ABIJSON)

// MaxUint256 is the conventional unlimited-approval amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// MustParseABI parses a JSON ABI fragment at package init time.
// Protocol packages declare their contract surfaces with it.
func MustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("evm: invalid ABI: " + err.Error())
	}
	return parsed
}

// ERC20BalanceOf reads token.balanceOf(owner) in base units.
func ERC20BalanceOf(ctx context.Context, c Caller, token, owner common.Address) (*big.Int, error) {
	return callUint256(ctx, c, token, "balanceOf", owner)
}

// ERC20Allowance reads token.allowance(owner, spender) in base units.
func ERC20Allowance(ctx context.Context, c Caller, token, owner, spender common.Address) (*big.Int, error) {
	return callUint256(ctx, c, token, "allowance", owner, spender)
}

// ERC20Decimals reads the token's decimal places.
func ERC20Decimals(ctx context.Context, c Caller, token common.Address) (uint8, error) {
	ret, err := viewCall(ctx, c, token, "decimals")
	if err != nil {
		return 0, err
	}
	out, err := erc20ABI.Unpack("decimals", ret)
	if err != nil {
		return 0, errors.Wrap(err, "decode decimals")
	}
	return out[0].(uint8), nil
}

// ERC20Symbol reads the token's symbol.
func ERC20Symbol(ctx context.Context, c Caller, token common.Address) (string, error) {
	ret, err := viewCall(ctx, c, token, "symbol")
	if err != nil {
		return "", err
	}
	out, err := erc20ABI.Unpack("symbol", ret)
	if err != nil {
		return "", errors.Wrap(err, "decode symbol")
	}
	return out[0].(string), nil
}

// ERC20TotalSupply reads the token's total supply in base units.
func ERC20TotalSupply(ctx context.Context, c Caller, token common.Address) (*big.Int, error) {
	return callUint256(ctx, c, token, "totalSupply")
}

// ApproveCalldata builds calldata for token.approve(spender, amount).
// The caller signs and submits it; this layer never touches keys.
func ApproveCalldata(spender common.Address, amount *big.Int) []byte {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		// static ABI with static argument types, cannot fail at runtime
		panic("evm: pack approve: " + err.Error())
	}
	return data
}

func callUint256(ctx context.Context, c Caller, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	ret, err := viewCall(ctx, c, contract, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", method)
	}
	return out[0].(*big.Int), nil
}

func viewCall(ctx context.Context, c Caller, contract common.Address, method string, args ...interface{}) ([]byte, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	return c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
}
