// Package evmtest provides an in-memory Caller for adapter tests: calls
// are answered from a (contract, method selector) table, no node needed.
package evmtest

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// FakeCaller implements evm.Caller from a stub table.
type FakeCaller struct {
	t *testing.T

	mu      sync.Mutex
	returns map[string][]byte
	exact   map[string][]byte
	fails   map[string]error

	GasEstimate uint64
	GasPrice    *big.Int
	EstimateErr error

	Calls []ethereum.CallMsg
}

// NewFakeCaller builds an empty fake with sane gas defaults.
func NewFakeCaller(t *testing.T) *FakeCaller {
	return &FakeCaller{
		t:           t,
		returns:     make(map[string][]byte),
		exact:       make(map[string][]byte),
		fails:       make(map[string]error),
		GasEstimate: 210_000,
		GasPrice:    big.NewInt(20_000_000_000),
	}
}

func key(to common.Address, selector []byte) string {
	return strings.ToLower(to.Hex()) + ":" + hex.EncodeToString(selector)
}

// Stub registers the outputs a method returns for a contract.
func (f *FakeCaller) Stub(to common.Address, contractABI abi.ABI, method string, outputs ...interface{}) {
	m, ok := contractABI.Methods[method]
	require.True(f.t, ok, "unknown method %s", method)
	ret, err := m.Outputs.Pack(outputs...)
	require.NoError(f.t, err, "pack outputs for %s", method)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns[key(to, m.ID)] = ret
	delete(f.fails, key(to, m.ID))
}

// StubArgs registers outputs for one exact argument combination. It wins
// over Stub when both match, so methods called with varying arguments
// (price feeds, asset indexes) can return per-argument answers.
func (f *FakeCaller) StubArgs(to common.Address, contractABI abi.ABI, method string, args []interface{}, outputs ...interface{}) {
	m, ok := contractABI.Methods[method]
	require.True(f.t, ok, "unknown method %s", method)
	data, err := contractABI.Pack(method, args...)
	require.NoError(f.t, err, "pack args for %s", method)
	ret, err := m.Outputs.Pack(outputs...)
	require.NoError(f.t, err, "pack outputs for %s", method)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.exact[key(to, data)] = ret
}

// StubError makes a method fail with err.
func (f *FakeCaller) StubError(to common.Address, contractABI abi.ABI, method string, err error) {
	m, ok := contractABI.Methods[method]
	require.True(f.t, ok, "unknown method %s", method)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[key(to, m.ID)] = err
	delete(f.returns, key(to, m.ID))
}

// CallContract implements evm.Caller.
func (f *FakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	require.NotNil(f.t, msg.To, "call without target")
	require.GreaterOrEqual(f.t, len(msg.Data), 4, "call without selector")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, msg)

	if ret, ok := f.exact[key(*msg.To, msg.Data)]; ok {
		return ret, nil
	}
	k := key(*msg.To, msg.Data[:4])
	if err, ok := f.fails[k]; ok {
		return nil, err
	}
	ret, ok := f.returns[k]
	if !ok {
		return nil, fmt.Errorf("unexpected call %s", k)
	}
	return ret, nil
}

// EstimateGas implements evm.Caller.
func (f *FakeCaller) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return f.GasEstimate, nil
}

// SuggestGasPrice implements evm.Caller.
func (f *FakeCaller) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.GasPrice, nil
}

// BlockNumber implements evm.Caller.
func (f *FakeCaller) BlockNumber(context.Context) (uint64, error) {
	return 19_000_000, nil
}

// ERC20ABI is a minimal token surface for stubbing metadata and balances.
var ERC20ABI = mustABI(`[
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`)

// StubToken registers symbol and decimals for a token in one shot.
func (f *FakeCaller) StubToken(token common.Address, symbol string, decimals uint8) {
	f.Stub(token, ERC20ABI, "symbol", symbol)
	f.Stub(token, ERC20ABI, "decimals", decimals)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
