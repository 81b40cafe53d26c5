// Package simulation dry-runs lending actions against live chain state
// before an executor signs anything. A failed simulation is a
// structured classification, not an error: errors are reserved for
// malformed requests and for infrastructure that prevented the dry-run
// from happening at all. Results are never retried here, because a
// revert means on-chain state has to change first.
package simulation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/evm"
	"atlas/internal/adapters/protocols"
	"atlas/internal/domain/lending"
	"atlas/internal/metrics"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const (
	outcomeSuccess          = "success"
	outcomeValidationFailed = "validation_failed"
	outcomeReverted         = "reverted"
	outcomeError            = "error"
)

// Service simulates lending actions through the protocol adapters and
// a read-only chain connection.
type Service struct {
	registry *protocols.Registry
	chain    evm.Caller
	log      *logger.Logger
}

// NewService creates the simulation service.
func NewService(registry *protocols.Registry, chain evm.Caller, log *logger.Logger) *Service {
	return &Service{
		registry: registry,
		chain:    chain,
		log:      log.Named("simulation"),
	}
}

// Simulate dry-runs the action described by p and classifies the
// outcome. The result is final for the current chain state: running
// the same simulation again without anything changing on chain
// reproduces the same answer.
func (s *Service) Simulate(ctx context.Context, p lending.ActionParams) (*lending.SimulationResult, error) {
	started := time.Now()
	result, outcome, err := s.simulate(ctx, p)

	action := p.Action.String()
	if !p.Action.Valid() {
		action = "invalid"
	}
	metrics.RecordSimulation(action, outcome, time.Since(started))
	if err != nil {
		return nil, err
	}

	s.log.Debugw("action simulated",
		"protocol", p.Protocol,
		"market", p.MarketID,
		"action", p.Action.String(),
		"amount", p.Amount,
		"success", result.Success,
		"reason", result.RevertReason,
		"gas", result.GasEstimate,
	)
	return result, nil
}

func (s *Service) simulate(ctx context.Context, p lending.ActionParams) (*lending.SimulationResult, string, error) {
	if !p.Action.Valid() {
		return nil, outcomeError, errors.Wrapf(errors.ErrInvalidInput, "action %q", p.Action)
	}
	if !common.IsHexAddress(p.User) {
		return nil, outcomeError, errors.Wrapf(errors.ErrInvalidInput, "user address %q", p.User)
	}
	if !common.IsHexAddress(p.Asset.Address) {
		return nil, outcomeError, errors.Wrapf(errors.ErrInvalidInput, "asset address %q", p.Asset.Address)
	}
	if !p.Amount.IsPositive() {
		return lending.FailedSimulation(lending.RevertZeroAmount, "requested amount is not positive"),
			outcomeValidationFailed, nil
	}

	adapter, err := s.registry.Get(p.Protocol)
	if err != nil {
		return nil, outcomeError, err
	}

	switch p.Action {
	case lending.ActionSupply:
		return s.simulateSupply(ctx, adapter, p)
	case lending.ActionWithdraw:
		return s.simulateWithdraw(ctx, adapter, p)
	case lending.ActionBorrow:
		return s.simulateBorrow(ctx, adapter, p)
	default:
		return s.simulateRepay(ctx, adapter, p)
	}
}

// simulateSupply walks the deposit flow: wallet balance gates
// everything with zero gas and no further calls, a short allowance is
// only a warning because the built call sequence already starts with
// the approval, deposit caps are checked through the adapter, and the
// dry-run catches whatever the protocol itself would reject.
func (s *Service) simulateSupply(ctx context.Context, adapter protocols.Adapter, p lending.ActionParams) (*lending.SimulationResult, string, error) {
	token := common.HexToAddress(p.Asset.Address)
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	failure, err := s.balanceGate(ctx, token, user, raw, p)
	if err != nil {
		return nil, outcomeError, err
	}
	if failure != nil {
		return failure, outcomeValidationFailed, nil
	}

	calls, err := adapter.BuildSupply(ctx, p)
	if err != nil {
		return nil, outcomeError, err
	}
	action, err := actionCall(calls)
	if err != nil {
		return nil, outcomeError, err
	}

	var warnings []string
	warning, err := s.allowanceWarning(ctx, token, user, common.HexToAddress(action.To), raw, p)
	if err != nil {
		return nil, outcomeError, err
	}
	if warning != "" {
		warnings = append(warnings, warning)
	}

	max, err := adapter.MaxDeposit(ctx, p.MarketID, p.User)
	if err != nil {
		return nil, outcomeError, err
	}
	if max != nil && max.LessThan(p.Amount) {
		failure := lending.FailedSimulation(lending.RevertCapExceeded,
			fmt.Sprintf("market accepts at most %s %s, requested %s", max, p.Asset.Symbol, p.Amount))
		failure.Warnings = warnings
		failure.Calls = calls
		return failure, outcomeValidationFailed, nil
	}

	result, outcome, err := s.execute(ctx, user, action)
	if err != nil || !result.Success {
		attachContext(result, warnings, calls)
		return result, outcome, err
	}

	output, err := adapter.PreviewDeposit(ctx, p.MarketID, p.Amount)
	if err != nil {
		return nil, outcomeError, errors.Wrap(err, "preview deposit")
	}
	result.ExpectedOutput = output
	attachContext(result, warnings, calls)
	return result, outcome, nil
}

// simulateWithdraw distinguishes two failure modes the caller fixes
// differently: the position not covering the amount, and the pool not
// holding enough cash to honor a position that does cover it.
func (s *Service) simulateWithdraw(ctx context.Context, adapter protocols.Adapter, p lending.ActionParams) (*lending.SimulationResult, string, error) {
	positions, err := adapter.GetUserPositions(ctx, p.User)
	if err != nil {
		return nil, outcomeError, errors.Wrap(err, "read positions")
	}
	supplied := decimal.Zero
	for i := range positions {
		if positions[i].MarketID == p.MarketID {
			supplied = positions[i].SupplyBalance
			break
		}
	}
	if supplied.LessThan(p.Amount) {
		return lending.FailedSimulation(lending.RevertInsufficientBalance,
				fmt.Sprintf("position holds %s %s, requested %s", supplied, p.Asset.Symbol, p.Amount)),
			outcomeValidationFailed, nil
	}

	max, err := adapter.MaxWithdraw(ctx, p.MarketID, p.User)
	if err != nil {
		return nil, outcomeError, err
	}
	if max.LessThan(p.Amount) {
		return lending.FailedSimulation(lending.RevertInsufficientLiquidity,
				fmt.Sprintf("pool can honor at most %s %s right now, requested %s", max, p.Asset.Symbol, p.Amount)),
			outcomeValidationFailed, nil
	}

	calls, err := adapter.BuildWithdraw(ctx, p)
	if err != nil {
		return nil, outcomeError, err
	}
	action, err := actionCall(calls)
	if err != nil {
		return nil, outcomeError, err
	}

	user := common.HexToAddress(p.User)
	result, outcome, err := s.execute(ctx, user, action)
	if err != nil || !result.Success {
		attachContext(result, nil, calls)
		return result, outcome, err
	}

	output, err := adapter.PreviewWithdraw(ctx, p.MarketID, p.Amount)
	if err != nil {
		return nil, outcomeError, errors.Wrap(err, "preview withdraw")
	}
	result.ExpectedOutput = output
	attachContext(result, nil, calls)
	return result, outcome, nil
}

// simulateBorrow has no wallet-side gates: collateral sufficiency,
// borrow caps and pool liquidity are all protocol state, and the
// dry-run reports them through the revert taxonomy.
func (s *Service) simulateBorrow(ctx context.Context, adapter protocols.Adapter, p lending.ActionParams) (*lending.SimulationResult, string, error) {
	calls, err := adapter.BuildBorrow(ctx, p)
	if err != nil {
		return nil, outcomeError, err
	}
	action, err := actionCall(calls)
	if err != nil {
		return nil, outcomeError, err
	}

	user := common.HexToAddress(p.User)
	result, outcome, err := s.execute(ctx, user, action)
	if err != nil || !result.Success {
		attachContext(result, nil, calls)
		return result, outcome, err
	}
	result.ExpectedOutput = p.Amount
	attachContext(result, nil, calls)
	return result, outcome, nil
}

// simulateRepay gates on the wallet like supply does: repaying pulls
// the asset from the user, so balance and allowance both apply.
func (s *Service) simulateRepay(ctx context.Context, adapter protocols.Adapter, p lending.ActionParams) (*lending.SimulationResult, string, error) {
	token := common.HexToAddress(p.Asset.Address)
	user := common.HexToAddress(p.User)
	raw := evm.ToBaseUnits(p.Amount, int32(p.Asset.Decimals))

	failure, err := s.balanceGate(ctx, token, user, raw, p)
	if err != nil {
		return nil, outcomeError, err
	}
	if failure != nil {
		return failure, outcomeValidationFailed, nil
	}

	calls, err := adapter.BuildRepay(ctx, p)
	if err != nil {
		return nil, outcomeError, err
	}
	action, err := actionCall(calls)
	if err != nil {
		return nil, outcomeError, err
	}

	var warnings []string
	warning, err := s.allowanceWarning(ctx, token, user, common.HexToAddress(action.To), raw, p)
	if err != nil {
		return nil, outcomeError, err
	}
	if warning != "" {
		warnings = append(warnings, warning)
	}

	result, outcome, err := s.execute(ctx, user, action)
	if err != nil || !result.Success {
		attachContext(result, warnings, calls)
		return result, outcome, err
	}
	result.ExpectedOutput = p.Amount
	attachContext(result, warnings, calls)
	return result, outcome, nil
}

// balanceGate returns a classified failure when the wallet holds less
// than the requested amount, nil when it covers it.
func (s *Service) balanceGate(ctx context.Context, token, user common.Address, raw *big.Int, p lending.ActionParams) (*lending.SimulationResult, error) {
	balance, err := evm.ERC20BalanceOf(ctx, s.chain, token, user)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s balance", p.Asset.Symbol)
	}
	if balance.Cmp(raw) >= 0 {
		return nil, nil
	}
	held := evm.FromBaseUnits(balance, int32(p.Asset.Decimals))
	return lending.FailedSimulation(lending.RevertInsufficientBalance,
		fmt.Sprintf("wallet holds %s %s, requested %s", held, p.Asset.Symbol, p.Amount)), nil
}

// allowanceWarning returns an "approval required" warning when the
// spender's current allowance does not cover the amount, "" when it
// does. The built call sequence already leads with the approval, so a
// short allowance never aborts the simulation by itself.
func (s *Service) allowanceWarning(ctx context.Context, token, user, spender common.Address, raw *big.Int, p lending.ActionParams) (string, error) {
	allowance, err := evm.ERC20Allowance(ctx, s.chain, token, user, spender)
	if err != nil {
		return "", errors.Wrapf(err, "read %s allowance", p.Asset.Symbol)
	}
	if allowance.Cmp(raw) >= 0 {
		return "", nil
	}
	granted := evm.FromBaseUnits(allowance, int32(p.Asset.Decimals))
	return fmt.Sprintf("approval required: current allowance %s %s below requested %s",
		granted, p.Asset.Symbol, p.Amount), nil
}

// execute dry-runs the action call and, when it executes cleanly,
// fills in the gas numbers. Reverts come back as classified failures
// with the reverted outcome; transport errors surface as errors.
func (s *Service) execute(ctx context.Context, from common.Address, action lending.CallDescription) (*lending.SimulationResult, string, error) {
	msg, err := buildCallMsg(from, action)
	if err != nil {
		return nil, outcomeError, err
	}

	if _, err := s.chain.CallContract(ctx, msg); err != nil {
		if !evm.IsRevert(err) {
			return nil, outcomeError, errors.Wrap(err, "dry-run call")
		}
		rawMsg := evm.RevertMessage(err)
		return lending.FailedSimulation(lending.ClassifyRevert(rawMsg), lending.TruncateRevert(rawMsg)),
			outcomeReverted, nil
	}

	gas, err := s.chain.EstimateGas(ctx, msg)
	if err != nil {
		// estimateGas re-executes the call, so a revert here means
		// state moved between the two node calls. Trust the newer
		// signal. Anything else degrades to a zero estimate since the
		// dry-run itself already passed.
		if evm.IsRevert(err) {
			rawMsg := evm.RevertMessage(err)
			return lending.FailedSimulation(lending.ClassifyRevert(rawMsg), lending.TruncateRevert(rawMsg)),
				outcomeReverted, nil
		}
		s.log.Warnw("gas estimate unavailable", "to", action.To, "error", err)
		gas = 0
	}

	price := decimal.Zero
	wei, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		s.log.Warnw("gas price unavailable", "error", err)
	} else if wei != nil {
		price = decimal.NewFromBigInt(wei, 0)
	}

	return &lending.SimulationResult{
		Success:     true,
		GasEstimate: gas,
		GasPriceWei: price,
	}, outcomeSuccess, nil
}

// actionCall returns the call the dry-run targets: the last one, since
// adapters order any prerequisite approval first.
func actionCall(calls []lending.CallDescription) (lending.CallDescription, error) {
	if len(calls) == 0 {
		return lending.CallDescription{}, errors.Wrap(errors.ErrInternal, "adapter built no calls")
	}
	return calls[len(calls)-1], nil
}

// attachContext carries the warnings and the full unsigned call
// sequence onto the result, success or not, so the caller can show
// what would be signed.
func attachContext(result *lending.SimulationResult, warnings []string, calls []lending.CallDescription) {
	if result == nil {
		return
	}
	result.Warnings = append(result.Warnings, warnings...)
	result.Calls = calls
}

func buildCallMsg(from common.Address, call lending.CallDescription) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(call.To) {
		return ethereum.CallMsg{}, errors.Wrapf(errors.ErrMalformedPayload, "call target %q", call.To)
	}
	data, err := hexutil.Decode(call.Data)
	if err != nil {
		return ethereum.CallMsg{}, errors.Wrapf(errors.ErrMalformedPayload, "calldata for %s", call.To)
	}
	value := new(big.Int)
	if call.Value != "" {
		if _, ok := value.SetString(call.Value, 10); !ok {
			return ethereum.CallMsg{}, errors.Wrapf(errors.ErrMalformedPayload, "call value %q", call.Value)
		}
	}
	to := common.HexToAddress(call.To)
	return ethereum.CallMsg{From: from, To: &to, Data: data, Value: value}, nil
}
