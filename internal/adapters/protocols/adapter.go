// Package protocols defines the contract every lending protocol adapter
// implements and the static registry the aggregation layer fans out over.
//
// Adapters normalize four accounting schemes into one model: 1:1 receipt
// tokens, base-asset ledgers, exchange-rate-indexed tokens and ERC-4626
// share vaults. Everything protocol-specific stays behind this interface.
package protocols

import (
	"context"

	"github.com/shopspring/decimal"

	"atlas/internal/domain/lending"
	"atlas/internal/domain/risk"
)

// Adapter is implemented once per protocol. All amounts cross this
// boundary in human token units; adapters own the base-unit conversion
// for their accounting scheme.
type Adapter interface {
	// Protocol returns the adapter's namespace. Market and position
	// records it emits must carry this protocol id.
	Protocol() lending.Protocol

	// GetMarkets reads every market the protocol currently exposes.
	GetMarkets(ctx context.Context) ([]lending.LendingMarket, error)

	// GetUserPositions reads the user's balances across the protocol's
	// markets. Zero positions are omitted.
	GetUserPositions(ctx context.Context, user string) ([]lending.LendingPosition, error)

	// BuildSupply and friends produce the unsigned calls an executor
	// would submit, approval first where one is required. Unsupported
	// actions return ErrActionNotSupported.
	BuildSupply(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error)
	BuildWithdraw(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error)
	BuildBorrow(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error)
	BuildRepay(ctx context.Context, p lending.ActionParams) ([]lending.CallDescription, error)

	// ValidateAction runs protocol pre-flight checks without touching
	// chain state: parameter sanity, capability flags, caps.
	ValidateAction(ctx context.Context, p lending.ActionParams) (*lending.ValidationResult, error)

	// CalculateHealthFactor reads the user's current health factor.
	// +Inf means no debt.
	CalculateHealthFactor(ctx context.Context, user string) (float64, error)

	// SimulateHealthFactor recomputes the health factor with the
	// adjustment applied, without mutating anything.
	SimulateHealthFactor(ctx context.Context, user string, adj risk.ActionAdjustment) (float64, error)

	// PreviewDeposit returns the expected output of a deposit: shares
	// for vaults, the amount itself for 1:1 schemes.
	PreviewDeposit(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error)

	// PreviewWithdraw returns the vault's previewWithdraw result for
	// share vaults, the amount itself for 1:1 schemes.
	PreviewWithdraw(ctx context.Context, marketID string, amount decimal.Decimal) (decimal.Decimal, error)

	// MaxDeposit returns the largest deposit the market accepts right
	// now, nil when unbounded.
	MaxDeposit(ctx context.Context, marketID, user string) (*decimal.Decimal, error)

	// MaxWithdraw returns the largest amount the user could withdraw
	// right now: bounded by both the position and pool liquidity.
	MaxWithdraw(ctx context.Context, marketID, user string) (decimal.Decimal, error)
}
