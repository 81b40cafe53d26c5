package lending

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ActionParams describes one requested lending action against a
// concrete market. Amount is in human token units.
type ActionParams struct {
	Protocol Protocol        `json:"protocol"`
	ChainID  int64           `json:"chainId"`
	MarketID string          `json:"marketId"`
	User     string          `json:"user"`
	Asset    Asset           `json:"asset"`
	Action   ActionType      `json:"action"`
	Amount   decimal.Decimal `json:"amount"`
}

// CallDescription is an unsigned transaction the external executor
// signs and submits. The core never signs or broadcasts.
type CallDescription struct {
	To          string `json:"to"`
	Data        string `json:"data"`  // 0x-prefixed calldata
	Value       string `json:"value"` // wei, decimal string, "0" for token actions
	Description string `json:"description"`
}

// ValidationResult is the structured outcome of a pre-flight check.
// Validation failures are never retried; they describe state the
// caller has to change first.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// AddError appends an error and marks the result invalid.
func (r *ValidationResult) AddError(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

// AddWarning appends a non-fatal warning.
func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// RevertReason is the fixed classification taxonomy for simulation
// failures. Unmatched reverts map to RevertUnknown with a truncated
// raw message.
type RevertReason string

const (
	RevertInsufficientBalance   RevertReason = "insufficient_balance"
	RevertInsufficientAllowance RevertReason = "insufficient_allowance"
	RevertCapExceeded           RevertReason = "cap_exceeded"
	RevertPaused                RevertReason = "paused"
	RevertTransferFailed        RevertReason = "transfer_failed"
	RevertZeroAmount            RevertReason = "zero_amount"
	RevertInsufficientLiquidity RevertReason = "insufficient_liquidity"
	RevertUnknown               RevertReason = "unknown"
)

// Message returns the fixed user-facing message for the classification.
func (r RevertReason) Message() string {
	switch r {
	case RevertInsufficientBalance:
		return "Insufficient balance for this amount"
	case RevertInsufficientAllowance:
		return "Token approval required before this action"
	case RevertCapExceeded:
		return "Amount exceeds the market cap"
	case RevertPaused:
		return "Market is currently paused"
	case RevertTransferFailed:
		return "Token transfer failed"
	case RevertZeroAmount:
		return "Amount must be greater than zero"
	case RevertInsufficientLiquidity:
		return "Pool has insufficient liquidity right now"
	default:
		return "Transaction would revert"
	}
}

// maxRawRevert bounds the raw revert text carried on results. Nodes
// sometimes echo entire calldata blobs in the error string.
const maxRawRevert = 160

// aaveRevertCodes maps Aave v3 numeric revert strings to the taxonomy.
// Aave contracts revert with bare code strings like "51", not prose.
var aaveRevertCodes = map[string]RevertReason{
	"26": RevertZeroAmount,            // INVALID_AMOUNT
	"28": RevertPaused,                // RESERVE_FROZEN
	"29": RevertPaused,                // RESERVE_PAUSED
	"50": RevertCapExceeded,           // BORROW_CAP_EXCEEDED
	"51": RevertCapExceeded,           // SUPPLY_CAP_EXCEEDED
}

// ClassifyRevert maps a raw revert message onto the fixed taxonomy.
// Matching is case-insensitive substring matching over the phrasings
// the supported protocols actually emit; anything unmatched is
// RevertUnknown and the caller keeps the (truncated) raw text.
func ClassifyRevert(raw string) RevertReason {
	msg := strings.ToLower(strings.TrimSpace(raw))
	if msg == "" {
		return RevertUnknown
	}
	if reason, ok := aaveRevertCodes[msg]; ok {
		return reason
	}
	// maker-style reverts hyphenate ("Dai/insufficient-balance")
	msg = strings.ReplaceAll(msg, "-", " ")

	switch {
	case containsAny(msg, "allowance", "not approved", "approve"):
		return RevertInsufficientAllowance
	case containsAny(msg, "exceeds balance", "insufficient balance", "balance too low", "insufficient funds"):
		return RevertInsufficientBalance
	case containsAny(msg, "supply cap", "borrow cap", "cap exceeded", "max deposit", "capacity"):
		return RevertCapExceeded
	case containsAny(msg, "paused", "frozen"):
		return RevertPaused
	case containsAny(msg, "transfer failed", "transferfrom failed", "safetransfer"):
		return RevertTransferFailed
	case containsAny(msg, "zero amount", "amount is zero", "zero assets", "zero shares"):
		return RevertZeroAmount
	case containsAny(msg, "insufficient liquidity", "insufficient cash", "not enough cash", "borrow cash"):
		return RevertInsufficientLiquidity
	}
	return RevertUnknown
}

func containsAny(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

// TruncateRevert caps raw revert text for storage and transport.
func TruncateRevert(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= maxRawRevert {
		return raw
	}
	return raw[:maxRawRevert] + "..."
}

// SimulationResult is the outcome of a single dry-run attempt. It is
// produced synchronously and never retried automatically: a revert
// means on-chain state has to change before the action can succeed.
type SimulationResult struct {
	Success bool `json:"success"`

	GasEstimate uint64          `json:"gasEstimate"`
	GasPriceWei decimal.Decimal `json:"gasPriceWei"`

	// ExpectedOutput is shares for vault deposits, asset amount
	// otherwise, in human units
	ExpectedOutput decimal.Decimal `json:"expectedOutput"`

	RevertReason  RevertReason `json:"revertReason,omitempty"`
	RevertMessage string       `json:"revertMessage,omitempty"`
	RawRevert     string       `json:"rawRevert,omitempty"`

	Warnings []string `json:"warnings,omitempty"`

	Calls []CallDescription `json:"calls,omitempty"`
}

// FailedSimulation builds a failed result with a classification and zero gas.
func FailedSimulation(reason RevertReason, raw string) *SimulationResult {
	return &SimulationResult{
		Success:       false,
		GasEstimate:   0,
		RevertReason:  reason,
		RevertMessage: reason.Message(),
		RawRevert:     raw,
	}
}
