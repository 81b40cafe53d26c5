package errors

import (
	"errors"
	"fmt"
)

// Generic errors

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")
)

// Data source errors (connectivity class: recoverable via stale cache)

var (
	// ErrRPCUnavailable indicates no RPC endpoint responded
	ErrRPCUnavailable = errors.New("rpc endpoint unavailable")

	// ErrAPIUnavailable indicates an upstream HTTP API is unreachable
	ErrAPIUnavailable = errors.New("upstream api unavailable")

	// ErrRateLimitExceeded indicates an upstream rate limit was hit
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrMalformedPayload indicates an upstream response failed to parse
	ErrMalformedPayload = errors.New("malformed upstream payload")

	// ErrPriceUnavailable indicates no oracle source could price an asset
	ErrPriceUnavailable = errors.New("price unavailable")
)

// Protocol and market errors

var (
	// ErrProtocolUnknown indicates a protocol tag outside the registry
	ErrProtocolUnknown = errors.New("unknown protocol")

	// ErrProtocolUnavailable indicates a protocol adapter failed to respond
	ErrProtocolUnavailable = errors.New("protocol unavailable")

	// ErrMarketNotFound indicates no market matches the requested asset
	ErrMarketNotFound = errors.New("market not found")

	// ErrMarketPaused indicates the market is paused by governance
	ErrMarketPaused = errors.New("market is paused")

	// ErrMarketFrozen indicates the market is frozen (withdraw/repay only)
	ErrMarketFrozen = errors.New("market is frozen")

	// ErrDuplicateMarket indicates two adapters produced the same market id
	ErrDuplicateMarket = errors.New("duplicate market id")
)

// Action validation errors (never retried, surfaced as structured results)

var (
	// ErrZeroAmount indicates a zero or negative action amount
	ErrZeroAmount = errors.New("amount must be positive")

	// ErrInsufficientBalance indicates the user balance cannot cover the amount
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance indicates a missing or too-small token approval
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrSupplyCapExceeded indicates the market supply cap would be breached
	ErrSupplyCapExceeded = errors.New("supply cap exceeded")

	// ErrBorrowCapExceeded indicates the market borrow cap would be breached
	ErrBorrowCapExceeded = errors.New("borrow cap exceeded")

	// ErrVaultCapacityExceeded indicates the vault maxDeposit limit was hit
	ErrVaultCapacityExceeded = errors.New("vault capacity exceeded")

	// ErrInsufficientLiquidity indicates the pool cannot honor a withdrawal
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")

	// ErrHealthFactorTooLow indicates the action would leave the position liquidatable
	ErrHealthFactorTooLow = errors.New("health factor too low")

	// ErrPositionNotFound indicates the user has no position in the market
	ErrPositionNotFound = errors.New("position not found")

	// ErrActionNotSupported indicates the protocol has no such operation
	// (borrowing from a pure yield vault, for example)
	ErrActionNotSupported = errors.New("action not supported by this protocol")
)

// Cache errors

var (
	// ErrCacheMiss indicates no entry exists for the key
	ErrCacheMiss = errors.New("cache miss")

	// ErrNoFallback indicates a fetch failed and no stale entry exists either
	ErrNoFallback = errors.New("fetch failed and no stale fallback entry exists")
)

// DomainError wraps an error with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error with field-specific details
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// MultiError wraps multiple errors
type MultiError struct {
	Errors []error
}

// Error implements the error interface
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(m.Errors), m.Errors[0])
}

// Add adds an error to the list
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ToError returns the MultiError as an error, or nil if no errors
func (m *MultiError) ToError() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

// Classification helpers. The three classes drive handling policy:
// connectivity errors may be retried and served from stale cache,
// validation errors are terminal for the request, integrity errors
// mean inconsistent data that must be logged and dropped.

var connectivityErrors = []error{
	ErrRPCUnavailable,
	ErrAPIUnavailable,
	ErrRateLimitExceeded,
	ErrPriceUnavailable,
	ErrProtocolUnavailable,
	ErrTimeout,
	ErrUnavailable,
}

var validationErrors = []error{
	ErrInvalidInput,
	ErrZeroAmount,
	ErrInsufficientBalance,
	ErrInsufficientAllowance,
	ErrSupplyCapExceeded,
	ErrBorrowCapExceeded,
	ErrVaultCapacityExceeded,
	ErrInsufficientLiquidity,
	ErrHealthFactorTooLow,
	ErrActionNotSupported,
	ErrMarketNotFound,
	ErrProtocolUnknown,
}

// IsConnectivity reports whether err means an upstream could not be
// reached or answered garbage, so a stale cache entry is acceptable.
func IsConnectivity(err error) bool {
	for _, target := range connectivityErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return errors.Is(err, ErrMalformedPayload)
}

// IsValidation reports whether err means the request itself cannot
// succeed. Retrying a validation error is never useful.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsIntegrity reports whether err means two sources disagree about the
// same datum. Integrity errors are logged and the datum dropped.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrDuplicateMarket)
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
