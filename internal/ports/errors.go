package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")
	ErrUnauthorized       = errors.New("unauthorized: shared secret mismatch")

	// Lifecycle Errors
	ErrQuoteUnavailable   = errors.New("price quote unavailable")
	ErrSizingRejected     = errors.New("position sizing rejected")
	ErrReconcileTransient = errors.New("reconciliation query failed, will retry")
	ErrEntryFailed        = errors.New("entry order failed")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrMalformedResponse    = errors.New("malformed exchange response")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")
)

// ValidationError describes a malformed signal or a sizing rejection.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // optional cause, e.g. ErrSizingRejected
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidRequest) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError is a shorthand for a field-level ValidationError.
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExchangeError is a non-success response from the exchange, or a failure to get one.
type ExchangeError struct {
	Op      string // e.g. "PlaceOrder"
	Code    int    // exchange return code, 0 when the failure happened below the API
	Message string
	Err     error // one of the exchange sentinels above
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed: code=%d msg=%s: %v", e.Op, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Message, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsTransient reports whether retrying the same call later could succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrRateLimited)
}
