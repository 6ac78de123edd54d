// Package apperrors defines the sentinel error taxonomy shared across the
// exchange client, risk gate, and execution layers. Components compare
// against these with errors.Is rather than matching on error strings.
package apperrors

import "errors"

// Generic exchange-transport errors.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Bitbank-specific error codes, named in SPEC_FULL.md §6/§7.
var (
	ErrInsufficientMargin = errors.New("bitbank 50061: insufficient margin")
	ErrBadOrderType       = errors.New("bitbank 50062: bad order type")
	ErrBitbankOrderNotFound = errors.New("bitbank 60002: order not found")
	ErrTooManyOrders      = errors.New("bitbank 60011: too many active orders")
	ErrBitbankRateLimited = errors.New("bitbank 60012: rate limit exceeded")
)

// Error-kind sentinels for the handling taxonomy in SPEC_FULL.md §7. These
// are wrapped around the concrete error above with fmt.Errorf("...: %w", ...)
// so callers can classify with errors.Is without string matching.
var (
	ErrValidation         = errors.New("validation error")
	ErrExchangeTransient  = errors.New("transient exchange error")
	ErrStateCorruption    = errors.New("state corruption")
	ErrPartialEntry       = errors.New("partial success in atomic entry")
	ErrReconciliationGap  = errors.New("reconciliation gap")
)

// BitbankCodeToError maps a Bitbank numeric error code to a sentinel error.
// Unknown codes map to ErrExchangeTransient so the retry policy still has a
// sane default classification.
func BitbankCodeToError(code int) error {
	switch code {
	case 50061:
		return ErrInsufficientMargin
	case 50062:
		return ErrBadOrderType
	case 60002:
		return ErrBitbankOrderNotFound
	case 60011:
		return ErrTooManyOrders
	case 60012:
		return ErrBitbankRateLimited
	default:
		return ErrExchangeTransient
	}
}

// IsTransient reports whether err should be retried by an outer retry loop.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExchangeTransient) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrBitbankRateLimited) ||
		errors.Is(err, ErrSystemOverload)
}

// IsFatal reports whether err should never be retried (the attempt should
// give up immediately and propagate), matching the Bitbank-side cases spec.md
// §7 names as non-retriable (insufficient margin, bad parameters).
func IsFatal(err error) bool {
	return errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrBadOrderType) ||
		errors.Is(err, ErrInvalidOrderParameter) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrAuthenticationFailed)
}
