// Package apperrors defines the standardized error kinds surfaced by the engine
package apperrors

import (
	"errors"
	"fmt"
)

// Exchange and engine error sentinels. Adapters map raw venue errors onto
// these; callers branch with errors.Is.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderNotFound     = errors.New("order not found")
	ErrTransient         = errors.New("transient exchange error")
	ErrValidation        = errors.New("validation failed")
	ErrPrecision         = errors.New("precision out of limits")
	ErrInvariantBreach   = errors.New("state invariant breach")
)

// Wrap annotates err with a message, preserving errors.Is matching
func Wrap(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsTransient reports whether the error should be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatalPlacement reports whether a placement error must not be retried
func IsFatalPlacement(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidOrder)
}
