package models

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds is returned when a wallet debit exceeds the balance.
// It is a business-rule failure, propagated to the caller for user-facing
// messaging.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ValidationError marks caller input that is rejected synchronously and never
// partially applied (negative amounts, refund above the refundable balance).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PolicyError marks an operation that is structurally valid but forbidden by
// a platform policy boundary, e.g. refunding an order whose escrow was
// already released. Never silently downgraded.
type PolicyError struct {
	Msg string
}

func (e *PolicyError) Error() string { return e.Msg }

// Policyf builds a PolicyError with a formatted message.
func Policyf(format string, args ...interface{}) error {
	return &PolicyError{Msg: fmt.Sprintf(format, args...)}
}

// IsPolicy reports whether err is a PolicyError.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
