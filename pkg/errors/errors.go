// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// Admission and window-state errors, returned synchronously to callers.
	ErrWindowClosed       = errors.New("window closed for new obligations")
	ErrWindowNotFound     = errors.New("clearing window not found")
	ErrNoOpenWindow       = errors.New("no open window for region")
	ErrInvalidWindowState = errors.New("window is in the wrong state for this operation")
	ErrWindowLeaseHeld    = errors.New("window lease held by another processor")

	// Validation errors: the obligation is never created.
	ErrInvalidObligation = errors.New("invalid obligation")
	ErrNonPositiveAmount = errors.New("obligation amount must be positive")
	ErrInvalidCurrency   = errors.New("invalid currency code")
	ErrSelfObligation    = errors.New("payer and payee must differ")

	// Arithmetic and invariant errors: fatal for the window's cycle, never
	// retried blindly.
	ErrCalculationOverflow     = errors.New("calculation exceeded representable precision")
	ErrCalculationUnderflow    = errors.New("calculation underflowed representable precision")
	ErrGraphInvariantViolation = errors.New("graph invariant violation")
	ErrConservationViolation   = errors.New("conservation law violated after optimization")
	ErrDoubleCountedObligation = errors.New("obligation counted more than once")

	// Persistence errors: retried with bounded backoff before surfacing.
	ErrPersistenceExhausted = errors.New("persistence retries exhausted")

	ErrObligationNotFound  = errors.New("obligation not found")
	ErrNetPositionNotFound = errors.New("net position not found")
	ErrInstructionNotFound = errors.New("settlement instruction not found")

	ErrCycleCancelled = errors.New("clearing cycle cancelled")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
