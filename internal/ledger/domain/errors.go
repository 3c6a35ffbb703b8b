package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by ledger operations. Handlers translate these
// into structured API responses; none of them indicate partial state, since
// every failing operation rolls back as a whole.
var (
	// ErrNotFound means the referenced order, withdrawal or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means the requested order status change is not
	// legal from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidState means a withdrawal operation was attempted outside the
	// Pending state.
	ErrInvalidState = errors.New("withdrawal is not pending")

	// ErrForbidden means the actor lacks authority over the target entity.
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientBalance means a withdrawal amount exceeds the freshly
	// reconciled withdrawable balance.
	ErrInsufficientBalance = errors.New("insufficient withdrawable balance")

	// ErrLimitExceeded means the amount exceeds the user's KYC transaction limit.
	ErrLimitExceeded = errors.New("transaction limit exceeded")

	// ErrPinRequired means no transaction PIN challenge succeeded before a
	// withdrawal request.
	ErrPinRequired = errors.New("transaction pin verification required")
)

// ValidationError reports malformed input, surfaced before any persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation creates a ValidationError for a field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
