package datp

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	// ErrReentrantApply indicates a second ApplyDelta entered a record while
	// one was already in flight. This is a missing-await bug upstream, not a
	// retry condition.
	ErrReentrantApply = errors.New("datp: delta already being applied to this transaction")

	// ErrInvalidStatus indicates a delta tried to set an unrecognized status.
	ErrInvalidStatus = errors.New("datp: invalid transaction status")

	// ErrInvalidShape indicates a core field in a delta had the wrong type.
	ErrInvalidShape = errors.New("datp: invalid field shape")

	// ErrLostUpdate indicates a core-field write matched zero rows. Under
	// single-writer-per-record discipline this never happens; treat as corruption.
	ErrLostUpdate = errors.New("datp: lost update writing transaction core fields")

	// ErrTransactionNotFound indicates the transaction does not exist.
	ErrTransactionNotFound = errors.New("datp: transaction not found")

	// ErrSwitchTooLong indicates a string switch value exceeded 32 characters.
	ErrSwitchTooLong = errors.New("datp: switch value too long")

	// ErrInvalidSwitchValue indicates a switch value of an unsupported type.
	ErrInvalidSwitchValue = errors.New("datp: switch value must be a string, number or boolean")

	// ErrConcurrentSwitchUpdate indicates the switches document changed between
	// read and write. The caller must re-read and retry if desired.
	ErrConcurrentSwitchUpdate = errors.New("datp: concurrent switch update")
)

// FieldError reports which delta field failed shape validation.
// It unwraps to ErrInvalidShape or ErrInvalidStatus.
type FieldError struct {
	Field  string
	Reason string
	kind   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("datp: field %q: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return e.kind }

func invalidShape(field, reason string) error {
	return &FieldError{Field: field, Reason: reason, kind: ErrInvalidShape}
}

func invalidStatus(field, reason string) error {
	return &FieldError{Field: field, Reason: reason, kind: ErrInvalidStatus}
}
