package errors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTimeZone         = errors.New("invalid time zone")
	ErrInvalidInput            = errors.New("invalid input")
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrForbidden               = errors.New("forbidden")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrUpstreamUnavailable     = errors.New("upstream unavailable")
	ErrSchemaDrift             = errors.New("schema drift")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrRequestAlreadyProcessed = errors.New("request already processed")

	ErrNilTransaction      = errors.New("transaction is nil")
	ErrNilListing          = errors.New("listing is nil")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrListingNotFound     = errors.New("listing not found")
)

// UnknownFieldError is returned by a store that rejected a write because it
// does not recognise one of the written fields.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q", e.Field)
}

func (e *UnknownFieldError) Is(target error) bool {
	return target == ErrSchemaDrift
}
