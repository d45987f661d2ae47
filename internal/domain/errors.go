package domain

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure for callers.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeInvalidState        Code = "invalid_state"
	CodeNoRevision          Code = "no_revision"
	CodeConflictInProgress  Code = "conflict_in_progress"
	CodeDomainAttached      Code = "domain_already_attached"
	CodeDomainTaken         Code = "domain_taken"
	CodeExternalProvider    Code = "external_provider_error"
	CodeStorage             Code = "storage_error"
	CodeVerificationPending Code = "verification_pending"
	CodeVerificationExpired Code = "verification_expired"
	CodeInternal            Code = "internal_error"
)

// Error is a structured operation failure. Entity-level failures are recorded
// on the entity and surfaced through this type; they never crash the handler.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a coded error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a coded error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the failure code, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
