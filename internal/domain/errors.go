package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	// ErrInsufficientBalance is raised by the funding transaction when the
	// user's balance guard fails.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrRoundClosed is raised by the funding transaction when the round is
	// no longer accepting stakes.
	ErrRoundClosed = errors.New("round closed")
)

// Severity classifies a ServiceError for the transport layer. The HTTP
// collaborator maps each class to a status family: validation -> 400,
// not-found -> 404, conflict -> 409, unimplemented -> 501, unavailable ->
// 503/504, internal -> 500.
type Severity string

const (
	SeverityValidation    Severity = "validation"
	SeverityNotFound      Severity = "not_found"
	SeverityConflict      Severity = "conflict"
	SeverityUnimplemented Severity = "unimplemented"
	SeverityUnavailable   Severity = "unavailable"
	SeverityInternal      Severity = "internal"
)

// ServiceError is a local-policy violation: final, never retried, and always
// raised before any remote call is attempted. It carries a machine-readable
// code alongside the user-facing message.
type ServiceError struct {
	Code     string
	Message  string
	Severity Severity
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError reports bad caller input.
func NewValidationError(code, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityValidation}
}

// NewConflictError reports a state conflict (duplicate bet, second active
// round, double resolution).
func NewConflictError(code, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityConflict}
}

// NewNotFoundError reports a missing round, prediction, or user.
func NewNotFoundError(code, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityNotFound}
}

// NewUnimplementedError reports an operation on a mode whose settlement math
// does not exist. Distinct from validation so clients can tell "bad input"
// from "not built".
func NewUnimplementedError(code, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityUnimplemented}
}

// AsServiceError unwraps err to a *ServiceError when possible.
func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
