// Package apperrors defines the coded error taxonomy shared by the approval
// engine and the transport seams. Every error carries a stable code plus
// structured fields (workflow_id, step_index, rule_id, ...) so failures stay
// auditable end to end; the HTTP layer maps codes to status codes and
// user-facing messages.
package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// ErrCodeConfiguration marks a malformed rule. Callers log and skip the
	// rule instead of aborting the whole lookup.
	ErrCodeConfiguration Code = "configuration_error"

	// ErrCodeNoApproverAvailable means chain resolution exhausted the role
	// tier, the escalation ladder and the default approver. Triggering aborts
	// with nothing persisted.
	ErrCodeNoApproverAvailable Code = "no_approver_available"

	// ErrCodeNotFound marks an unknown workflow, step or rule.
	ErrCodeNotFound Code = "not_found"

	// ErrCodeUnauthorized means the actor is neither the assigned approver
	// nor a holder of the override capability.
	ErrCodeUnauthorized Code = "unauthorized"

	// ErrCodeStepAlreadyDecided marks a second decision on a step that has
	// already left the pending state. The losing call of a concurrent pair
	// receives this code.
	ErrCodeStepAlreadyDecided Code = "step_already_decided"

	// ErrCodeSideEffectDelivery means the subject mutation failed after the
	// workflow decision was already committed. The decision stands; the error
	// is routed to retry.
	ErrCodeSideEffectDelivery Code = "side_effect_delivery_failed"

	// ErrCodeConflict marks a state-machine violation (terminal workflow,
	// out-of-order step, cancel after first decision).
	ErrCodeConflict Code = "conflict"

	// ErrCodeInvalidInput marks a rejected request argument.
	ErrCodeInvalidInput Code = "invalid_input"

	// ErrCodeInternal is the catch-all for infrastructure failures.
	ErrCodeInternal Code = "internal_error"
)

// Error is the concrete error type used across the service.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithField attaches one structured field and returns the same error so calls
// chain: New(...).WithField("workflow_id", id).WithField("step_index", n).
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound builds the standard not-found error for a resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id).
		WithField("resource", resource).
		WithField("id", id)
}

// InvalidInput builds the standard invalid-argument error.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, message).
		WithField("field", field)
}

// CodeOf returns the code of err, or ErrCodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
