// Package errdefs defines the classified error taxonomy shared across the
// reconciliation pipeline: load, schema, api, and enforcement errors, each
// carrying a retry class.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which stage of the pipeline produced an error.
type ErrorKind string

const (
	// KindLoad covers unreadable or malformed policy sources.
	KindLoad ErrorKind = "load"

	// KindSchema covers rules that violate the policy schema.
	KindSchema ErrorKind = "schema"

	// KindAPI covers failed provider calls outside of enforcement
	// (network listing, firewall listing).
	KindAPI ErrorKind = "api"

	// KindEnforcement covers a failed create, update, or delete for a
	// specific rule during convergence.
	KindEnforcement ErrorKind = "enforcement"
)

// ErrorClass classifies an error for retry logic.
type ErrorClass string

const (
	// ClassTransient indicates a temporary failure that may succeed on retry.
	ClassTransient ErrorClass = "transient"

	// ClassThrottled indicates rate limiting or quota exhaustion.
	// Retried with a longer backoff than transient failures.
	ClassThrottled ErrorClass = "throttled"

	// ClassConflict indicates a live-state conflict, such as a rule created
	// or removed by another actor mid-run.
	ClassConflict ErrorClass = "conflict"

	// ClassPermanent indicates a non-recoverable error.
	ClassPermanent ErrorClass = "permanent"
)

// Error is a classified reconciliation error with rule and operation context.
type Error struct {
	// Kind is the pipeline stage classification.
	Kind ErrorKind `json:"kind"`

	// Class is the retry classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Rule is the (network-qualified) rule name involved, if any.
	Rule string `json:"rule,omitempty"`

	// Operation is the provider operation being performed, if any.
	Operation string `json:"operation,omitempty"`

	// StatusCode is the provider HTTP status, when the error came off the wire.
	StatusCode int `json:"status_code,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Kind, e.Class, e.Message)
	if e.Rule != "" {
		msg += fmt.Sprintf(" (rule=%s", e.Rule)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	} else if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind and class so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Class == "" || e.Class == t.Class)
}

// NewLoadError creates a permanent load-stage error.
func NewLoadError(message string, err error) *Error {
	return &Error{Kind: KindLoad, Class: ClassPermanent, Message: message, Err: err}
}

// NewSchemaError creates a permanent schema-stage error.
func NewSchemaError(message string, err error) *Error {
	return &Error{Kind: KindSchema, Class: ClassPermanent, Message: message, Err: err}
}

// NewAPIError creates an API-stage error with the given retry class.
func NewAPIError(class ErrorClass, message string, err error) *Error {
	return &Error{Kind: KindAPI, Class: class, Message: message, Err: err}
}

// NewEnforcementError creates an enforcement-stage error with the given
// retry class.
func NewEnforcementError(class ErrorClass, message string, err error) *Error {
	return &Error{Kind: KindEnforcement, Class: class, Message: message, Err: err}
}

// WithRule adds rule context to an error.
func (e *Error) WithRule(rule string) *Error {
	e.Rule = rule
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithStatusCode records the provider HTTP status on an error.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// KindOf returns the kind of a classified error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassConflict
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
