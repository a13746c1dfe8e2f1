// Package apperr defines the error taxonomy shared by the services and the
// HTTP layer. Services return *Error values; handlers map them to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a domain error.
type Kind int

const (
	KindInternal Kind = iota
	// KindInvalidTransition is an offer or agreement state machine misuse. Never retried.
	KindInvalidTransition
	// KindUnverifiedPayment means the provider session could not be resolved as paid.
	KindUnverifiedPayment
	KindNotFound
	// KindDependencyDegraded marks a failed non-critical dependency (storage, rendering).
	KindDependencyDegraded
	KindPermissionDenied
	KindValidation
	KindConflict
	KindUnauthorized
)

var codes = map[Kind]string{
	KindInternal:           "INTERNAL",
	KindInvalidTransition:  "INVALID_TRANSITION",
	KindUnverifiedPayment:  "UNVERIFIED_PAYMENT",
	KindNotFound:           "NOT_FOUND",
	KindDependencyDegraded: "DEPENDENCY_DEGRADED",
	KindPermissionDenied:   "PERMISSION_DENIED",
	KindValidation:         "VALIDATION",
	KindConflict:           "CONFLICT",
	KindUnauthorized:       "UNAUTHORIZED",
}

// Error is a domain error with a Kind used for HTTP mapping.
type Error struct {
	Kind    Kind
	Message string
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the wire code for the error kind.
func (e *Error) Code() string {
	return codes[e.Kind]
}

// HTTPStatus returns the status code the API responds with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindUnverifiedPayment:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindDependencyDegraded:
		return http.StatusBadGateway
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WithOp sets the failing operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// InvalidTransition reports an illegal move between two states.
func InvalidTransition(current, requested string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %s to %s", current, requested),
		Details: map[string]interface{}{
			"current":   current,
			"requested": requested,
		},
	}
}

func UnverifiedPayment(sessionID string, err error) *Error {
	return &Error{
		Kind:    KindUnverifiedPayment,
		Message: "payment session could not be verified",
		Err:     err,
		Details: map[string]interface{}{"session_id": sessionID},
	}
}

func NotFound(what string) *Error {
	return New(KindNotFound, what+" not found")
}

func Degraded(step string, err error) *Error {
	return &Error{
		Kind:    KindDependencyDegraded,
		Message: step + " degraded",
		Err:     err,
		Details: map[string]interface{}{"step": step},
	}
}

func PermissionDenied(message string) *Error {
	return New(KindPermissionDenied, message)
}

func Validation(message string) *Error {
	return New(KindValidation, message)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
