// Package apperr defines the error taxonomy surfaced to callers of the
// settlement engine. Every rejection carries a stable machine-readable Kind
// and a human-readable Reason.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable class of an error.
type Kind string

const (
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "authorization_error"
	KindValidation     Kind = "validation_error"
	KindState          Kind = "state_error"
	KindRateLimit      Kind = "rate_limit_error"
	KindWindowClosed   Kind = "window_closed_error"
	KindIntegrity      Kind = "integrity_error"
	KindDependency     Kind = "dependency_error"
	KindInternal       Kind = "internal_error"
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Reason  string
	Details map[string]any
	Err     error // underlying cause, never shown to callers
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches a detail field and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New returns an Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf is New with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a caller-facing reason.
func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Authentication(reason string) *Error { return New(KindAuthentication, reason) }
func Authorization(reason string) *Error  { return New(KindAuthorization, reason) }
func Validation(reason string) *Error     { return New(KindValidation, reason) }
func State(reason string) *Error          { return New(KindState, reason) }
func RateLimit(reason string) *Error      { return New(KindRateLimit, reason) }
func WindowClosed(reason string) *Error   { return New(KindWindowClosed, reason) }
func Integrity(reason string) *Error      { return New(KindIntegrity, reason) }

// Dependency wraps a collaborator failure (oracle, store).
func Dependency(err error, reason string) *Error { return Wrap(KindDependency, err, reason) }

// Internal wraps an unexpected failure. The reason is deliberately generic.
func Internal(err error) *Error { return Wrap(KindInternal, err, "internal error") }

// As extracts an *Error from err's chain. Unclassified errors become
// internal errors.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of err, or KindInternal if unclassified.
func KindOf(err error) Kind {
	return As(err).Kind
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps a kind to its HTTP status class.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization, KindWindowClosed:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindState:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type body struct {
	Error   string         `json:"error"`
	Kind    Kind           `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// Write renders err as a JSON error response with the status of its kind.
// Internal causes are never written.
func Write(w http.ResponseWriter, err error) {
	e := As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Kind))
	json.NewEncoder(w).Encode(body{Error: e.Reason, Kind: e.Kind, Details: e.Details})
}
