// Package apperr defines the error kinds surfaced by the comprehension pipeline
// and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindInvalid           Kind = "invalid"
	KindGenerationFailure Kind = "generation_failure"
	KindSchemaViolation   Kind = "schema_violation"
	KindNotFound          Kind = "not_found"
	KindStateViolation    Kind = "state_violation"
	KindInternal          Kind = "internal"
)

// Error carries a Kind, a short caller-facing message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindGenerationFailure }

func Invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func StateViolation(format string, args ...any) error {
	return &Error{Kind: KindStateViolation, Message: fmt.Sprintf(format, args...)}
}

func SchemaViolation(format string, args ...any) error {
	return &Error{Kind: KindSchemaViolation, Message: fmt.Sprintf(format, args...)}
}

// GenerationFailure wraps a failed call to the content generator.
func GenerationFailure(err error) error {
	return &Error{Kind: KindGenerationFailure, Message: "content generation failed", Err: err}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateViolation:
		return http.StatusConflict
	case KindSchemaViolation:
		return http.StatusUnprocessableEntity
	case KindGenerationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
