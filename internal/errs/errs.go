// Package errs defines the error-kind taxonomy shared across the storage
// engine, query executor, and replication core.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the rest of the system reasons about
// failures: callers branch on Kind, not on the wrapped message.
type Kind string

const (
	NotFound        Kind = "not_found"
	AlreadyExists   Kind = "already_exists"
	InvalidDocument Kind = "invalid_document"
	BadRequest      Kind = "bad_request"
	ParseError      Kind = "parse_error"
	ExecutionError  Kind = "execution_error"
	InternalError   Kind = "internal_error"
	ShardingError   Kind = "sharding_error"
	AuthError       Kind = "auth_error"
)

// Error is a kinded error carrying a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, errs.New(errs.NotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a bare Error of the given kind, useful as an errors.Is target.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of reports the Kind of err, or "" if err is not a tagged *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is a tagged Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

var (
	ErrNotFound        = New(NotFound, "not found")
	ErrAlreadyExists   = New(AlreadyExists, "already exists")
	ErrInvalidDocument = New(InvalidDocument, "invalid document")
)
