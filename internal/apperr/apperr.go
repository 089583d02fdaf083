// Package apperr defines the error taxonomy shared by every component.
//
// Components never write HTTP status codes themselves; they return one of
// the kinds below and let the HTTP layer (internal/api) translate it. This
// keeps the mapping of §7 of the specification in exactly one place.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy the HTTP layer understands.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindAccessDenied        Kind = "access_denied"
	KindContainerUnavailable Kind = "container_unavailable"
	KindContainerGone       Kind = "container_gone"
	KindTransport           Kind = "transport"
	KindInternal            Kind = "internal"
)

// Error is the concrete error type produced by every component.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind, preserving cause for %w-style
// introspection via errors.Unwrap/errors.Is.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrNotFound     = New(KindNotFound, "not found")
	ErrDuplicate    = New(KindConflict, "duplicate name")
	ErrNotADir      = New(KindConflict, "not a directory")
	ErrAccessDenied = New(KindAccessDenied, "access denied")
)
