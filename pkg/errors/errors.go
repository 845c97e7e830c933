// Package errors provides the typed error taxonomy shared by the
// ledger, workflow and HTTP layers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind identifies the class of failure. Handlers map kinds to HTTP
// statuses; services match on kinds rather than message strings.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindAlreadyReviewed   Kind = "already_reviewed"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindStorage           Kind = "storage"
	KindInternal          Kind = "internal"
)

// Error carries a kind, a human readable message and an optional cause
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two *Error values by kind so callers can use errors.Is
// with the exported sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus maps the kind to the status the API layer should return
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindAlreadyReviewed, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindStorage, KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Public reports whether the message is safe to show to end users.
// Storage and internal failures get a generic message instead.
func (e *Error) Public() bool {
	switch e.Kind {
	case KindStorage, KindInternal:
		return false
	}
	return true
}

// New creates an Error with the given kind and formatted message
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error of the given kind
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Sentinels for errors.Is matching by kind
var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Message: "insufficient balance"}
	ErrAlreadyReviewed   = &Error{Kind: KindAlreadyReviewed, Message: "already reviewed"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict          = &Error{Kind: KindConflict, Message: "concurrent update conflict"}
	ErrStorage           = &Error{Kind: KindStorage, Message: "storage failure"}
)

// KindOf extracts the kind from err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
