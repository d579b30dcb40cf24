// Package apierr classifies every error the daemon's components produce
// into the small closed set the HTTP surface maps onto status codes, so
// handlers never have to guess a status from an error string.
package apierr

import (
	"errors"
	"net/http"
)

// Kind is the closed set of error classifications.
type Kind int

const (
	Internal Kind = iota
	BadRequest
	NotFound
	Conflict
	BadGateway
	InsufficientStorage
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case BadGateway:
		return "bad_gateway"
	case InsufficientStorage:
		return "insufficient_storage"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code the HTTP surface writes for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case BadGateway:
		return http.StatusBadGateway
	case InsufficientStorage:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error: a Kind the HTTP surface can map to a status
// code, an operator-facing message, and an optional wrapped cause kept for
// logging but never serialised back to a client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified error around an existing one.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts the classified *Error from err, if present, falling back to
// Internal for anything the daemon didn't classify itself.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Message: err.Error(), Cause: err}
}
