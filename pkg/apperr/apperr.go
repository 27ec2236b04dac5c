package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	Infrastructure Kind = iota
	Validation
	NotFound
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	default:
		return "infrastructure"
	}
}

// Error is a classified application error. Code is a stable machine-readable name.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a sentinel error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Invalid reports a rejected input field.
func Invalid(field, reason string) *Error {
	return &Error{Kind: Validation, Code: "invalid_" + field, Message: fmt.Sprintf("invalid %s: %s", field, reason)}
}

// Internal wraps an infrastructure failure of the named operation.
func Internal(op string, err error) *Error {
	return &Error{Kind: Infrastructure, Code: "internal", Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
// Anything unclassified is an infrastructure failure.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Infrastructure
}

// HTTPStatus maps an error to the status code the transport layer should send.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the code and message safe to show to a client.
// Infrastructure details never leave the process.
func Public(err error) (code, message string) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != Infrastructure {
		return appErr.Code, appErr.Message
	}
	return "internal", "internal server error"
}
