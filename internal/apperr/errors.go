package apperr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	Internal Kind = iota
	Authentication
	Malformed
	NotFound
	ConflictingTransition
	Transient
)

func (k Kind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case Malformed:
		return "malformed"
	case NotFound:
		return "not_found"
	case ConflictingTransition:
		return "conflicting_transition"
	case Transient:
		return "transient"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, Internal if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a later attempt may succeed without a new delivery.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Internal:
		return true
	default:
		return false
	}
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Authentication, Malformed, NotFound, ConflictingTransition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is safe to return to callers; it never carries the cause.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case Authentication:
		return "invalid signature"
	case Malformed:
		return "malformed request"
	case NotFound:
		return "payment not found"
	case ConflictingTransition:
		return "transition rejected"
	case Transient:
		return "temporarily unavailable"
	default:
		return "internal error"
	}
}
