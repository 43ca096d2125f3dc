// Package failure maps errors raised anywhere in a service exchange onto the small set of
// transport-level status codes carried back on the reply channel.
//
//	Kind           Status  Meaning
//	Dispatch       400     no handler matches action + argument signature, or a
//	                       handler rejected its arguments
//	Unauthorized   401     caller is not authenticated
//	Forbidden      403     caller lacks permission
//	NotFound       404     handler signalled a missing resource
//	Serialization  422     request payload could not be decoded (host side)
//	Serialization  500     reply payload could not be decoded (client side)
//	Internal       500     anything else
//
// Dispatch doubles as the bad request kind. A handler that rejects well-formed but
// invalid arguments returns a Dispatch error; the caller sees the same 400 either way and
// tells the two apart only by the message.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindSerialization
	KindDispatch
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindSerialization:
		return "serialization error"
	case KindDispatch:
		return "dispatch error"
	default:
		return "internal error"
	}
}

// Status returns the status a failure of this kind is sent with by default.
func (k Kind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindSerialization:
		return http.StatusUnprocessableEntity
	case KindDispatch:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Two Errors match under errors.Is when their kinds are
// equal, so the sentinels below can be tested against errors rebuilt from a reply.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error // underlying cause, nil for errors rebuilt from the wire
}

// Sentinels handlers wrap with %w to signal a condition.
var (
	ErrNotFound      = &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: "not found"}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden     = &Error{Kind: KindForbidden, Status: http.StatusForbidden, Message: "forbidden"}
	ErrDispatch      = &Error{Kind: KindDispatch, Status: http.StatusBadRequest, Message: "dispatch error"}
	ErrSerialization = &Error{Kind: KindSerialization, Status: http.StatusUnprocessableEntity, Message: "serialization error"}
	ErrInternal      = &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal error"}
)

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind with its default status.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: kind.Status(), Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err. The message is prefixed by the
// formatted text when one is given.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	msg := err.Error()
	if format != "" {
		msg = fmt.Sprintf(format, args...) + ": " + msg
	}
	return &Error{Kind: kind, Status: kind.Status(), Message: msg, Err: err}
}

// Dispatchf is shorthand for New(KindDispatch, ...).
func Dispatchf(format string, args ...any) *Error {
	return New(KindDispatch, format, args...)
}

// Serializationf is shorthand for New(KindSerialization, ...).
func Serializationf(format string, args ...any) *Error {
	return New(KindSerialization, format, args...)
}

// Classify maps any error onto a classified failure. The message keeps the full text of
// err so the caller sees what the handler reported.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		status := fe.Status
		if status == 0 {
			status = fe.Kind.Status()
		}
		return &Error{Kind: fe.Kind, Status: status, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
}

// FromStatus rebuilds a failure from a status received on the reply channel.
func FromStatus(status int, message string) *Error {
	var kind Kind
	switch status {
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusForbidden:
		kind = KindForbidden
	case http.StatusUnprocessableEntity:
		kind = KindSerialization
	case http.StatusBadRequest:
		kind = KindDispatch
	default:
		kind = KindInternal
	}
	return &Error{Kind: kind, Status: status, Message: message}
}
