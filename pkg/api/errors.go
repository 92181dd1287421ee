package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures independently of any transport.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindConflict
	KindGone
	KindLocked
	KindBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindConflict:
		return "Conflict"
	case KindGone:
		return "Gone"
	case KindLocked:
		return "Locked"
	case KindBadRequest:
		return "BadRequest"
	default:
		return "Internal"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to
// KindInternal.
func ParseErrorKind(s string) ErrorKind {
	for k := KindInternal; k <= KindBadRequest; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindInternal
}

// Error is the error type returned by all engine services.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrGone         = &Error{Kind: KindGone}
	ErrLocked       = &Error{Kind: KindLocked}
	ErrBadRequest   = &Error{Kind: KindBadRequest}
	ErrInternal     = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to a lower level error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFoundf(format string, args ...any) *Error   { return Errorf(KindNotFound, format, args...) }
func Conflictf(format string, args ...any) *Error   { return Errorf(KindConflict, format, args...) }
func Gonef(format string, args ...any) *Error       { return Errorf(KindGone, format, args...) }
func Lockedf(format string, args ...any) *Error     { return Errorf(KindLocked, format, args...) }
func BadRequestf(format string, args ...any) *Error { return Errorf(KindBadRequest, format, args...) }
func Forbiddenf(format string, args ...any) *Error  { return Errorf(KindForbidden, format, args...) }

func Unauthorizedf(format string, args ...any) *Error {
	return Errorf(KindUnauthorized, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ErrorPayload is the structured error stored on failed flow node instances,
// correlations and external tasks.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewErrorPayload converts err into its stored form.
func NewErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" {
			msg = e.Error()
		}
		return &ErrorPayload{Kind: e.Kind.String(), Message: msg}
	}
	return &ErrorPayload{Kind: KindInternal.String(), Message: err.Error()}
}

// Err turns the payload back into an *Error.
func (p *ErrorPayload) Err() error {
	if p == nil {
		return nil
	}
	return &Error{Kind: ParseErrorKind(p.Kind), Message: p.Message}
}
