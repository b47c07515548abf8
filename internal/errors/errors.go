package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a recoverable failure class. Codes cross the wire
// verbatim inside ERROR frames, so they are stable strings.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeInvalidPhase     Code = "INVALID_PHASE"
	CodeAlreadyAnswered  Code = "ALREADY_ANSWERED"
	CodeRoomFull         Code = "ROOM_FULL"
	CodeMalformedMessage Code = "MALFORMED_MESSAGE"
	CodeInternal         Code = "INTERNAL"
)

var code2http = map[Code]int{
	CodeNotFound:         http.StatusNotFound,
	CodeUnauthorized:     http.StatusForbidden,
	CodeInvalidPhase:     http.StatusConflict,
	CodeAlreadyAnswered:  http.StatusConflict,
	CodeRoomFull:         http.StatusConflict,
	CodeMalformedMessage: http.StatusBadRequest,
	CodeInternal:         http.StatusInternalServerError,
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: string(code),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as *Error, wrapping unknown errors as internal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
