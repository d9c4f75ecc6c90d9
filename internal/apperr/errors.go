package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error code surfaced to API callers.
type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeInvalidState Code = "invalid_state"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeExecution    Code = "execution_error"
	CodeTransient    Code = "transient_error"
	CodeTerminal     Code = "terminal_error"
	CodeInternal     Code = "internal_error"
)

// Error carries a code plus a human-readable message. Codes decide HTTP
// status and retry policy; messages are for logs and humans only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error   { return newf(CodeValidation, format, args...) }
func InvalidState(format string, args ...any) *Error { return newf(CodeInvalidState, format, args...) }
func Forbidden(format string, args ...any) *Error    { return newf(CodeForbidden, format, args...) }
func NotFound(format string, args ...any) *Error     { return newf(CodeNotFound, format, args...) }
func Execution(format string, args ...any) *Error    { return newf(CodeExecution, format, args...) }

// Transient marks a retryable failure (network/datastore blip).
func Transient(err error) *Error {
	return &Error{Code: CodeTransient, Message: "transient failure", Err: err}
}

// Terminal marks a non-retryable failure discovered at execution time.
func Terminal(err error) *Error {
	return &Error{Code: CodeTerminal, Message: "terminal failure", Err: err}
}

// CodeOf extracts the code from err, defaulting to internal_error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool { return CodeOf(err) == code }

// Retryable reports whether the executor may retry after err. Anything not
// explicitly terminal is retried; retry budget caps the damage either way.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTerminal, CodeValidation, CodeNotFound, CodeForbidden, CodeInvalidState:
		return false
	}
	return true
}

// HTTPStatus maps an error code to the status the API layer should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
