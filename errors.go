package wsdb

import (
	"context"
	"errors"
	"fmt"
)

// Error is the error type returned by every operation in this package.
// Code is one of the ERR_* constants; SQLState and SQLRC carry the
// server-side diagnostics when the failure came back in a frame.
type Error struct {
	Code     string
	Msg      string
	SQLState string
	SQLRC    int
	Err      error
}

func (e *Error) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s: %s (sqlstate=%s sqlcode=%d)", e.Code, e.Msg, e.SQLState, e.SQLRC)
	}
	if e.Err != nil && e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(code string, err error) *Error {
	return &Error{Code: code, Msg: err.Error(), Err: err}
}

// ctxError classifies a context error: a missed deadline reads as a
// timeout, plain cancellation as a connection error.
func ctxError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(ERR_TIMEOUT, err)
	}
	return wrapError(ERR_CONNECTION, err)
}

// CodeOf extracts the ERR_* code from err, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInvalidState reports whether err is a caller bug rather than a
// transport or server failure. Invalid-state and validation errors
// never close the owning job.
func IsInvalidState(err error) bool {
	c := CodeOf(err)
	return c == ERR_INVALID_STATE || c == ERR_VALIDATION
}
