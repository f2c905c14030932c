package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code classifies a remote failure.
type Code string

const (
	CodeUnavailable      Code = "unavailable"
	CodePermissionDenied Code = "permission_denied"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeNotFound         Code = "not_found"
	CodeUnauthenticated  Code = "unauthenticated"
	CodeInternal         Code = "internal"
)

// ErrUnavailable reports that the remote could not be reached.
var ErrUnavailable = &Error{Code: CodeUnavailable, Message: "remote unavailable"}

// Error is a structured failure returned by a backend.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %s", e.Code)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, ErrUnavailable)
// holds for every unavailable error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err wraps an *Error with the given code.
func IsCode(err error, code Code) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}

// Temporary reports whether err is a connectivity failure worth retrying
// later rather than a rejection.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	if IsCode(err, CodeUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
