package delivery

import (
	"errors"
	"fmt"
)

// Error classes returned by Coordinator operations. Callers classify with
// errors.Is; the wrapped detail is for logs.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrAccessDenied   = errors.New("access denied")
	ErrNotFound       = errors.New("not found")
	ErrStoreFailure   = errors.New("store failure")
)

// Wire codes for the error event.
const (
	CodeInvalidRequest = "invalid_request"
	CodeAccessDenied   = "access_denied"
	CodeNotFound       = "not_found"
	CodeStoreFailure   = "store_failure"
	CodeInternal       = "internal"
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func denied(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreFailure, op, err)
}

// Code maps an error to the code sent to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStoreFailure):
		return CodeStoreFailure
	}
	return CodeInternal
}

// PublicMessage returns the text safe to show a client. Store and internal
// failures are reported generically; their detail stays in the logs.
func PublicMessage(err error) string {
	switch Code(err) {
	case CodeStoreFailure, CodeInternal:
		return "operation failed, please retry"
	}
	return err.Error()
}
