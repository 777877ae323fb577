package datasource

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownVariant = errors.New("unknown datasource type")
	ErrInvalidQuery   = errors.New("invalid query")
	ErrInvalidConfig  = errors.New("invalid datasource config")
	ErrBackendClient  = errors.New("backend client error")
)

// BackendClientError normalizes transport, credential and SDK failures of a
// backend so callers never need to know the backend's own error types.
type BackendClientError struct {
	Backend string
	Op      string
	Message string
	Err     error
}

func (e *BackendClientError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Backend, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, msg)
}

func (e *BackendClientError) Unwrap() error {
	return e.Err
}

func (e *BackendClientError) Is(target error) bool {
	return target == ErrBackendClient
}

func NewBackendClientError(backend, op string, err error) *BackendClientError {
	return &BackendClientError{Backend: backend, Op: op, Err: err}
}

// InvalidQueryf returns an error matching ErrInvalidQuery.
func InvalidQueryf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}

// InvalidConfigf returns an error matching ErrInvalidConfig.
func InvalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
