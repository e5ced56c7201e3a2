package diagnostics

import (
	"errors"
	"fmt"
)

var (
	ErrStoreClosed    = errors.New("diagnostics store is closed")
	ErrInvalidDriver  = errors.New("invalid diagnostics driver")
	ErrMissingDSN     = errors.New("diagnostics dsn is required")
	ErrInvalidTimeout = errors.New("timeout must be positive")
	ErrMissingSession = errors.New("report has no session id")
)

// StoreError wraps a failed store operation.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("diagnostics %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

func newStoreError(op string, cause error) error {
	return &StoreError{Op: op, Cause: cause}
}
