package wire

import (
	"errors"
	"fmt"
)

var (
	// Framing errors
	ErrTruncatedFrame = errors.New("truncated frame")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrConnClosed     = errors.New("framed connection closed")

	// Record errors
	ErrMalformedRecord = errors.New("malformed event record")
)

// RecordError wraps a decoding failure with the offending record type.
type RecordError struct {
	Type string
	Err  error
}

// Error returns the error message.
func (e *RecordError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%v: %v", ErrMalformedRecord, e.Err)
	}
	return fmt.Sprintf("%v (%s): %v", ErrMalformedRecord, e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *RecordError) Unwrap() error {
	return e.Err
}

// Is reports ErrMalformedRecord so callers can classify any decoding failure.
func (e *RecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

func malformed(t string, err error) error {
	return &RecordError{Type: t, Err: err}
}
