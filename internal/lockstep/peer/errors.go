package peer

import (
	"errors"
	"fmt"
)

// Sentinel errors for peer operations.
var (
	// Lifecycle errors
	ErrEmptySnapshot  = errors.New("snapshot is empty")
	ErrAlreadyStarted = errors.New("host already started")
	ErrClosed         = errors.New("peer closed")

	// Connection errors
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectionLost   = errors.New("connection to host lost")
	ErrJoinRejected     = errors.New("join rejected by host")

	// Protocol errors
	ErrProtocolViolation = errors.New("protocol violation")
)

// ConnectError reports a failed attempt to reach a host. It is recoverable:
// the caller may retry with another address.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

// Error returns the error message.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// PeerError wraps an error with peer context.
type PeerError struct {
	PeerID PeerID
	Op     string
	Err    error
}

// Error returns the error message.
func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %d: %s: %v", e.PeerID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PeerError) Unwrap() error {
	return e.Err
}

// RejectedError carries the host's reason for refusing a join.
type RejectedError struct {
	Reason string
}

// Error returns the error message.
func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrJoinRejected.Error()
	}
	return fmt.Sprintf("%v: %s", ErrJoinRejected, e.Reason)
}

// Is reports ErrJoinRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrJoinRejected
}
