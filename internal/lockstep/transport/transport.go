// Package transport provides the byte-stream contracts lockstep peers run
// over, plus TCP, WebSocket and in-memory implementations.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
)

var (
	ErrListenerClosed = errors.New("listener closed")
	ErrNoListener     = errors.New("no listener at address")
)

// Stream is a reliable, ordered byte stream to one remote peer.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Listener accepts inbound streams.
type Listener interface {
	// Accept blocks until a stream arrives or the listener is closed, in
	// which case it returns ErrListenerClosed.
	Accept() (Stream, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens outbound streams.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Stream, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, addr string) (Stream, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (Stream, error) {
	return f(ctx, addr)
}
