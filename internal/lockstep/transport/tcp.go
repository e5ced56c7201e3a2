package transport

import (
	"context"
	"errors"
	"net"
)

// TCPListener accepts plain TCP streams.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP listens on addr.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// TCPDialer dials TCP streams. The deadline comes from the context.
type TCPDialer struct{}

// Dial connects to addr.
func (TCPDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
