package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// PipeNetwork is an in-process network of synchronous pipes. Listen and
// Dial use arbitrary string addresses.
type PipeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*PipeListener
}

// NewPipeNetwork creates an empty network.
func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{listeners: make(map[string]*PipeListener)}
}

// Listen binds addr.
func (n *PipeNetwork) Listen(addr string) (*PipeListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[addr]; exists {
		return nil, fmt.Errorf("pipe address %q already in use", addr)
	}
	l := &PipeListener{
		net:      n,
		addr:     pipeAddr(addr),
		incoming: make(chan Stream),
		closeCh:  make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener bound at addr.
func (n *PipeNetwork) Dial(ctx context.Context, addr string) (Stream, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	}

	client, server := net.Pipe()
	select {
	case l.incoming <- server:
		return client, nil
	case <-l.closeCh:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (n *PipeNetwork) remove(addr string) {
	n.mu.Lock()
	delete(n.listeners, addr)
	n.mu.Unlock()
}

// PipeListener is a Listener on a PipeNetwork.
type PipeListener struct {
	net      *PipeNetwork
	addr     pipeAddr
	incoming chan Stream
	closeCh  chan struct{}
	closed   atomic.Bool
}

// Accept waits for the next dialed pipe.
func (l *PipeListener) Accept() (Stream, error) {
	select {
	case s := <-l.incoming:
		return s, nil
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

// Close unbinds the address.
func (l *PipeListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	l.net.remove(string(l.addr))
	return nil
}

// Addr returns the bound address.
func (l *PipeListener) Addr() net.Addr {
	return l.addr
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
