package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/wire"
)

// Connection is one framed link with a read loop feeding an inbox and a
// write loop draining an unbounded outbox, so the simulation thread never
// blocks on the network.
//
// On the host a Connection starts in queuing mode: frames broadcast while
// the snapshot is still being written are held back and flushed, in order,
// when Activate is called.
type Connection struct {
	id   PeerID
	conn *wire.Conn
	in   InboxWriter
	log  logrus.FieldLogger

	mu      sync.Mutex
	state   State
	queuing bool
	queued  [][]byte
	outbox  [][]byte

	wake    chan struct{}
	closeCh chan struct{}
	closed  atomic.Bool
}

func newConnection(id PeerID, conn *wire.Conn, in InboxWriter, queuing bool, log logrus.FieldLogger) *Connection {
	state := StateActive
	if queuing {
		state = StateSnapshotTransfer
	}
	return &Connection{
		id:      id,
		conn:    conn,
		in:      in,
		log:     log.WithField("peer", id),
		state:   state,
		queuing: queuing,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// ID returns the peer identifier.
func (c *Connection) ID() PeerID {
	return c.id
}

// State returns the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Traffic returns bytes read and written.
func (c *Connection) Traffic() (in, out uint64) {
	return c.conn.Traffic()
}

// Send queues a frame for the write loop.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if c.queuing {
		c.queued = append(c.queued, frame)
		return nil
	}
	c.outbox = append(c.outbox, frame)
	c.signal()
	return nil
}

// SendNow writes e directly, bypassing the outbox. It blocks until the frame
// is written and is meant for the final record before teardown.
func (c *Connection) SendNow(e event.Event) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.conn.WriteEvent(e)
}

// Activate leaves queuing mode and hands the held frames to the write loop.
func (c *Connection) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.queuing {
		return
	}
	c.queuing = false
	c.outbox = append(c.outbox, c.queued...)
	c.queued = nil
	if c.state == StateSnapshotTransfer {
		c.state = StateActive
	}
	c.signal()
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run starts the read and write loops and blocks until either fails or the
// connection is closed. The terminal error of either loop is pushed to the
// inbox.
func (c *Connection) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.closeCh:
		}
		c.Close()
		return nil
	})
	return g.Wait()
}

func (c *Connection) readLoop() error {
	for {
		b, err := c.conn.ReadFrame()
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			c.in.Push(Inbound{From: c.id, Err: err})
			return err
		}
		c.in.Push(Inbound{From: c.id, Raw: b})
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closeCh:
			return nil
		case <-c.wake:
		}

		c.mu.Lock()
		frames := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for _, f := range frames {
			if err := c.conn.WriteFrame(f); err != nil {
				if c.closed.Load() {
					return nil
				}
				err = fmt.Errorf("write: %w", err)
				c.in.Push(Inbound{From: c.id, Err: err})
				return err
			}
		}
	}
}

// Close closes the stream once, unblocking the read loop.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	c.state = StateClosed
	c.queued = nil
	c.outbox = nil
	c.mu.Unlock()
	close(c.closeCh)
	return c.conn.Close()
}
