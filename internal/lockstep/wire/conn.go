package wire

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

// Conn is a framed connection over a byte stream. Writes are serialized;
// reads must come from a single goroutine. Close is idempotent and unblocks
// a pending ReadFrame by closing the underlying stream.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu    sync.Mutex
	closed atomic.Bool

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc: rwc,
		r:   bufio.NewReaderSize(rwc, MaxChunkSize),
	}
}

// WriteFrame writes one frame.
func (c *Conn) WriteFrame(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteFrame(c.rwc, payload); err != nil {
		return err
	}
	c.bytesOut.Add(uint64(HeaderSize + len(payload)))
	return nil
}

// WriteEvent encodes e and writes it as one frame.
func (c *Conn) WriteEvent(e event.Event) error {
	b, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	return c.WriteFrame(b)
}

// ReadFrame reads one frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	b, err := ReadFrame(c.r)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrConnClosed
		}
		return nil, err
	}
	c.bytesIn.Add(uint64(HeaderSize + len(b)))
	return b, nil
}

// ReadEvent reads one frame and decodes it as an event record.
func (c *Conn) ReadEvent(reg *event.Registry) (event.Event, error) {
	b, err := c.ReadFrame()
	if err != nil {
		return event.Event{}, err
	}
	return DecodeEvent(b, reg)
}

// Close closes the underlying stream once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rwc.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Traffic returns the bytes read and written including frame headers.
func (c *Conn) Traffic() (in, out uint64) {
	return c.bytesIn.Load(), c.bytesOut.Load()
}
