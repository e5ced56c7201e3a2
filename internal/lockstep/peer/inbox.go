package peer

import (
	"sync"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

// Inbound is one item handed from a network goroutine to the simulation
// thread.
type Inbound struct {
	From PeerID

	// Raw is an undecoded event record.
	Raw []byte

	// Local is an event initiated by the local user.
	Local *event.Event

	// Err ends the stream from From.
	Err error
}

// Inbox is the only structure shared between network goroutines and the
// simulation thread. Producers only hold an InboxWriter; draining is
// reserved to the node that owns the inbox.
type Inbox struct {
	mu    sync.Mutex
	items []Inbound
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Writer returns the enqueue-only side.
func (in *Inbox) Writer() InboxWriter {
	return InboxWriter{in: in}
}

// Len returns the number of queued items.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

func (in *Inbox) drain() []Inbound {
	in.mu.Lock()
	items := in.items
	in.items = nil
	in.mu.Unlock()
	return items
}

// InboxWriter appends to an Inbox.
type InboxWriter struct {
	in *Inbox
}

// Push appends item in FIFO order.
func (w InboxWriter) Push(item Inbound) {
	w.in.mu.Lock()
	w.in.items = append(w.in.items, item)
	w.in.mu.Unlock()
}
