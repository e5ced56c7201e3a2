package peer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/eventlog"
)

// ControlHandler receives records that concern the session rather than the
// event stream: trace reports, trace acknowledgements, desync notices and,
// on a follower, the host's init event. It is called on the simulation
// thread from Poll.
type ControlHandler interface {
	HandleControl(from PeerID, e event.Event)
}

// node is the machinery shared by Host and Follower. Everything except the
// inbox and state is owned by the simulation thread.
type node struct {
	cfg    Config
	log    logrus.FieldLogger
	events *eventlog.Log
	inbox  *Inbox

	hash uint64
	tick int64

	stateMu sync.RWMutex
	state   State
}

func newNode(cfg Config, role string) node {
	logger := cfg.Logger.WithField("role", role)
	return node{
		cfg:    cfg,
		log:    logger,
		events: eventlog.New(logger),
		inbox:  NewInbox(),
	}
}

// State returns the current lifecycle state.
func (n *node) State() State {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.state
}

func (n *node) setState(s State) {
	n.stateMu.Lock()
	n.state = s
	n.stateMu.Unlock()
}

// MarkDesynced moves the node to the terminal desynced state.
func (n *node) MarkDesynced() {
	n.setState(StateDesynced)
}

// Hash returns the rolling hash of every event committed so far.
func (n *node) Hash() uint64 {
	return n.hash
}

// Pending returns the number of events waiting in the log.
func (n *node) Pending() int {
	return n.events.Len()
}

// LateEvents returns how many events were popped after their tick passed.
func (n *node) LateEvents() uint64 {
	return n.events.Late()
}

// ReadEvents pops every event due by tick, unwrapping grouped events into
// their members.
func (n *node) ReadEvents(tick int64) []event.Event {
	due := n.events.PopDueBy(tick)
	if len(due) == 0 {
		return nil
	}
	out := make([]event.Event, 0, len(due))
	for _, e := range due {
		out = append(out, e.Members()...)
	}
	return out
}

func (n *node) handleControl(from PeerID, e event.Event) {
	if n.cfg.Handler == nil {
		n.log.WithFields(logrus.Fields{"peer": from, "type": e.Type}).Debug("unhandled control record")
		return
	}
	n.cfg.Handler.HandleControl(from, e)
}
