package peer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/transport"
	"github.com/LeJamon/goLockstepd/internal/lockstep/wire"
)

// Follower mirrors the host's timeline. It only advances to a tick once the
// host's batch or heartbeat for that tick has arrived.
type Follower struct {
	node

	addr         string
	conn         *Connection
	lastReceived int64
	lost         error

	// received is set once any record arrived after the handshake; only the
	// first one may be the host's init event.
	received  bool
	initEvent *event.Event

	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// NewFollower creates a follower.
func NewFollower(opts ...Option) (*Follower, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Follower{
		node:         newNode(cfg, "follower"),
		lastReceived: -1,
	}, nil
}

// Behavior returns BehaviorSend.
func (f *Follower) Behavior() Behavior {
	return BehaviorSend
}

// Join connects to the host at addr and returns the snapshot blob. The dial
// is bounded by the configured connect timeout; later reads are not.
func (f *Follower) Join(ctx context.Context, d transport.Dialer, addr string) ([]byte, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	f.addr = addr
	f.setState(StateConnecting)
	log := f.log.WithField("addr", addr)

	dialCtx, cancelDial := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	s, err := d.Dial(dialCtx, addr)
	cancelDial()
	if err != nil {
		f.setState(StateDisconnected)
		return nil, &ConnectError{Op: "dial", Addr: addr, Err: err}
	}

	conn := wire.NewConn(s)
	f.setState(StateSnapshotTransfer)
	snapshot, err := f.readHandshake(conn)
	if err != nil {
		_ = conn.Close()
		f.setState(StateDisconnected)
		return nil, err
	}

	f.conn = newConnection(HostID, conn, f.inbox.Writer(), false, f.log)
	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		if err := f.conn.Run(runCtx); err != nil {
			log.WithError(err).Info("host connection ended")
		}
	}()

	f.setState(StateActive)
	log.WithFields(logrus.Fields{
		"snapshot_bytes": len(snapshot),
		"hash":           f.hash,
	}).Info("joined host")
	return snapshot, nil
}

func (f *Follower) readHandshake(conn *wire.Conn) ([]byte, error) {
	snapshot, err := conn.ReadFrame()
	if err != nil {
		return nil, &ConnectError{Op: "read snapshot", Addr: f.addr, Err: err}
	}
	if len(snapshot) == 0 {
		e, err := conn.ReadEvent(f.cfg.Registry)
		if err != nil {
			return nil, &RejectedError{}
		}
		if r, ok := e.Body.(event.Rejected); ok {
			return nil, &RejectedError{Reason: r.Reason}
		}
		return nil, &RejectedError{}
	}

	e, err := conn.ReadEvent(f.cfg.Registry)
	if err != nil {
		return nil, &ConnectError{Op: "read set state", Addr: f.addr, Err: err}
	}
	st, ok := e.Body.(event.SetState)
	if !ok {
		return nil, &ConnectError{Op: "read set state", Addr: f.addr,
			Err: fmt.Errorf("%w: expected SetState, got %s", ErrProtocolViolation, e.Type)}
	}
	f.hash = st.Hash
	return snapshot, nil
}

// Poll drains the inbox into the event log. It returns ErrConnectionLost
// once the host stream has ended and every frame before the end has been
// processed.
func (f *Follower) Poll(tick int64) error {
	if f.lost != nil {
		return f.lost
	}
	if f.closed.Load() {
		return ErrClosed
	}
	f.tick = tick
	for _, item := range f.inbox.drain() {
		if item.Err != nil {
			f.lose(item.Err)
			continue
		}
		if f.lost != nil {
			continue
		}
		if err := f.receive(item.Raw); err != nil {
			f.lose(err)
		}
	}
	return f.lost
}

func (f *Follower) lose(cause error) {
	if f.lost != nil {
		return
	}
	f.lost = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	f.log.WithError(cause).Warn("lost connection to host")
	if f.State() != StateDesynced {
		f.setState(StateDisconnected)
	}
	if f.conn != nil {
		_ = f.conn.Close()
	}
}

func (f *Follower) receive(raw []byte) error {
	e, err := wire.DecodeEvent(raw, f.cfg.Registry)
	if err != nil {
		return err
	}
	first := !f.received
	f.received = true
	switch e.Type {
	case event.TypeGrouped:
		f.events.Insert(e)
		f.markReceived(e.Tick)
	case event.TypeHeartbeat:
		f.markReceived(e.Tick)
	case event.TypeTraceReport, event.TypeDesync:
		f.handleControl(HostID, e)
	case event.TypeSetState:
		f.log.WithField("tick", e.Tick).Warn("ignoring SetState after join")
	default:
		if !first || e.IsControl() {
			return fmt.Errorf("%w: host sent ungrouped %s", ErrProtocolViolation, e.Type)
		}
		f.initEvent = &e
		f.log.WithField("type", e.Type).Debug("received init event")
		f.handleControl(HostID, e)
	}
	return nil
}

// InitEvent returns the init event the host sent after SetState, if any.
func (f *Follower) InitEvent() (event.Event, bool) {
	if f.initEvent == nil {
		return event.Event{}, false
	}
	return *f.initEvent, true
}

func (f *Follower) markReceived(tick int64) {
	if tick > f.lastReceived {
		f.lastReceived = tick
	}
}

// LastReceivedTick returns the latest tick the host has vouched for, or -1.
func (f *Follower) LastReceivedTick() int64 {
	return f.lastReceived
}

// ShouldTick reports whether frames for tick have arrived.
func (f *Follower) ShouldTick(tick int64) bool {
	return f.lastReceived >= tick
}

// TicksBehind returns how many vouched-for ticks lie beyond tick.
func (f *Follower) TicksBehind(tick int64) int64 {
	if f.lastReceived < tick {
		return 0
	}
	return f.lastReceived - tick
}

// SubmitUserEvent forwards e to the host without applying it. It is applied
// when the host echoes it back in a grouped event.
func (f *Follower) SubmitUserEvent(e event.Event) error {
	if f.lost != nil {
		return f.lost
	}
	if f.conn == nil || f.closed.Load() {
		return ErrClosed
	}
	if e.IsControl() {
		return fmt.Errorf("%w: user event %s is a control record", ErrProtocolViolation, e.Type)
	}
	return f.sendEvent(e.WithTick(f.tick).WithoutRandomState())
}

// Send queues a control record to the host.
func (f *Follower) Send(e event.Event) error {
	if f.conn == nil {
		return ErrClosed
	}
	return f.sendEvent(e)
}

func (f *Follower) sendEvent(e event.Event) error {
	frame, err := wire.EncodeEvent(e)
	if err != nil {
		return err
	}
	return f.conn.Send(frame)
}

// CommitTick folds the events applied at tick into the rolling hash.
func (f *Follower) CommitTick(tick int64, applied []event.Event) error {
	hash, err := Fold(f.hash, applied)
	if err != nil {
		return fmt.Errorf("fold tick %d: %w", tick, err)
	}
	f.hash = hash
	return nil
}

// SendFinal writes e to the host synchronously.
func (f *Follower) SendFinal(e event.Event) error {
	if f.conn == nil {
		return ErrClosed
	}
	return f.conn.SendNow(e)
}

// Close closes the host connection and waits for the network goroutines. It
// is idempotent.
func (f *Follower) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	if f.State() != StateDesynced {
		f.setState(StateClosed)
	}
	var err error
	if f.conn != nil {
		err = f.conn.Close()
	}
	if f.cancel != nil {
		f.cancel()
	}
	if f.done != nil {
		<-f.done
	}
	if errors.Is(err, wire.ErrConnClosed) {
		return nil
	}
	return err
}
