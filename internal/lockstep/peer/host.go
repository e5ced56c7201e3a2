package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/idgen"
	"github.com/LeJamon/goLockstepd/internal/lockstep/transport"
	"github.com/LeJamon/goLockstepd/internal/lockstep/wire"
)

// Backoff between failed Accept calls.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Host is the authoritative peer. It decides the tick at which every event
// applies and fans each tick's batch out to all followers.
type Host struct {
	node

	// mu guards conns, accepting and the rolling hash against the
	// goroutines registering new followers.
	mu           sync.Mutex
	conns        map[PeerID]*Connection
	accepting    bool
	rejectReason string
	nextID       func() PeerID

	snapshot []byte
	listener transport.Listener

	g       *errgroup.Group
	cancel  context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool
}

// NewHost creates a host.
func NewHost(opts ...Option) (*Host, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Host{
		node:      newNode(cfg, "host"),
		conns:     make(map[PeerID]*Connection),
		accepting: true,
		nextID:    idgen.Sequence[PeerID](1),
	}, nil
}

// Behavior returns BehaviorQueuePlay.
func (h *Host) Behavior() Behavior {
	return BehaviorQueuePlay
}

// Start accepts followers from l. Every follower first receives snapshot.
func (h *Host) Start(ctx context.Context, l transport.Listener, snapshot []byte) error {
	if len(snapshot) == 0 {
		return ErrEmptySnapshot
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if h.started.Swap(true) {
		return ErrAlreadyStarted
	}

	h.snapshot = snapshot
	h.listener = l
	h.setState(StateActive)

	ctx, h.cancel = context.WithCancel(ctx)
	h.g, ctx = errgroup.WithContext(ctx)
	h.g.Go(func() error { return h.acceptLoop(ctx) })
	h.g.Go(func() error {
		<-ctx.Done()
		_ = l.Close()
		return nil
	})

	h.log.WithField("addr", l.Addr()).Info("host accepting followers")
	return nil
}

// Wait blocks until the accept loop and every connection have finished.
func (h *Host) Wait() error {
	if h.g == nil {
		return nil
	}
	err := h.g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Host) acceptLoop(ctx context.Context) error {
	delay := minAcceptBackoff
	for {
		s, err := h.listener.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				return nil
			}
			h.log.WithError(err).WithField("retry_in", delay).Warn("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, maxAcceptBackoff)
			continue
		}
		delay = minAcceptBackoff
		h.g.Go(func() error {
			h.serve(ctx, s)
			return nil
		})
	}
}

// serve runs one follower connection from handshake to close.
func (h *Host) serve(ctx context.Context, s transport.Stream) {
	conn := wire.NewConn(s)
	log := h.log.WithField("remote", s.RemoteAddr().String())

	h.mu.Lock()
	if !h.accepting {
		reason := h.rejectReason
		h.mu.Unlock()
		h.reject(conn, reason, log)
		return
	}
	id, err := idgen.Unique(h.nextID, h.hasConnLocked, log)
	if err != nil {
		h.mu.Unlock()
		log.WithError(err).Error("could not assign peer id")
		_ = conn.Close()
		return
	}
	c := newConnection(id, conn, h.inbox.Writer(), true, h.log)
	h.conns[id] = c
	hash := h.hash
	h.mu.Unlock()

	defer h.removeConn(id)

	if err := h.handshake(conn, hash); err != nil {
		c.log.WithError(err).Warn("snapshot transfer failed")
		_ = c.Close()
		return
	}
	c.Activate()
	c.log.Info("follower joined")

	if err := c.Run(ctx); err != nil {
		c.log.WithError(err).Info("follower disconnected")
	}
}

// handshake writes the snapshot, the current hash and the optional init
// event. Broadcasts racing with it are held in the connection's queue.
func (h *Host) handshake(conn *wire.Conn, hash uint64) error {
	if err := conn.WriteFrame(h.snapshot); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := conn.WriteEvent(event.New(0, event.SetState{Hash: hash})); err != nil {
		return fmt.Errorf("write set state: %w", err)
	}
	if h.cfg.InitEvent != nil {
		if err := conn.WriteEvent(*h.cfg.InitEvent); err != nil {
			return fmt.Errorf("write init event: %w", err)
		}
	}
	return nil
}

func (h *Host) reject(conn *wire.Conn, reason string, log logrus.FieldLogger) {
	defer conn.Close()
	if err := conn.WriteFrame(nil); err != nil {
		log.WithError(err).Debug("write rejection")
		return
	}
	if err := conn.WriteEvent(event.New(0, event.Rejected{Reason: reason})); err != nil {
		log.WithError(err).Debug("write rejection reason")
		return
	}
	log.WithField("reason", reason).Info("rejected join")
}

func (h *Host) hasConnLocked(id PeerID) bool {
	_, ok := h.conns[id]
	return ok || id == HostID
}

func (h *Host) removeConn(id PeerID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// StopAcceptingClients refuses every later join with reason. It cannot be
// undone.
func (h *Host) StopAcceptingClients(reason string) {
	if reason == "" {
		reason = DefaultRejectReason
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.accepting {
		return
	}
	h.accepting = false
	h.rejectReason = reason
	h.log.WithField("reason", reason).Info("stopped accepting followers")
}

// Accepting reports whether joins are still allowed.
func (h *Host) Accepting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepting
}

// Peers returns the ids of registered followers.
func (h *Host) Peers() []PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]PeerID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// PeerCount returns the number of registered followers.
func (h *Host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// DropPeer closes the connection to id.
func (h *Host) DropPeer(id PeerID, cause error) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.log.WithError(cause).Warn("dropping follower")
	_ = c.Close()
}

// Poll drains the inbox into the event log. Accepted events are stamped
// with tick, the tick the host is about to run.
func (h *Host) Poll(tick int64) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.tick = tick
	for _, item := range h.inbox.drain() {
		switch {
		case item.Local != nil:
			h.accept(*item.Local)
		case item.Err != nil:
			h.DropPeer(item.From, item.Err)
		default:
			h.receive(item.From, item.Raw)
		}
	}
	return nil
}

func (h *Host) receive(from PeerID, raw []byte) {
	e, err := wire.DecodeEvent(raw, h.cfg.Registry)
	if err != nil {
		h.DropPeer(from, &PeerError{PeerID: from, Op: "decode", Err: err})
		return
	}
	switch e.Type {
	case event.TypeTraceAck, event.TypeDesync:
		h.handleControl(from, e)
	case event.TypeGrouped:
		h.DropPeer(from, &PeerError{PeerID: from, Op: "receive", Err: fmt.Errorf("%w: grouped event from follower", ErrProtocolViolation)})
	default:
		if e.IsControl() {
			h.DropPeer(from, &PeerError{PeerID: from, Op: "receive", Err: fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, e.Type)})
			return
		}
		h.accept(e)
	}
}

func (h *Host) accept(e event.Event) {
	h.events.Insert(e.WithTick(h.tick).WithoutRandomState())
}

// SubmitUserEvent queues an event from the host user for the next tick
// boundary. It is safe to call from any goroutine.
func (h *Host) SubmitUserEvent(e event.Event) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if e.IsControl() {
		return fmt.Errorf("%w: user event %s is a control record", ErrProtocolViolation, e.Type)
	}
	h.inbox.Writer().Push(Inbound{From: HostID, Local: &e})
	return nil
}

// ShouldTick is always true: the host sets the pace.
func (h *Host) ShouldTick(int64) bool {
	return true
}

// TicksBehind is always 0 on the host.
func (h *Host) TicksBehind(int64) int64 {
	return 0
}

// CommitTick folds the events applied at tick into the rolling hash and
// broadcasts them as one grouped event, or a heartbeat when there were none.
func (h *Host) CommitTick(tick int64, applied []event.Event) error {
	var e event.Event
	if len(applied) == 0 {
		e = event.New(tick, event.Heartbeat{})
	} else {
		e = event.Group(tick, applied)
	}
	frame, err := wire.EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("encode tick %d: %w", tick, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	hash, err := Fold(h.hash, e.Members())
	if err != nil {
		return err
	}
	h.hash = hash
	h.fanOutLocked(frame)
	return nil
}

// Broadcast sends a control record to every follower.
func (h *Host) Broadcast(e event.Event) error {
	frame, err := wire.EncodeEvent(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanOutLocked(frame)
	return nil
}

func (h *Host) fanOutLocked(frame []byte) {
	for _, c := range h.conns {
		if err := c.Send(frame); err != nil {
			c.log.WithError(err).Debug("send skipped")
		}
	}
}

// SendFinal writes e to every follower synchronously.
func (h *Host) SendFinal(e event.Event) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.SendNow(e); err != nil {
			errs = append(errs, &PeerError{PeerID: c.id, Op: "send final", Err: err})
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting and closes every connection. It is idempotent.
func (h *Host) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.StopAcceptingClients("host closed")
	if h.State() != StateDesynced {
		h.setState(StateClosed)
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.listener != nil {
		_ = h.listener.Close()
	}

	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[PeerID]*Connection)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
