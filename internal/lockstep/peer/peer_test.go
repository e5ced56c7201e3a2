package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/transport"
	"github.com/LeJamon/goLockstepd/internal/lockstep/wire"
)

const (
	waitFor = 5 * time.Second
	every   = 5 * time.Millisecond
)

var testSnapshot = []byte("world-state-v1")

type session struct {
	net       *transport.PipeNetwork
	host      *Host
	followers []*Follower
}

func startHost(t *testing.T, opts ...Option) (*transport.PipeNetwork, *Host) {
	t.Helper()
	n := transport.NewPipeNetwork()
	l, err := n.Listen("host")
	require.NoError(t, err)

	h, err := NewHost(opts...)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background(), l, testSnapshot))
	t.Cleanup(func() { _ = h.Close() })
	return n, h
}

func join(t *testing.T, n *transport.PipeNetwork, opts ...Option) *Follower {
	t.Helper()
	f, err := NewFollower(opts...)
	require.NoError(t, err)
	snap, err := f.Join(context.Background(), transport.DialerFunc(n.Dial), "host")
	require.NoError(t, err)
	assert.Equal(t, testSnapshot, snap)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newSession(t *testing.T, followers int) *session {
	t.Helper()
	n, h := startHost(t)
	s := &session{net: n, host: h}
	for i := 0; i < followers; i++ {
		s.followers = append(s.followers, join(t, n))
	}
	require.Eventually(t, func() bool { return h.PeerCount() == followers }, waitFor, every)
	return s
}

// hostTick runs one host tick: poll, read, commit.
func hostTick(t *testing.T, h *Host, tick int64) []event.Event {
	t.Helper()
	require.NoError(t, h.Poll(tick))
	applied := h.ReadEvents(tick)
	require.NoError(t, h.CommitTick(tick, applied))
	return applied
}

// followerTick waits for tick to be vouched for and commits it.
func followerTick(t *testing.T, f *Follower, tick int64) []event.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		require.NoError(t, f.Poll(tick))
		return f.ShouldTick(tick)
	}, waitFor, every)
	applied := f.ReadEvents(tick)
	require.NoError(t, f.CommitTick(tick, applied))
	return applied
}

func speed(s float64) event.Event {
	return event.New(0, event.SpeedChange{Speed: s})
}

// TestState_String tests the State String method
func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateSnapshotTransfer, "snapshot_transfer"},
		{StateActive, "active"},
		{StateClosed, "closed"},
		{StateDesynced, "desynced"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

// TestHost_StartRequiresSnapshot tests snapshot validation
func TestHost_StartRequiresSnapshot(t *testing.T) {
	h, err := NewHost()
	require.NoError(t, err)
	n := transport.NewPipeNetwork()
	l, err := n.Listen("host")
	require.NoError(t, err)

	assert.ErrorIs(t, h.Start(context.Background(), l, nil), ErrEmptySnapshot)
	require.NoError(t, h.Start(context.Background(), l, testSnapshot))
	assert.ErrorIs(t, h.Start(context.Background(), l, testSnapshot), ErrAlreadyStarted)
	require.NoError(t, h.Close())
	require.NoError(t, h.Wait())
}

// failingListener fails every Accept until closed.
type failingListener struct {
	calls  atomic.Int32
	closed atomic.Bool
}

func (l *failingListener) Accept() (transport.Stream, error) {
	if l.closed.Load() {
		return nil, transport.ErrListenerClosed
	}
	l.calls.Add(1)
	return nil, errors.New("too many open files")
}

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{} }

// TestHost_AcceptErrorsBackOff tests that repeated Accept failures are
// retried with a growing delay
func TestHost_AcceptErrorsBackOff(t *testing.T) {
	h, err := NewHost()
	require.NoError(t, err)
	l := &failingListener{}
	require.NoError(t, h.Start(context.Background(), l, testSnapshot))

	time.Sleep(100 * time.Millisecond)
	calls := l.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(8))

	require.NoError(t, h.Close())
	require.NoError(t, h.Wait())
}

// TestConfig_Validate tests option validation
func TestConfig_Validate(t *testing.T) {
	_, err := NewHost(WithConnectTimeout(0))
	assert.Error(t, err)
	_, err = NewHost(WithRegistry(nil))
	assert.Error(t, err)
	_, err = NewHost(WithInitEvent(event.New(0, event.Heartbeat{})))
	assert.Error(t, err)
	_, err = NewHost(WithInitEvent(event.Group(0, nil)))
	assert.Error(t, err)
	_, err = NewFollower(WithConnectTimeout(time.Second))
	assert.NoError(t, err)
}

// TestJoin_SnapshotBeforeEvents tests that the snapshot and SetState precede
// every event record on a fresh connection
func TestJoin_SnapshotBeforeEvents(t *testing.T) {
	n, h := startHost(t, WithInitEvent(speed(3)))

	s, err := n.Dial(context.Background(), "host")
	require.NoError(t, err)
	conn := wire.NewConn(s)
	defer conn.Close()

	first, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, testSnapshot, first)

	second, err := conn.ReadEvent(nil)
	require.NoError(t, err)
	assert.Equal(t, event.SetState{Hash: 0}, second.Body)

	third, err := conn.ReadEvent(nil)
	require.NoError(t, err)
	assert.Equal(t, event.SpeedChange{Speed: 3}, third.Body)

	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, waitFor, every)
	hostTick(t, h, 0)

	fourth, err := conn.ReadEvent(nil)
	require.NoError(t, err)
	assert.Equal(t, event.TypeHeartbeat, fourth.Type)
	assert.Equal(t, int64(0), fourth.Tick)
}

// TestFollower_ReceivesInitEvent tests that the init event sent after
// SetState reaches the follower's handler without entering the event log
func TestFollower_ReceivesInitEvent(t *testing.T) {
	n, h := startHost(t, WithInitEvent(speed(3)))
	handler := &recordingHandler{}
	f := join(t, n, WithControlHandler(handler))
	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, waitFor, every)

	hostTick(t, h, 0)
	applied := followerTick(t, f, 0)
	assert.Empty(t, applied)
	assert.Equal(t, StateActive, f.State())

	got, ok := f.InitEvent()
	require.True(t, ok)
	assert.Equal(t, event.SpeedChange{Speed: 3}, got.Body)
	assert.Equal(t, []event.Type{event.TypeSpeedChange}, handler.types())

	hostTick(t, h, 1)
	followerTick(t, f, 1)
	assert.NoError(t, f.Poll(2))
}

// TestFollower_NoInitEvent tests a join without an init event
func TestFollower_NoInitEvent(t *testing.T) {
	s := newSession(t, 1)
	hostTick(t, s.host, 0)
	followerTick(t, s.followers[0], 0)
	_, ok := s.followers[0].InitEvent()
	assert.False(t, ok)
}

// TestJoin_QueuedDuringTransfer tests that frames broadcast during the
// snapshot transfer are delivered after it in order
func TestJoin_QueuedDuringTransfer(t *testing.T) {
	n, h := startHost(t)

	s, err := n.Dial(context.Background(), "host")
	require.NoError(t, err)
	conn := wire.NewConn(s)
	defer conn.Close()

	// The host is blocked writing the snapshot into the pipe, so the
	// connection is still queuing while these ticks commit.
	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, waitFor, every)
	for tick := int64(0); tick < 3; tick++ {
		hostTick(t, h, tick)
	}

	_, err = conn.ReadFrame()
	require.NoError(t, err)
	st, err := conn.ReadEvent(nil)
	require.NoError(t, err)
	assert.Equal(t, event.TypeSetState, st.Type)
	for tick := int64(0); tick < 3; tick++ {
		e, err := conn.ReadEvent(nil)
		require.NoError(t, err)
		assert.Equal(t, event.TypeHeartbeat, e.Type)
		assert.Equal(t, tick, e.Tick)
	}
}

// TestJoin_Rejected tests that a late follower gets the rejection pair
func TestJoin_Rejected(t *testing.T) {
	n, h := startHost(t)
	h.StopAcceptingClients("")
	assert.False(t, h.Accepting())

	f, err := NewFollower()
	require.NoError(t, err)
	_, err = f.Join(context.Background(), transport.DialerFunc(n.Dial), "host")
	require.ErrorIs(t, err, ErrJoinRejected)

	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, DefaultRejectReason, rej.Reason)
	assert.Equal(t, 0, h.PeerCount())
}

// TestJoin_ConnectError tests that dial failures are reported as ConnectError
func TestJoin_ConnectError(t *testing.T) {
	f, err := NewFollower(WithConnectTimeout(50 * time.Millisecond))
	require.NoError(t, err)

	n := transport.NewPipeNetwork()
	_, err = f.Join(context.Background(), transport.DialerFunc(n.Dial), "nowhere")

	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "dial", ce.Op)
	assert.Equal(t, "nowhere", ce.Addr)
	assert.ErrorIs(t, err, transport.ErrNoListener)
	assert.Equal(t, StateDisconnected, f.State())
}

// TestFollower_GroupedEventAtTickFive tests that a tick-5 group is applied at
// tick 5 in the host's order
func TestFollower_GroupedEventAtTickFive(t *testing.T) {
	s := newSession(t, 1)
	h, f := s.host, s.followers[0]

	for tick := int64(0); tick < 5; tick++ {
		hostTick(t, h, tick)
	}
	require.NoError(t, h.SubmitUserEvent(speed(2)))
	require.NoError(t, h.SubmitUserEvent(speed(4)))
	applied := hostTick(t, h, 5)
	require.Len(t, applied, 2)

	for tick := int64(0); tick < 5; tick++ {
		assert.Empty(t, followerTick(t, f, tick))
	}
	got := followerTick(t, f, 5)
	require.Len(t, got, 2)
	assert.Equal(t, event.SpeedChange{Speed: 2}, got[0].Body)
	assert.Equal(t, event.SpeedChange{Speed: 4}, got[1].Body)
	assert.Equal(t, int64(5), got[0].Tick)
	assert.Equal(t, int64(5), got[1].Tick)
	assert.Equal(t, h.Hash(), f.Hash())
}

// TestFollower_ShouldTickWaitsForHeartbeat tests that tick 9 is gated on the
// host's tick-9 frame
func TestFollower_ShouldTickWaitsForHeartbeat(t *testing.T) {
	s := newSession(t, 1)
	h, f := s.host, s.followers[0]

	for tick := int64(0); tick < 9; tick++ {
		hostTick(t, h, tick)
	}
	require.Eventually(t, func() bool {
		require.NoError(t, f.Poll(0))
		return f.LastReceivedTick() == 8
	}, waitFor, every)
	assert.False(t, f.ShouldTick(9))
	assert.Equal(t, int64(8), f.TicksBehind(0))

	hostTick(t, h, 9)
	require.Eventually(t, func() bool {
		require.NoError(t, f.Poll(0))
		return f.ShouldTick(9)
	}, waitFor, every)
	assert.False(t, f.ShouldTick(10))
}

// TestHost_HeartbeatLiveness tests that an idle host still vouches for every tick
func TestHost_HeartbeatLiveness(t *testing.T) {
	s := newSession(t, 2)
	for tick := int64(0); tick < 20; tick++ {
		hostTick(t, s.host, tick)
	}
	for _, f := range s.followers {
		for tick := int64(0); tick < 20; tick++ {
			assert.Empty(t, followerTick(t, f, tick))
		}
		assert.Equal(t, s.host.Hash(), f.Hash())
	}
}

// TestSession_TotalOrder tests that every peer applies the same sequence
func TestSession_TotalOrder(t *testing.T) {
	s := newSession(t, 3)
	h := s.host

	var wg sync.WaitGroup
	for i, f := range s.followers {
		wg.Add(1)
		go func(i int, f *Follower) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = f.SubmitUserEvent(speed(float64(10*i + j)))
			}
		}(i, f)
	}
	wg.Wait()
	require.NoError(t, h.SubmitUserEvent(speed(100)))

	var hostSeq []event.Event
	require.Eventually(t, func() bool {
		require.NoError(t, h.Poll(0))
		return h.Pending() == 16
	}, waitFor, every)
	hostSeq = hostTick(t, h, 0)
	require.Len(t, hostSeq, 16)

	for _, f := range s.followers {
		got := followerTick(t, f, 0)
		assert.Equal(t, hostSeq, got)
		assert.Equal(t, h.Hash(), f.Hash())
	}
}

// TestHash_IndependentOfOrigin tests that an event yields the same hash
// whether the host user or a follower initiated it
func TestHash_IndependentOfOrigin(t *testing.T) {
	run := func(fromFollower bool) (uint64, uint64) {
		s := newSession(t, 1)
		h, f := s.host, s.followers[0]
		if fromFollower {
			require.NoError(t, f.SubmitUserEvent(speed(7)))
		} else {
			require.NoError(t, h.SubmitUserEvent(speed(7)))
		}
		require.Eventually(t, func() bool {
			require.NoError(t, h.Poll(0))
			return h.Pending() == 1
		}, waitFor, every)
		hostTick(t, h, 0)
		followerTick(t, f, 0)
		return h.Hash(), f.Hash()
	}

	hostA, followerA := run(false)
	hostB, followerB := run(true)
	assert.Equal(t, hostA, followerA)
	assert.Equal(t, hostB, followerB)
	assert.Equal(t, hostA, hostB)
	assert.NotZero(t, hostA)
}

// TestHost_DropsMisbehavingPeerOnly tests that a protocol error only costs
// the offending follower
func TestHost_DropsMisbehavingPeerOnly(t *testing.T) {
	s := newSession(t, 1)
	h := s.host

	raw, err := s.net.Dial(context.Background(), "host")
	require.NoError(t, err)
	bad := wire.NewConn(raw)
	defer bad.Close()
	_, err = bad.ReadFrame()
	require.NoError(t, err)
	_, err = bad.ReadEvent(nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.PeerCount() == 2 }, waitFor, every)

	go func() { _ = bad.WriteFrame([]byte(`{"type":"Teleport","ticksSinceLoad":0}`)) }()
	require.Eventually(t, func() bool {
		require.NoError(t, h.Poll(0))
		return h.PeerCount() == 1
	}, waitFor, every)

	hostTick(t, h, 0)
	followerTick(t, s.followers[0], 0)
}

// TestFollower_ConnectionLost tests that a host shutdown surfaces as
// ErrConnectionLost after pending frames are processed
func TestFollower_ConnectionLost(t *testing.T) {
	s := newSession(t, 1)
	h, f := s.host, s.followers[0]

	hostTick(t, h, 0)
	followerTick(t, f, 0)
	require.NoError(t, h.Close())

	require.Eventually(t, func() bool {
		return errors.Is(f.Poll(1), ErrConnectionLost)
	}, waitFor, every)
	assert.ErrorIs(t, f.SubmitUserEvent(speed(1)), ErrConnectionLost)
}

// brokenWriter is a stream whose writes always fail.
type brokenWriter struct {
	transport.Stream
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

// TestFollower_WriteFailureLosesConnection tests that a failed upstream
// write surfaces as ErrConnectionLost
func TestFollower_WriteFailureLosesConnection(t *testing.T) {
	n, h := startHost(t)
	f, err := NewFollower()
	require.NoError(t, err)
	dial := transport.DialerFunc(func(ctx context.Context, addr string) (transport.Stream, error) {
		s, err := n.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return brokenWriter{Stream: s}, nil
	})
	_, err = f.Join(context.Background(), dial, "host")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, waitFor, every)

	require.NoError(t, f.SubmitUserEvent(speed(2)))
	require.Eventually(t, func() bool {
		return errors.Is(f.Poll(0), ErrConnectionLost)
	}, waitFor, every)
	assert.Equal(t, StateDisconnected, f.State())
	assert.ErrorIs(t, f.SubmitUserEvent(speed(1)), ErrConnectionLost)
}

// TestPeers_CloseIsIdempotent tests that Close can be called repeatedly
func TestPeers_CloseIsIdempotent(t *testing.T) {
	s := newSession(t, 1)
	for i := 0; i < 3; i++ {
		assert.NoError(t, s.host.Close())
		assert.NoError(t, s.followers[0].Close())
	}
	assert.Equal(t, StateClosed, s.host.State())
	assert.Equal(t, StateClosed, s.followers[0].State())
	assert.ErrorIs(t, s.host.Poll(0), ErrClosed)
	assert.ErrorIs(t, s.host.SubmitUserEvent(speed(1)), ErrClosed)
	require.NoError(t, s.host.Wait())
}

type recordingHandler struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingHandler) HandleControl(_ PeerID, e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingHandler) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// TestControlRecords_ReachHandler tests routing of trace and desync records
func TestControlRecords_ReachHandler(t *testing.T) {
	hostHandler := &recordingHandler{}
	n, h := startHost(t, WithControlHandler(hostHandler))
	followerHandler := &recordingHandler{}
	f := join(t, n, WithControlHandler(followerHandler))
	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, waitFor, every)

	require.NoError(t, h.Broadcast(event.New(0, event.TraceReport{Hash: 1})))
	require.Eventually(t, func() bool {
		require.NoError(t, f.Poll(0))
		return len(followerHandler.types()) == 1
	}, waitFor, every)
	assert.Equal(t, []event.Type{event.TypeTraceReport}, followerHandler.types())

	require.NoError(t, f.Send(event.New(0, event.TraceAck{})))
	require.Eventually(t, func() bool {
		require.NoError(t, h.Poll(0))
		return len(hostHandler.types()) == 1
	}, waitFor, every)
	require.NoError(t, f.SendFinal(event.New(0, event.Desync{Reason: "test"})))
	require.Eventually(t, func() bool {
		require.NoError(t, h.Poll(0))
		return len(hostHandler.types()) == 2
	}, waitFor, every)
	assert.Equal(t, []event.Type{event.TypeTraceAck, event.TypeDesync}, hostHandler.types())
}

// TestInbox_ConcurrentWriters tests that concurrent pushes are all drained
func TestInbox_ConcurrentWriters(t *testing.T) {
	in := NewInbox()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			writer := in.Writer()
			for i := 0; i < 100; i++ {
				writer.Push(Inbound{From: PeerID(w)})
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 800, in.Len())
	assert.Len(t, in.drain(), 800)
	assert.Equal(t, 0, in.Len())
}

// TestCombine tests the rolling hash fold
func TestCombine(t *testing.T) {
	a := Combine(0, []byte("x"))
	assert.Equal(t, a, Combine(0, []byte("x")))
	assert.NotEqual(t, a, Combine(1, []byte("x")))
	assert.NotEqual(t, a, Combine(0, []byte("y")))

	h, err := Fold(5, []event.Event{event.New(0, event.Heartbeat{})})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), h, "control records do not fold")
}
