package session

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goLockstepd/internal/archive"
	"github.com/LeJamon/goLockstepd/internal/demo"
	"github.com/LeJamon/goLockstepd/internal/diagnostics"
	"github.com/LeJamon/goLockstepd/internal/lockstep/desync"
	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/peer"
	"github.com/LeJamon/goLockstepd/internal/lockstep/replay"
	"github.com/LeJamon/goLockstepd/internal/lockstep/transport"
	"github.com/LeJamon/goLockstepd/internal/metrics"
)

const waitFor = 5 * time.Second

func eventAt(body event.Body) event.Event {
	return event.New(0, body)
}

func desyncVerdict(tick int64) desync.Verdict {
	return desync.Verdict{Tick: tick, Reason: "hash mismatch", Line: -1, Local: "01", Remote: "02"}
}

func desyncVerdictLine(tick int64, line int, local, remote string) desync.Verdict {
	return desync.Verdict{Tick: tick, Reason: "trace mismatch", Line: line, Local: local, Remote: remote}
}

type member struct {
	s *Session
	w *demo.World
}

// step runs one tick if the session allows it.
func (m *member) step(ctx context.Context) (bool, error) {
	ran, err := m.s.Update(ctx)
	if err != nil || !ran {
		return false, err
	}
	m.w.Step()
	return true, m.s.TickCompleted()
}

func until(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func seededWorld(t *testing.T) *demo.World {
	t.Helper()
	w := demo.NewWorld(16, 16, 2024)
	ctx := context.Background()
	require.NoError(t, w.Apply(ctx, eventAt(demo.PlaceBuilding{X: 1, Y: 1, Kind: "house"})))
	require.NoError(t, w.Apply(ctx, eventAt(demo.PlaceBuilding{X: 2, Y: 1, Kind: "farm"})))
	require.NoError(t, w.Apply(ctx, eventAt(demo.PlaceBuilding{X: 3, Y: 1, Kind: "mill"})))
	return w
}

type cluster struct {
	net       *transport.PipeNetwork
	host      *member
	followers []*member
}

func newCluster(t *testing.T, followers int, deps Deps) *cluster {
	t.Helper()
	ctx := context.Background()
	if deps.Registry == nil {
		deps.Registry = demo.NewRegistry()
	}

	n := transport.NewPipeNetwork()
	l, err := n.Listen("host")
	require.NoError(t, err)

	hw := seededWorld(t)
	hs, err := StartHost(ctx, DefaultConfig(), deps, hw, l)
	require.NoError(t, err)
	hw.SetTracer(hs.Trace)
	t.Cleanup(func() { _ = hs.Close() })
	c := &cluster{net: n, host: &member{s: hs, w: hw}}

	for i := 0; i < followers; i++ {
		fw := demo.NewWorld(1, 1, 1)
		fs, err := JoinHost(ctx, DefaultConfig(), Deps{Registry: deps.Registry}, fw, transport.DialerFunc(n.Dial), "host")
		require.NoError(t, err)
		fw.SetTracer(fs.Trace)
		t.Cleanup(func() { _ = fs.Close() })
		c.followers = append(c.followers, &member{s: fs, w: fw})
	}
	require.NoError(t, contextWait(hs, followers))
	return c
}

func contextWait(s *Session, n int) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return s.WaitForPeers(ctx, n)
}

// hostTicks runs n host ticks.
func (c *cluster) hostTicks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ran, err := c.host.step(context.Background())
		require.NoError(t, err)
		require.True(t, ran)
	}
}

// catchUp drives every live follower to the host's tick.
func (c *cluster) catchUp(t *testing.T, followers ...*member) {
	t.Helper()
	target := c.host.s.TicksSinceLoad()
	until(t, "followers to catch up", func() bool {
		done := true
		for _, f := range followers {
			if f.s.TicksSinceLoad() >= target {
				continue
			}
			done = false
			_, err := f.step(context.Background())
			require.NoError(t, err)
		}
		return done
	})
}

func assertSameWorld(t *testing.T, want, got *demo.World) {
	t.Helper()
	assert.Equal(t, want.Buildings(), got.Buildings())
	assert.Equal(t, want.Population(), got.Population())
	assert.Equal(t, want.RandomState(), got.RandomState())
	assert.Equal(t, want.Ticks(), got.Ticks())
}

// TestSession_FollowersMirrorHost tests that followers end in the host's state
func TestSession_FollowersMirrorHost(t *testing.T) {
	c := newCluster(t, 2, Deps{})
	ctx := context.Background()
	f0 := c.followers[0]

	require.NoError(t, f0.s.RecordEvent(ctx, demo.PlaceBuilding{X: 6, Y: 6, Kind: "house"}))
	c.hostTicks(t, 5)
	require.NoError(t, c.host.s.RecordEvent(ctx, demo.PlaceBuilding{X: 5, Y: 5, Kind: "farm"}))
	c.hostTicks(t, 20)

	// The follower's event reaches the host asynchronously.
	until(t, "follower event on host", func() bool {
		for _, b := range c.host.w.Buildings() {
			if b.X == 6 && b.Y == 6 {
				return true
			}
		}
		c.hostTicks(t, 1)
		return false
	})
	c.catchUp(t, c.followers...)

	assert.Len(t, c.host.w.Buildings(), 5)
	for _, f := range c.followers {
		assertSameWorld(t, c.host.w, f.w)
		assert.Equal(t, c.host.s.Host().Hash(), f.s.Follower().Hash())
		assert.False(t, f.s.Synchronizer().IsDesynced())
		assert.Zero(t, f.s.Detector().PendingReports())
	}
	assert.False(t, c.host.s.Host().Accepting())
}

// TestSession_LateJoinRejected tests that joining after tick 0 fails with a reason
func TestSession_LateJoinRejected(t *testing.T) {
	c := newCluster(t, 0, Deps{})
	c.hostTicks(t, 1)

	_, err := JoinHost(context.Background(), DefaultConfig(), Deps{Registry: demo.NewRegistry()},
		demo.NewWorld(1, 1, 1), transport.DialerFunc(c.net.Dial), "host")
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrJoinRejected)
	assert.Equal(t, "could not connect to host: join rejected by host: session already started", Describe(err))
}

// TestSession_DesyncIsDetectedAndContained tests that a diverged follower
// stops, the host records it and drops only that follower
func TestSession_DesyncIsDetectedAndContained(t *testing.T) {
	store, err := diagnostics.Open(context.Background(),
		diagnostics.NewConfig(diagnostics.DriverSQLite, filepath.Join(t.TempDir(), "diag.db")))
	require.NoError(t, err)
	defer store.Close()

	c := newCluster(t, 2, Deps{Diagnostics: store})
	ctx := context.Background()
	bad, good := c.followers[0], c.followers[1]

	c.hostTicks(t, 3)
	c.catchUp(t, c.followers...)

	bad.w.SetRandomState(bad.w.RandomState() ^ 0xdeadbeef)
	require.NoError(t, c.host.s.RecordEvent(ctx, demo.PlaceBuilding{X: 9, Y: 9, Kind: "mill"}))
	c.hostTicks(t, 3)

	var desyncErr error
	until(t, "follower to desync", func() bool {
		_, err := bad.step(ctx)
		desyncErr = err
		return err != nil
	})
	require.ErrorIs(t, desyncErr, ErrDesynced)
	var de *DesyncError
	require.True(t, errors.As(desyncErr, &de))
	assert.False(t, de.Remote)
	assert.True(t, strings.HasPrefix(Describe(desyncErr), "session desynchronized at tick"))

	// Terminal: further updates keep failing.
	_, err = bad.s.Update(ctx)
	assert.ErrorIs(t, err, ErrDesynced)
	assert.Equal(t, peer.StateDesynced, bad.s.Follower().State())

	// Local play goes on: game code runs actions directly instead of
	// recording them for the network.
	assert.True(t, bad.s.ShouldPlayPatchedEvents())
	assert.ErrorIs(t, bad.s.RecordEvent(ctx, demo.PlaceBuilding{X: 2, Y: 2, Kind: "farm"}), ErrDesynced)

	var reports []diagnostics.Report
	until(t, "host to record the divergence", func() bool {
		c.hostTicks(t, 1)
		reports, err = store.List(ctx, c.host.s.ID().String())
		require.NoError(t, err)
		return len(reports) > 0
	})
	require.Len(t, reports, 1)
	assert.Equal(t, "follower", reports[0].Role)
	assert.Equal(t, 1, c.host.s.Host().PeerCount())

	c.catchUp(t, good)
	assertSameWorld(t, c.host.w, good.w)
	assert.False(t, c.host.s.Synchronizer().IsDesynced())
}

type initWorld struct {
	*demo.World
	got []event.Event
}

func (w *initWorld) ReceiveInit(_ context.Context, e event.Event) error {
	w.got = append(w.got, e)
	return nil
}

// TestSession_InitEventReachesFollower tests that a host's init event is
// handed to the follower's simulation and leaves the session running
func TestSession_InitEventReachesFollower(t *testing.T) {
	ctx := context.Background()
	reg := demo.NewRegistry()
	n := transport.NewPipeNetwork()
	l, err := n.Listen("host")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.InitEvent = event.SpeedChange{Speed: 2}
	hw := seededWorld(t)
	hs, err := StartHost(ctx, cfg, Deps{Registry: reg}, hw, l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hs.Close() })

	fw := &initWorld{World: demo.NewWorld(1, 1, 1)}
	fs, err := JoinHost(ctx, DefaultConfig(), Deps{Registry: reg}, fw, transport.DialerFunc(n.Dial), "host")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	require.NoError(t, contextWait(hs, 1))

	host, follower := &member{s: hs, w: hw}, &member{s: fs, w: fw.World}
	for i := 0; i < 3; i++ {
		ran, err := host.step(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}
	until(t, "follower to catch up", func() bool {
		_, err := follower.step(ctx)
		require.NoError(t, err)
		return fs.TicksSinceLoad() >= 3
	})

	require.Len(t, fw.got, 1)
	assert.Equal(t, event.SpeedChange{Speed: 2}, fw.got[0].Body)
	assertSameWorld(t, hw, fw.World)
}

// TestSession_HostDesyncReachesFollowers tests that a host-side divergence
// ends every follower too
func TestSession_HostDesyncReachesFollowers(t *testing.T) {
	c := newCluster(t, 1, Deps{})
	f := c.followers[0]
	c.hostTicks(t, 2)
	c.catchUp(t, f)

	c.host.s.Synchronizer().Desync(desyncVerdict(2))
	_, err := c.host.s.Update(context.Background())
	require.ErrorIs(t, err, ErrDesynced)

	var followerErr error
	until(t, "follower to learn about the desync", func() bool {
		_, followerErr = f.step(context.Background())
		return followerErr != nil
	})
	var de *DesyncError
	require.True(t, errors.As(followerErr, &de))
	assert.True(t, de.Remote)
	assert.Equal(t, int64(2), de.Verdict.Tick)
}

// TestSession_ArchiveReplaysToSameState tests replaying a host archive
func TestSession_ArchiveReplaysToSameState(t *testing.T) {
	ctx := context.Background()
	a, err := archive.Open(archive.Config{Backend: archive.BackendPebble, Path: t.TempDir()}, nil)
	require.NoError(t, err)
	defer a.Close()
	m, err := metrics.New(nil)
	require.NoError(t, err)

	c := newCluster(t, 0, Deps{Archive: a, Metrics: m})
	for i, x := range []int{4, 5, 6} {
		require.NoError(t, c.host.s.RecordEvent(ctx, demo.PlaceBuilding{X: x, Y: i, Kind: "house"}))
		c.hostTicks(t, 7)
	}

	meta, err := a.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.host.s.ID().String(), meta.SessionID)
	assert.Equal(t, string(RoleHost), meta.Role)

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	events, err := a.Events(ctx, demo.NewRegistry())
	require.NoError(t, err)
	require.Len(t, events, 3)

	w := demo.NewWorld(1, 1, 1)
	require.NoError(t, w.LoadSnapshot(snap))
	pb, err := StartPlayback(DefaultConfig(), Deps{}, w, events)
	require.NoError(t, err)
	p := &member{s: pb, w: w}
	for p.s.TicksSinceLoad() < c.host.s.TicksSinceLoad() {
		ran, err := p.step(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}
	assertSameWorld(t, c.host.w, w)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "lockstep_ticks_total 21")
	assert.Contains(t, string(body), `lockstep_events_applied_total{type="PlaceBuilding"} 3`)
}

// TestSession_RecordAndPlayback tests single-player recording and its replay
func TestSession_RecordAndPlayback(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	w := seededWorld(t)
	rs, err := StartRecording(DefaultConfig(), Deps{}, w, path)
	require.NoError(t, err)
	rec := &member{s: rs, w: w}
	assert.False(t, rs.ShouldPlayPatchedEvents())

	for tick := 0; tick < 10; tick++ {
		if tick%4 == 1 {
			require.NoError(t, rs.RecordEvent(ctx, demo.PlaceBuilding{X: tick, Y: 8, Kind: "farm"}))
		}
		ran, err := rec.step(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}
	require.NoError(t, rs.Close())
	require.NoError(t, rs.Close())
	assert.True(t, rs.ShouldPlayPatchedEvents())

	events, err := replay.LoadFile(path, demo.NewRegistry())
	require.NoError(t, err)
	require.Len(t, events, 3)

	pw := seededWorld(t)
	ps, err := StartPlayback(DefaultConfig(), Deps{}, pw, events)
	require.NoError(t, err)
	runCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, ps.Run(runCtx, pw))

	assert.Len(t, pw.Buildings(), 6)
	assert.Equal(t, w.Buildings(), pw.Buildings())
	assert.Equal(t, rs.Synchronizer().IO().Hash(), ps.Synchronizer().IO().Hash())
}

// TestDescribe tests user-facing messages per failure class
func TestDescribe(t *testing.T) {
	assert.Empty(t, Describe(nil))
	assert.Equal(t,
		"could not connect to host 10.0.0.1:7777: context deadline exceeded",
		Describe(&peer.ConnectError{Op: "dial", Addr: "10.0.0.1:7777", Err: context.DeadlineExceeded}))
	assert.True(t, strings.HasPrefix(Describe(peer.ErrConnectionLost), "lost connection to host"))
	assert.Equal(t,
		`session desynchronized at tick 7: trace mismatch (trace line 2: local "a", remote "b"); reload the save and start a new session`,
		Describe(&DesyncError{Verdict: desyncVerdictLine(7, 2, "a", "b")}))
	assert.Equal(t, "session desynchronized; reload the save and start a new session", Describe(ErrDesynced))
}
