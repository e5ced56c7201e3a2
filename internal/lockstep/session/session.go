// Package session wires a peer, a synchronizer and a desync detector into
// one lockstep session, together with the stores and reporters that observe
// it. Every dependency is passed in explicitly.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/archive"
	"github.com/LeJamon/goLockstepd/internal/diagnostics"
	"github.com/LeJamon/goLockstepd/internal/lockstep/desync"
	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/peer"
	"github.com/LeJamon/goLockstepd/internal/lockstep/replay"
	"github.com/LeJamon/goLockstepd/internal/lockstep/transport"
	"github.com/LeJamon/goLockstepd/internal/metrics"
	"github.com/LeJamon/goLockstepd/internal/status"
)

// Role is the part a session plays.
type Role string

const (
	RoleHost     Role = "host"
	RoleFollower Role = "follower"
	RoleRecord   Role = "record"
	RolePlayback Role = "playback"
)

// Simulation is a replicated simulation that can also be restored from the
// host's snapshot.
type Simulation interface {
	replay.Simulation
	replay.SnapshotLoader
}

// InitReceiver is implemented by simulations that take the init event a
// host sends each follower after the snapshot.
type InitReceiver interface {
	ReceiveInit(ctx context.Context, e event.Event) error
}

// Config holds session configuration.
type Config struct {
	MaxCatchUpSpeed  float64
	CatchUpThreshold int64

	Detector desync.Config

	// TraceInterval is how often, in ticks, the host sends its traces to
	// followers for verification. 0 disables verification.
	TraceInterval int64

	// TickInterval is the wall time of one tick at speed 1.
	TickInterval time.Duration

	ConnectTimeout time.Duration

	// InitEvent, when set on a host, is sent to every follower right after
	// the snapshot.
	InitEvent event.Body
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxCatchUpSpeed:  replay.DefaultMaxCatchUpSpeed,
		CatchUpThreshold: replay.DefaultCatchUpThreshold,
		Detector:         desync.DefaultConfig(),
		TraceInterval:    1,
		TickInterval:     50 * time.Millisecond,
		ConnectTimeout:   peer.DefaultConnectTimeout,
	}
}

// Deps are the collaborators of a session. Only Registry is required; the
// rest are skipped when nil.
type Deps struct {
	Logger   logrus.FieldLogger
	Registry *event.Registry

	Archive     *archive.Archive
	Diagnostics *diagnostics.Store
	Metrics     *metrics.Metrics
	Status      *status.Server
}

// finalSender is implemented by peers that can send a last record before
// tearing the connection down.
type finalSender interface {
	SendFinal(e event.Event) error
}

// Session is one lockstep session. Update, TickCompleted and the event entry
// points must be called from the simulation thread.
type Session struct {
	id   uuid.UUID
	role Role
	cfg  Config
	deps Deps
	log  logrus.FieldLogger

	sim      replay.Simulation
	io       replay.IO
	host     *peer.Host
	follower *peer.Follower
	sync     *replay.Synchronizer
	detector *desync.Detector

	acks map[int64]map[peer.PeerID]struct{}

	remoteDesync bool
	tornDown     bool
	closed       bool
}

func newSession(role Role, cfg Config, deps Deps, sim replay.Simulation) (*Session, error) {
	if sim == nil {
		return nil, errors.New("simulation is required")
	}
	if deps.Registry == nil {
		deps.Registry = event.NewRegistry()
	}
	if deps.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		deps.Logger = l
	}
	id := uuid.New()
	log := deps.Logger.WithFields(logrus.Fields{"session": id.String(), "role": string(role)})

	dcfg := cfg.Detector
	dcfg.Logger = log
	detector, err := desync.New(dcfg)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:       id,
		role:     role,
		cfg:      cfg,
		deps:     deps,
		log:      log,
		sim:      sim,
		detector: detector,
		acks:     make(map[int64]map[peer.PeerID]struct{}),
	}, nil
}

// attach builds the synchronizer over io and registers the session hooks.
func (s *Session) attach(io replay.IO, snapshot []byte) error {
	rcfg := replay.DefaultConfig()
	rcfg.MaxCatchUpSpeed = s.cfg.MaxCatchUpSpeed
	rcfg.CatchUpThreshold = s.cfg.CatchUpThreshold
	rcfg.Detector = s.detector
	rcfg.Logger = s.log

	sync, err := replay.New(io, s.sim, rcfg)
	if err != nil {
		return err
	}
	s.io = io
	s.sync = sync

	sync.OnStart(s.onStart)
	sync.OnCommit(s.onCommit)
	sync.OnTick(s.onTick)
	sync.OnDesync(s.onDesync)

	if err := s.archiveStart(snapshot); err != nil {
		return err
	}
	if s.deps.Status != nil {
		s.deps.Status.SetServing(true)
	}
	s.log.Info("session started")
	return nil
}

// StartHost takes the simulation's snapshot and starts accepting followers
// on l. Followers may join until tick 0 is processed.
func StartHost(ctx context.Context, cfg Config, deps Deps, sim replay.Simulation, l transport.Listener) (*Session, error) {
	s, err := newSession(RoleHost, cfg, deps, sim)
	if err != nil {
		return nil, err
	}
	snapshot, err := sim.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	opts := []peer.Option{
		peer.WithRegistry(s.deps.Registry),
		peer.WithControlHandler(s),
		peer.WithLogger(s.log),
	}
	if cfg.InitEvent != nil {
		opts = append(opts, peer.WithInitEvent(event.New(0, cfg.InitEvent)))
	}
	host, err := peer.NewHost(opts...)
	if err != nil {
		return nil, err
	}
	if err := host.Start(ctx, l, snapshot); err != nil {
		return nil, err
	}
	s.host = host
	if err := s.attach(host, snapshot); err != nil {
		_ = host.Close()
		return nil, err
	}
	return s, nil
}

// JoinHost connects to the host at addr and loads its snapshot into sim.
func JoinHost(ctx context.Context, cfg Config, deps Deps, sim Simulation, d transport.Dialer, addr string) (*Session, error) {
	s, err := newSession(RoleFollower, cfg, deps, sim)
	if err != nil {
		return nil, err
	}
	opts := []peer.Option{
		peer.WithRegistry(s.deps.Registry),
		peer.WithControlHandler(s),
		peer.WithLogger(s.log),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, peer.WithConnectTimeout(cfg.ConnectTimeout))
	}
	follower, err := peer.NewFollower(opts...)
	if err != nil {
		return nil, err
	}
	snapshot, err := follower.Join(ctx, d, addr)
	if err != nil {
		return nil, err
	}
	if err := sim.LoadSnapshot(snapshot); err != nil {
		_ = follower.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.follower = follower
	if err := s.attach(follower, snapshot); err != nil {
		_ = follower.Close()
		return nil, err
	}
	return s, nil
}

// StartRecording runs a single-player session that appends every recorded
// event to the file at path.
func StartRecording(cfg Config, deps Deps, sim replay.Simulation, path string) (*Session, error) {
	s, err := newSession(RoleRecord, cfg, deps, sim)
	if err != nil {
		return nil, err
	}
	rec, err := replay.NewFileRecorder(path, s.log)
	if err != nil {
		return nil, err
	}
	snapshot, err := sim.Snapshot()
	if err != nil {
		_ = rec.Close()
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if err := s.attach(rec, snapshot); err != nil {
		_ = rec.Close()
		return nil, err
	}
	return s, nil
}

// StartPlayback replays events into sim.
func StartPlayback(cfg Config, deps Deps, sim replay.Simulation, events []event.Event) (*Session, error) {
	s, err := newSession(RolePlayback, cfg, deps, sim)
	if err != nil {
		return nil, err
	}
	if err := s.attach(replay.NewPlayback(events, s.log), nil); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// Synchronizer returns the session's synchronizer.
func (s *Session) Synchronizer() *replay.Synchronizer { return s.sync }

// Detector returns the session's desync detector.
func (s *Session) Detector() *desync.Detector { return s.detector }

// Host returns the host peer, or nil for other roles.
func (s *Session) Host() *peer.Host { return s.host }

// Follower returns the follower peer, or nil for other roles.
func (s *Session) Follower() *peer.Follower { return s.follower }

// TicksSinceLoad returns the number of completed ticks.
func (s *Session) TicksSinceLoad() int64 { return s.sync.TicksSinceLoad() }

// Trace records a diagnostic line for the current tick.
func (s *Session) Trace(message string) {
	s.detector.Trace(message)
}

// TraceWithStack records a diagnostic line with a stack trace. Stacks are
// kept for reports but never compared.
func (s *Session) TraceWithStack(message, stack string) {
	s.detector.TraceWithStack(message, stack)
}

// RecordEvent captures a user action.
func (s *Session) RecordEvent(ctx context.Context, body event.Body) error {
	return s.sync.RecordEvent(ctx, event.New(s.sync.TicksSinceLoad(), body))
}

// IsReplayingEvents reports whether logged events are being applied.
func (s *Session) IsReplayingEvents() bool {
	return s.sync.IsReplayingEvents()
}

// ShouldPlayPatchedEvents reports whether a user action should run directly.
func (s *Session) ShouldPlayPatchedEvents() bool {
	return s == nil || s.sync.ShouldPlayPatchedEvents()
}

// Update prepares the next tick; see replay.Synchronizer.Update. A desync
// tears the session down and returns a *DesyncError.
func (s *Session) Update(ctx context.Context) (bool, error) {
	ok, err := s.sync.Update(ctx)
	if errors.Is(err, replay.ErrDesynced) {
		s.teardown()
		return false, s.Err()
	}
	return ok, err
}

// TickCompleted advances the clock and runs the tick observers.
func (s *Session) TickCompleted() error {
	if err := s.sync.TickCompleted(); err != nil {
		return err
	}
	if s.sync.IsDesynced() {
		s.teardown()
		return s.Err()
	}
	return nil
}

// Err returns the terminal desync error, if any.
func (s *Session) Err() error {
	v, ok := s.sync.Verdict()
	if !ok {
		return nil
	}
	return &DesyncError{Verdict: v, Remote: s.remoteDesync}
}

// WaitForPeers blocks until at least n followers have joined.
func (s *Session) WaitForPeers(ctx context.Context, n int) error {
	if s.host == nil {
		return errors.New("only a host has peers")
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.host.PeerCount() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close ends the session. It is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.deps.Status != nil {
		s.deps.Status.SetServing(false)
	}
	err := s.sync.Close()
	s.log.WithField("ticks", s.sync.TicksSinceLoad()).Info("session closed")
	return err
}

// teardown sends the verdict to the other side and closes the connection.
func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	if v, ok := s.sync.Verdict(); ok && !s.remoteDesync {
		if fs, ok := s.io.(finalSender); ok {
			if err := fs.SendFinal(v.Event()); err != nil {
				s.log.WithError(err).Warn("could not send desync report")
			}
		}
	}
	if err := s.Close(); err != nil {
		s.log.WithError(err).Debug("close after desync")
	}
}
