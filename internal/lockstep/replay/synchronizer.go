// Package replay drives a simulation tick by tick from an IO, applying
// every event at the tick it was assigned and nowhere else.
package replay

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/lockstep/desync"
	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/peer"
)

// Default configuration values.
const (
	DefaultMaxCatchUpSpeed  = 10.0
	DefaultCatchUpThreshold = 2
	DefaultTargetSpeed      = 1.0
)

// State is the synchronizer lifecycle state.
type State int

const (
	StateWaitingForFirstTick State = iota
	StateTicking
	StateDesynced
	StateClosed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateWaitingForFirstTick:
		return "waiting_for_first_tick"
	case StateTicking:
		return "ticking"
	case StateDesynced:
		return "desynced"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds synchronizer configuration.
type Config struct {
	MaxCatchUpSpeed  float64
	CatchUpThreshold int64
	TargetSpeed      float64

	// Detector, when set, gets a bucket per tick and the hash after it.
	Detector *desync.Detector

	Logger logrus.FieldLogger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxCatchUpSpeed:  DefaultMaxCatchUpSpeed,
		CatchUpThreshold: DefaultCatchUpThreshold,
		TargetSpeed:      DefaultTargetSpeed,
	}
}

// Synchronizer gates each tick on the IO, applies the tick's events, and
// commits them back. Every method must be called from the simulation thread.
type Synchronizer struct {
	cfg Config
	log logrus.FieldLogger
	io  IO
	sim Simulation

	state     State
	tick      int64
	ready     bool
	replaying bool

	targetSpeed float64
	speed       float64

	afterTick []func()
	onStart   []func()
	onTick    []func(completed int64)
	onCommit  []func(tick int64, applied []event.Event)
	onDesync  []func(v desync.Verdict)
	lastDiff  *desync.Verdict
}

// New creates a synchronizer at tick 0.
func New(io IO, sim Simulation, cfg Config) (*Synchronizer, error) {
	if io == nil || sim == nil {
		return nil, fmt.Errorf("io and simulation are required")
	}
	if cfg.MaxCatchUpSpeed <= 0 {
		return nil, fmt.Errorf("max catch-up speed must be positive, got %v", cfg.MaxCatchUpSpeed)
	}
	if cfg.CatchUpThreshold < 0 {
		return nil, fmt.Errorf("catch-up threshold must not be negative, got %d", cfg.CatchUpThreshold)
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Synchronizer{
		cfg:         cfg,
		log:         logger.WithField("behavior", io.Behavior().String()),
		io:          io,
		sim:         sim,
		targetSpeed: cfg.TargetSpeed,
		speed:       -1,
	}, nil
}

// TicksSinceLoad returns the tick about to run, which equals the number of
// completed ticks.
func (s *Synchronizer) TicksSinceLoad() int64 {
	return s.tick
}

// State returns the lifecycle state.
func (s *Synchronizer) State() State {
	return s.state
}

// IsDesynced reports whether the session diverged.
func (s *Synchronizer) IsDesynced() bool {
	return s.state == StateDesynced
}

// Speed returns the speed last handed to the simulation.
func (s *Synchronizer) Speed() float64 {
	if s.speed < 0 {
		return 0
	}
	return s.speed
}

// TargetSpeed returns the speed requested through SpeedChange events.
func (s *Synchronizer) TargetSpeed() float64 {
	return s.targetSpeed
}

// IO returns the underlying IO.
func (s *Synchronizer) IO() IO {
	return s.io
}

// Update prepares the next tick. It returns true when the simulation should
// run the tick now, after which the caller must call TickCompleted. When it
// returns false the caller simply tries again later.
func (s *Synchronizer) Update(ctx context.Context) (bool, error) {
	switch s.state {
	case StateDesynced:
		return false, ErrDesynced
	case StateClosed:
		return false, ErrClosed
	}
	if s.ready {
		return true, nil
	}

	if err := s.poll(); err != nil {
		return false, err
	}
	if !s.io.ShouldTick(s.tick) {
		s.govern(true)
		return false, nil
	}
	if s.targetSpeed == 0 && s.io.Behavior() == peer.BehaviorQueuePlay && s.io.Pending() == 0 {
		return false, nil
	}

	if s.state == StateWaitingForFirstTick {
		s.state = StateTicking
		for _, fn := range s.onStart {
			fn()
		}
		if err := s.poll(); err != nil {
			return false, err
		}
	}

	if s.cfg.Detector != nil {
		s.cfg.Detector.StartTick(s.tick)
	}

	events := s.io.ReadEvents(s.tick)
	applied, err := s.applyAll(ctx, events)
	if err != nil {
		return false, err
	}

	if err := s.io.CommitTick(s.tick, applied); err != nil {
		return false, fmt.Errorf("commit tick %d: %w", s.tick, err)
	}
	if s.cfg.Detector != nil {
		s.cfg.Detector.RecordHash(s.tick, s.io.Hash())
	}
	for _, fn := range s.onCommit {
		fn(s.tick, applied)
	}

	s.govern(false)
	s.ready = true
	return true, nil
}

// poll reads inbound traffic. Control records handled during the poll may
// desync the session; that outranks any connection error seen after them.
func (s *Synchronizer) poll() error {
	err := s.io.Poll(s.tick)
	if s.state == StateDesynced {
		return ErrDesynced
	}
	return err
}

func (s *Synchronizer) applyAll(ctx context.Context, events []event.Event) ([]event.Event, error) {
	applied := make([]event.Event, 0, len(events))
	s.replaying = true
	defer func() { s.replaying = false }()

	for _, e := range events {
		e, ok := s.checkRandomState(e)
		if !ok {
			return nil, ErrDesynced
		}
		s.apply(ctx, e)
		applied = append(applied, e)
	}
	return applied, nil
}

// checkRandomState stamps e with the current random state, or verifies the
// state it already carries.
func (s *Synchronizer) checkRandomState(e event.Event) (event.Event, bool) {
	current := s.sim.RandomState()
	if e.RandomStateBefore == nil {
		return e.WithRandomState(current), true
	}
	if *e.RandomStateBefore == current {
		return e, true
	}
	s.Desync(desync.Verdict{
		Tick:   s.tick,
		Reason: fmt.Sprintf("random state mismatch before %s", e.Type),
		Line:   -1,
		Local:  fmt.Sprintf("%08x", current),
		Remote: fmt.Sprintf("%08x", *e.RandomStateBefore),
	})
	return e, false
}

// apply runs one event. Failures are logged and the event still counts as
// applied so every peer forwards and hashes the same sequence.
func (s *Synchronizer) apply(ctx context.Context, e event.Event) {
	log := s.log.WithFields(logrus.Fields{"type": e.Type, "tick": s.tick})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("event application panicked: %v", r)
		}
	}()

	if sc, ok := e.Body.(event.SpeedChange); ok {
		s.targetSpeed = sc.Speed
		return
	}
	if err := s.sim.Apply(ctx, e); err != nil {
		log.WithError(err).Error("event application failed")
	}
}

// govern picks the simulation speed: zero while out of events, faster than
// target while behind, target otherwise.
func (s *Synchronizer) govern(outOfEvents bool) {
	speed := s.targetSpeed
	if outOfEvents {
		speed = 0
	} else if behind := s.io.TicksBehind(s.tick); behind > s.cfg.CatchUpThreshold && speed > 0 {
		speed = math.Min(s.cfg.MaxCatchUpSpeed, math.Max(speed, float64(behind)))
	}
	if speed == s.speed {
		return
	}
	if !outOfEvents {
		s.log.WithFields(logrus.Fields{"speed": speed, "tick": s.tick}).Debug("speed changed")
	}
	s.speed = speed
	s.sim.SetSpeed(speed)
}

// TickCompleted advances TicksSinceLoad and runs deferred actions, then tick
// observers.
func (s *Synchronizer) TickCompleted() error {
	if !s.ready {
		return ErrTickNotStarted
	}
	s.ready = false
	completed := s.tick
	s.tick++

	deferred := s.afterTick
	s.afterTick = nil
	for _, fn := range deferred {
		fn()
	}
	for _, fn := range s.onTick {
		fn(completed)
	}
	return nil
}

// AfterTick defers fn to the next tick-complete point.
func (s *Synchronizer) AfterTick(fn func()) {
	s.afterTick = append(s.afterTick, fn)
}

// OnStart registers fn to run once, right before tick 0 is processed.
func (s *Synchronizer) OnStart(fn func()) {
	s.onStart = append(s.onStart, fn)
}

// OnTick registers an observer of completed ticks.
func (s *Synchronizer) OnTick(fn func(completed int64)) {
	s.onTick = append(s.onTick, fn)
}

// OnCommit registers an observer of each tick's applied events.
func (s *Synchronizer) OnCommit(fn func(tick int64, applied []event.Event)) {
	s.onCommit = append(s.onCommit, fn)
}

// OnDesync registers an observer of the desync verdict.
func (s *Synchronizer) OnDesync(fn func(v desync.Verdict)) {
	s.onDesync = append(s.onDesync, fn)
}

// RecordEvent is the entry point for user actions captured by game code.
// Depending on the IO the event is forwarded, queued, or applied at once.
func (s *Synchronizer) RecordEvent(ctx context.Context, e event.Event) error {
	switch s.state {
	case StateDesynced:
		return ErrDesynced
	case StateClosed:
		return ErrClosed
	}
	if s.io.Behavior() != peer.BehaviorPlay {
		return s.io.SubmitUserEvent(e)
	}

	e = e.WithTick(s.tick).WithRandomState(s.sim.RandomState())
	s.replaying = true
	s.apply(ctx, e)
	s.replaying = false
	return s.io.SubmitUserEvent(e)
}

// IsReplayingEvents reports whether events from the log are being applied.
func (s *Synchronizer) IsReplayingEvents() bool {
	return s.replaying
}

// ShouldPlayPatchedEvents reports whether game code should execute a user
// action directly rather than capture it with RecordEvent. A desync ends
// the network session only, so local play goes on unrecorded.
func (s *Synchronizer) ShouldPlayPatchedEvents() bool {
	return s == nil || s.replaying || s.state == StateClosed || s.state == StateDesynced
}

// Desync stops the synchronizer for good and notifies observers once.
func (s *Synchronizer) Desync(v desync.Verdict) {
	if s.state == StateDesynced {
		return
	}
	s.state = StateDesynced
	s.lastDiff = &v
	s.speed = 0
	s.sim.SetSpeed(0)
	s.log.WithFields(logrus.Fields{
		"tick":   v.Tick,
		"reason": v.Reason,
		"line":   v.Line,
		"local":  v.Local,
		"remote": v.Remote,
	}).Error("desync detected")
	for _, fn := range s.onDesync {
		fn(v)
	}
}

// Verdict returns the desync verdict, if any.
func (s *Synchronizer) Verdict() (desync.Verdict, bool) {
	if s.lastDiff == nil {
		return desync.Verdict{}, false
	}
	return *s.lastDiff, true
}

// Close closes the IO. It is idempotent.
func (s *Synchronizer) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.state != StateDesynced {
		s.state = StateClosed
	}
	s.speed = 0
	return s.io.Close()
}
