package replay

import (
	"context"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/peer"
)

//go:generate mockgen -destination=mock_replay/simulation_mock.go -package=mock_replay github.com/LeJamon/goLockstepd/internal/lockstep/replay Simulation

// Simulation is the deterministic engine being replicated.
type Simulation interface {
	// Apply executes one event. It runs on the simulation thread.
	Apply(ctx context.Context, e event.Event) error

	RandomState() uint32
	SetRandomState(state uint32)

	// SetSpeed sets the tick rate multiplier; 0 pauses.
	SetSpeed(speed float64)

	Snapshot() ([]byte, error)
}

// SnapshotLoader restores a simulation from a snapshot blob.
type SnapshotLoader interface {
	LoadSnapshot(snapshot []byte) error
}

// IO is where a synchronizer gets its events from and sends them to. Host,
// Follower, FileRecorder and Playback implement it.
type IO interface {
	Behavior() peer.Behavior

	// Poll moves inbound traffic into the event log. tick is the tick about
	// to run.
	Poll(tick int64) error

	// ShouldTick reports whether tick may run.
	ShouldTick(tick int64) bool

	// ReadEvents pops the events due by tick.
	ReadEvents(tick int64) []event.Event

	// CommitTick hands over the events applied at tick, stamped with their
	// random state.
	CommitTick(tick int64, applied []event.Event) error

	TicksBehind(tick int64) int64
	Pending() int
	Hash() uint64

	SubmitUserEvent(e event.Event) error
	Close() error
}

var (
	_ IO = (*peer.Host)(nil)
	_ IO = (*peer.Follower)(nil)
	_ IO = (*FileRecorder)(nil)
	_ IO = (*Playback)(nil)
)
