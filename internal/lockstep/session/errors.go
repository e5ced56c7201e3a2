package session

import (
	"errors"
	"fmt"

	"github.com/LeJamon/goLockstepd/internal/lockstep/desync"
	"github.com/LeJamon/goLockstepd/internal/lockstep/peer"
	"github.com/LeJamon/goLockstepd/internal/lockstep/replay"
)

// ErrDesynced is returned once the session diverged. It is terminal.
var ErrDesynced = replay.ErrDesynced

// DesyncError carries the verdict that ended a session.
type DesyncError struct {
	Verdict desync.Verdict

	// Remote is set when the other side detected the divergence.
	Remote bool
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("desynced at tick %d: %s", e.Verdict.Tick, e.Verdict.Reason)
}

func (e *DesyncError) Is(target error) bool {
	return target == ErrDesynced
}

// Describe turns a session error into a message for the user. Connection
// problems and divergence call for different actions, so they read
// differently.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var de *DesyncError
	if errors.As(err, &de) {
		v := de.Verdict
		msg := fmt.Sprintf("session desynchronized at tick %d: %s", v.Tick, v.Reason)
		if v.Line >= 0 {
			msg += fmt.Sprintf(" (trace line %d: local %q, remote %q)", v.Line, v.Local, v.Remote)
		} else if v.Local != "" || v.Remote != "" {
			msg += fmt.Sprintf(" (local %s, remote %s)", v.Local, v.Remote)
		}
		return msg + "; reload the save and start a new session"
	}
	if errors.Is(err, ErrDesynced) {
		return "session desynchronized; reload the save and start a new session"
	}

	var rejected *peer.RejectedError
	if errors.As(err, &rejected) {
		return fmt.Sprintf("could not connect to host: %v", rejected)
	}
	var ce *peer.ConnectError
	if errors.As(err, &ce) {
		return fmt.Sprintf("could not connect to host %s: %v", ce.Addr, ce.Err)
	}
	if errors.Is(err, peer.ErrConnectionLost) {
		return fmt.Sprintf("lost connection to host: %v", err)
	}
	return err.Error()
}
