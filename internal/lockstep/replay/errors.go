package replay

import "errors"

var (
	// ErrDesynced is returned once the session diverged. It is terminal.
	ErrDesynced = errors.New("session desynchronized")

	// ErrClosed is returned after the synchronizer was closed.
	ErrClosed = errors.New("synchronizer closed")

	// ErrTickNotStarted is returned by TickCompleted without a preceding
	// successful Update.
	ErrTickNotStarted = errors.New("tick completed before it was started")

	// ErrReadOnly is returned when submitting events to a playback.
	ErrReadOnly = errors.New("playback does not accept new events")
)
