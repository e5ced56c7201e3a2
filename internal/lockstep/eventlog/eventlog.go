// Package eventlog holds events waiting for their tick.
package eventlog

import (
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

// Log is an ordered buffer of pending events sorted by tick ascending.
// Events sharing a tick keep their insertion order.
//
// A Log has a single owner (the simulation thread) and does no locking.
type Log struct {
	entries []event.Event
	log     logrus.FieldLogger
	late    uint64
}

// New creates an empty log. A nil logger discards late-event warnings.
func New(logger logrus.FieldLogger) *Log {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Log{log: logger}
}

// Insert places e after every entry whose tick is not greater than e.Tick.
func (l *Log) Insert(e event.Event) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Tick > e.Tick
	})
	l.entries = append(l.entries, event.Event{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

// PopDueBy removes and returns, in order, every entry whose tick is at most
// tick. Entries whose tick already passed are logged as late but still
// returned: dropping them could itself diverge from a peer that applied them.
func (l *Log) PopDueBy(tick int64) []event.Event {
	n := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Tick > tick
	})
	if n == 0 {
		return nil
	}
	due := make([]event.Event, n)
	copy(due, l.entries[:n])

	remaining := copy(l.entries, l.entries[n:])
	for i := remaining; i < len(l.entries); i++ {
		l.entries[i] = event.Event{}
	}
	l.entries = l.entries[:remaining]

	for _, e := range due {
		if e.Tick < tick {
			l.late++
			l.log.WithFields(logrus.Fields{
				"type":       e.Type,
				"event_tick": e.Tick,
				"local_tick": tick,
			}).Warn("late event")
		}
	}
	return due
}

// Len returns the number of pending entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// NextTick returns the tick of the earliest pending entry.
func (l *Log) NextTick() (int64, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	return l.entries[0].Tick, true
}

// LastTick returns the tick of the latest pending entry.
func (l *Log) LastTick() (int64, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	return l.entries[len(l.entries)-1].Tick, true
}

// Late returns how many late events have been popped so far.
func (l *Log) Late() uint64 {
	return l.late
}

// Reset drops every pending entry.
func (l *Log) Reset() {
	l.entries = nil
}
