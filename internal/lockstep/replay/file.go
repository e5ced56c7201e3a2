package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/eventlog"
	"github.com/LeJamon/goLockstepd/internal/lockstep/peer"
	"github.com/LeJamon/goLockstepd/internal/lockstep/wire"
)

// FileRecorder plays a single-player session and writes every event to a
// JSON array file as it happens. Each event is appended with its own
// open-write-close so a crash leaves every earlier event on disk; Close
// terminates the array.
type FileRecorder struct {
	path  string
	log   logrus.FieldLogger
	hash  uint64
	count int

	mu     sync.Mutex
	closed bool
}

// NewFileRecorder creates path, truncating any existing file.
func NewFileRecorder(path string, logger logrus.FieldLogger) (*FileRecorder, error) {
	if err := os.WriteFile(path, []byte("["), 0o644); err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &FileRecorder{path: path, log: logger.WithField("recording", path)}, nil
}

// Behavior returns BehaviorPlay.
func (r *FileRecorder) Behavior() peer.Behavior { return peer.BehaviorPlay }

// Poll does nothing: a recorder has no inbound traffic.
func (r *FileRecorder) Poll(int64) error { return nil }

// ShouldTick is always true.
func (r *FileRecorder) ShouldTick(int64) bool { return true }

// ReadEvents returns nothing: recorded events were applied when submitted.
func (r *FileRecorder) ReadEvents(int64) []event.Event { return nil }

// CommitTick does nothing.
func (r *FileRecorder) CommitTick(int64, []event.Event) error { return nil }

// TicksBehind is always 0.
func (r *FileRecorder) TicksBehind(int64) int64 { return 0 }

// Pending is always 0.
func (r *FileRecorder) Pending() int { return 0 }

// Hash returns the rolling hash of every recorded event.
func (r *FileRecorder) Hash() uint64 { return r.hash }

// Count returns how many events were recorded.
func (r *FileRecorder) Count() int { return r.count }

// SubmitUserEvent appends an applied event to the file.
func (r *FileRecorder) SubmitUserEvent(e event.Event) error {
	b, err := wire.EncodeEvent(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.count > 0 {
		b = append([]byte(",\n"), b...)
	}
	if err := appendFile(r.path, b); err != nil {
		return fmt.Errorf("record %s: %w", e.Type, err)
	}
	r.count++
	r.hash, err = peer.Fold(r.hash, []event.Event{e})
	return err
}

// Close terminates the JSON array. It is idempotent.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := appendFile(r.path, []byte("]\n")); err != nil {
		return fmt.Errorf("finish recording: %w", err)
	}
	r.log.WithField("events", r.count).Info("recording closed")
	return nil
}

func appendFile(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	_, werr := f.Write(b)
	cerr := f.Close()
	return errors.Join(werr, cerr)
}

// LoadFile reads a recording. A file whose closing bracket is missing, as
// left by a crash, is still accepted.
func LoadFile(path string, reg *event.Registry) ([]event.Event, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		if uerr := json.Unmarshal(append(trimTrailingSpace(b), ']'), &raws); uerr != nil {
			return nil, fmt.Errorf("parse recording: %w", err)
		}
	}
	events := make([]event.Event, 0, len(raws))
	for i, raw := range raws {
		e, err := wire.DecodeEvent(raw, reg)
		if err != nil {
			return nil, fmt.Errorf("recording entry %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func trimTrailingSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[len(b)-1] {
		case ' ', '\n', '\r', '\t':
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}

// Playback replays a fixed list of events, from a recording file or a
// session archive. It never accepts new events.
type Playback struct {
	events *eventlog.Log
	last   int64
	hash   uint64
}

// NewPlayback creates a playback of events.
func NewPlayback(events []event.Event, logger logrus.FieldLogger) *Playback {
	p := &Playback{events: eventlog.New(logger), last: -1}
	for _, e := range events {
		p.events.Insert(e)
		if e.Tick > p.last {
			p.last = e.Tick
		}
	}
	return p
}

// Behavior returns BehaviorPlay.
func (p *Playback) Behavior() peer.Behavior { return peer.BehaviorPlay }

// Poll does nothing.
func (p *Playback) Poll(int64) error { return nil }

// ShouldTick is always true.
func (p *Playback) ShouldTick(int64) bool { return true }

// ReadEvents pops the events due by tick, unwrapping grouped events.
func (p *Playback) ReadEvents(tick int64) []event.Event {
	var out []event.Event
	for _, e := range p.events.PopDueBy(tick) {
		out = append(out, e.Members()...)
	}
	return out
}

// CommitTick folds the applied events into the hash.
func (p *Playback) CommitTick(_ int64, applied []event.Event) error {
	h, err := peer.Fold(p.hash, applied)
	if err != nil {
		return err
	}
	p.hash = h
	return nil
}

// TicksBehind is always 0.
func (p *Playback) TicksBehind(int64) int64 { return 0 }

// Pending returns the number of events not yet replayed.
func (p *Playback) Pending() int { return p.events.Len() }

// LastTick returns the tick of the last event, or -1 for an empty playback.
func (p *Playback) LastTick() int64 { return p.last }

// Exhausted reports whether every event has been replayed.
func (p *Playback) Exhausted() bool { return p.events.Len() == 0 }

// Hash returns the rolling hash of the replayed events.
func (p *Playback) Hash() uint64 { return p.hash }

// SubmitUserEvent always fails with ErrReadOnly.
func (p *Playback) SubmitUserEvent(event.Event) error { return ErrReadOnly }

// Close does nothing.
func (p *Playback) Close() error { return nil }
