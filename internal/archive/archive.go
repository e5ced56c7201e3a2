// Package archive stores a session's snapshot and per-tick event batches so
// the session can be replayed later.
package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/wire"
)

var (
	keyMeta       = []byte("meta")
	keySnapshot   = []byte("snapshot")
	prefixBatches = []byte("batch/")
)

var mh codec.MsgpackHandle

// Meta describes an archived session.
type Meta struct {
	SessionID string    `codec:"session_id"`
	Role      string    `codec:"role"`
	CreatedAt time.Time `codec:"created_at"`
}

// Batch is the events applied during one tick, in order.
type Batch struct {
	Tick   int64
	Events []event.Event
}

// batchRecord keeps events in their canonical wire encoding so archived
// sessions fold to the same hash when replayed.
type batchRecord struct {
	Tick   int64    `codec:"tick"`
	Events [][]byte `codec:"events"`
}

// Config selects the backend and its location.
type Config struct {
	Backend string
	Path    string
}

// Archive records and reads back one session.
type Archive struct {
	backend Backend
	log     logrus.FieldLogger
}

// Open opens or creates an archive.
func Open(cfg Config, logger logrus.FieldLogger) (*Archive, error) {
	if cfg.Path == "" {
		return nil, errors.New("archive path is required")
	}
	b, err := OpenBackend(cfg.Backend, cfg.Path)
	if err != nil {
		return nil, err
	}
	return New(b, logger), nil
}

// New wraps an already open backend.
func New(b Backend, logger logrus.FieldLogger) *Archive {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Archive{backend: b, log: logger.WithField("archive", b.Name())}
}

// PutMeta stores the session description.
func (a *Archive) PutMeta(ctx context.Context, m Meta) error {
	b, err := encode(m)
	if err != nil {
		return err
	}
	return a.backend.Write(ctx, keyMeta, b)
}

// Meta reads the session description.
func (a *Archive) Meta(ctx context.Context) (Meta, error) {
	var m Meta
	b, err := a.backend.Read(ctx, keyMeta)
	if err != nil {
		return m, err
	}
	err = decode(b, &m)
	return m, err
}

// PutSnapshot stores the compressed snapshot blob.
func (a *Archive) PutSnapshot(ctx context.Context, snapshot []byte) error {
	b, err := compress(snapshot)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"raw_bytes":        len(snapshot),
		"compressed_bytes": len(b),
	}).Debug("archived snapshot")
	return a.backend.Write(ctx, keySnapshot, b)
}

// Snapshot reads the snapshot blob.
func (a *Archive) Snapshot(ctx context.Context) ([]byte, error) {
	b, err := a.backend.Read(ctx, keySnapshot)
	if err != nil {
		return nil, err
	}
	return decompress(b)
}

// AppendBatch stores the events applied at tick. Empty ticks are skipped.
func (a *Archive) AppendBatch(ctx context.Context, tick int64, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	rec := batchRecord{Tick: tick, Events: make([][]byte, 0, len(events))}
	for _, e := range events {
		b, err := wire.EncodeEvent(e)
		if err != nil {
			return fmt.Errorf("archive tick %d: %w", tick, err)
		}
		rec.Events = append(rec.Events, b)
	}
	b, err := encode(rec)
	if err != nil {
		return err
	}
	return a.backend.Write(ctx, batchKey(tick), b)
}

// Batches calls fn for every stored batch in tick order.
func (a *Archive) Batches(ctx context.Context, reg *event.Registry, fn func(Batch) error) error {
	return a.backend.Scan(ctx, prefixBatches, func(_, value []byte) error {
		var rec batchRecord
		if err := decode(value, &rec); err != nil {
			return err
		}
		batch := Batch{Tick: rec.Tick, Events: make([]event.Event, 0, len(rec.Events))}
		for _, raw := range rec.Events {
			e, err := wire.DecodeEvent(raw, reg)
			if err != nil {
				return fmt.Errorf("archived tick %d: %w", rec.Tick, err)
			}
			batch.Events = append(batch.Events, e)
		}
		return fn(batch)
	})
}

// Events returns every archived event in application order.
func (a *Archive) Events(ctx context.Context, reg *event.Registry) ([]event.Event, error) {
	var out []event.Event
	err := a.Batches(ctx, reg, func(b Batch) error {
		out = append(out, b.Events...)
		return nil
	})
	return out, err
}

// Close closes the backend.
func (a *Archive) Close() error {
	return a.backend.Close()
}

func batchKey(tick int64) []byte {
	key := make([]byte, len(prefixBatches)+8)
	copy(key, prefixBatches)
	binary.BigEndian.PutUint64(key[len(prefixBatches):], uint64(tick))
	return key
}

func encode(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, &mh).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if err := codec.NewDecoderBytes(b, &mh).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}
