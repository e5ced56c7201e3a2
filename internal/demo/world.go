// Package demo is a small deterministic city builder used to exercise the
// lockstep engine from the command line and in tests.
package demo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/idgen"
)

var (
	ErrOutOfBounds  = errors.New("cell out of bounds")
	ErrOccupied     = errors.New("cell occupied")
	ErrEmptyCell    = errors.New("cell is empty")
	ErrUnknownEvent = errors.New("unknown event")
)

// Kinds and the population each level of them houses.
var housing = map[string]int{
	"house": 4,
	"farm":  1,
	"mill":  2,
}

var mh codec.MsgpackHandle

// Building is one placed structure.
type Building struct {
	ID    uint32 `codec:"id"`
	X     int    `codec:"x"`
	Y     int    `codec:"y"`
	Kind  string `codec:"kind"`
	Level int    `codec:"level"`
}

type cell struct{ x, y int }

// World is a grid of buildings that grow at random. All randomness comes
// from a xorshift32 generator whose state is shared through RandomState.
type World struct {
	width, height int
	rng           uint32
	ticks         int64
	speed         float64
	population    int

	buildings map[cell]*Building
	ids       map[uint32]struct{}

	trace func(string)
	log   logrus.FieldLogger
}

// NewWorld creates an empty width×height world seeded with seed. A zero seed
// is replaced since xorshift never leaves zero.
func NewWorld(width, height int, seed uint32) *World {
	if seed == 0 {
		seed = 0x9E3779B9
	}
	return &World{
		width:     width,
		height:    height,
		rng:       seed,
		buildings: make(map[cell]*Building),
		ids:       make(map[uint32]struct{}),
	}
}

// SetTracer routes trace lines to fn.
func (w *World) SetTracer(fn func(string)) {
	w.trace = fn
}

// SetLogger sets the logger used for identifier collisions.
func (w *World) SetLogger(l logrus.FieldLogger) {
	w.log = l
}

func (w *World) tracef(format string, args ...any) {
	if w.trace != nil {
		w.trace(fmt.Sprintf(format, args...))
	}
}

func (w *World) next() uint32 {
	x := w.rng
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	w.rng = x
	return x
}

// Apply executes one event.
func (w *World) Apply(_ context.Context, e event.Event) error {
	switch body := e.Body.(type) {
	case PlaceBuilding:
		return w.place(body)
	case Demolish:
		return w.demolish(body)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, e.Type)
	}
}

func (w *World) place(p PlaceBuilding) error {
	c := cell{p.X, p.Y}
	if p.X < 0 || p.Y < 0 || p.X >= w.width || p.Y >= w.height {
		return fmt.Errorf("%w: %d,%d", ErrOutOfBounds, p.X, p.Y)
	}
	if _, ok := w.buildings[c]; ok {
		return fmt.Errorf("%w: %d,%d", ErrOccupied, p.X, p.Y)
	}
	if _, ok := housing[p.Kind]; !ok {
		return fmt.Errorf("unknown building kind %q", p.Kind)
	}

	id, err := idgen.Unique(w.next, func(id uint32) bool {
		_, taken := w.ids[id]
		return taken || id == 0
	}, w.log)
	if err != nil {
		return err
	}
	w.buildings[c] = &Building{ID: id, X: p.X, Y: p.Y, Kind: p.Kind, Level: 1}
	w.ids[id] = struct{}{}
	w.population += housing[p.Kind]
	w.tracef("place %s at %d,%d id=%08x", p.Kind, p.X, p.Y, id)
	return nil
}

func (w *World) demolish(d Demolish) error {
	c := cell{d.X, d.Y}
	b, ok := w.buildings[c]
	if !ok {
		return fmt.Errorf("%w: %d,%d", ErrEmptyCell, d.X, d.Y)
	}
	delete(w.buildings, c)
	delete(w.ids, b.ID)
	w.population -= housing[b.Kind] * b.Level
	w.tracef("demolish %s id=%08x", b.Kind, b.ID)
	return nil
}

// Step advances the world by one tick. Each building has a one in four
// chance to grow.
func (w *World) Step() {
	w.ticks++
	for _, b := range w.sorted() {
		if w.next()%4 == 0 {
			b.Level++
			w.population += housing[b.Kind]
			w.tracef("grow id=%08x level=%d", b.ID, b.Level)
		}
	}
	w.tracef("tick %d population %d", w.ticks, w.population)
}

func (w *World) sorted() []*Building {
	out := make([]*Building, 0, len(w.buildings))
	for _, b := range w.buildings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Buildings returns a copy of every building ordered by ID.
func (w *World) Buildings() []Building {
	src := w.sorted()
	out := make([]Building, len(src))
	for i, b := range src {
		out[i] = *b
	}
	return out
}

func (w *World) Population() int     { return w.population }
func (w *World) Ticks() int64        { return w.ticks }
func (w *World) Speed() float64      { return w.speed }
func (w *World) RandomState() uint32 { return w.rng }

func (w *World) SetRandomState(state uint32) { w.rng = state }
func (w *World) SetSpeed(speed float64)      { w.speed = speed }

type snapshot struct {
	Width      int        `codec:"width"`
	Height     int        `codec:"height"`
	RNG        uint32     `codec:"rng"`
	Ticks      int64      `codec:"ticks"`
	Population int        `codec:"population"`
	Buildings  []Building `codec:"buildings"`
}

// Snapshot serializes the world.
func (w *World) Snapshot() ([]byte, error) {
	s := snapshot{
		Width:      w.width,
		Height:     w.height,
		RNG:        w.rng,
		Ticks:      w.ticks,
		Population: w.population,
		Buildings:  w.Buildings(),
	}
	var b []byte
	if err := codec.NewEncoderBytes(&b, &mh).Encode(s); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// LoadSnapshot replaces the world with a serialized one.
func (w *World) LoadSnapshot(b []byte) error {
	var s snapshot
	if err := codec.NewDecoderBytes(b, &mh).Decode(&s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	w.width, w.height = s.Width, s.Height
	w.rng = s.RNG
	w.ticks = s.Ticks
	w.population = s.Population
	w.buildings = make(map[cell]*Building, len(s.Buildings))
	w.ids = make(map[uint32]struct{}, len(s.Buildings))
	for i := range s.Buildings {
		b := s.Buildings[i]
		w.buildings[cell{b.X, b.Y}] = &b
		w.ids[b.ID] = struct{}{}
	}
	return nil
}
