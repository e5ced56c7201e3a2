package peer

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/wire"
)

// Combine folds one canonical event encoding into a rolling hash.
func Combine(prev uint64, encoding []byte) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], prev)
	d := xxhash.New()
	_, _ = d.Write(b[:])
	_, _ = d.Write(encoding)
	return d.Sum64()
}

// Fold folds every non-control event of events into prev.
func Fold(prev uint64, events []event.Event) (uint64, error) {
	h := prev
	for _, e := range events {
		if e.IsControl() {
			continue
		}
		b, err := wire.EncodeEvent(e)
		if err != nil {
			return prev, err
		}
		h = Combine(h, b)
	}
	return h, nil
}
