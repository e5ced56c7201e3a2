package desync

import "github.com/LeJamon/goLockstepd/internal/lockstep/event"

type bucket struct {
	lines     []event.TraceLine
	hash      uint64
	hasHash   bool
	confirmed bool
}

// TraceHistory keeps one bucket of trace lines per tick. Buckets are
// contiguous: index i holds tick First()+i.
type TraceHistory struct {
	first   int64
	buckets []*bucket
}

// First returns the oldest tick still held.
func (h *TraceHistory) First() int64 {
	return h.first
}

// Len returns the number of buckets.
func (h *TraceHistory) Len() int {
	return len(h.buckets)
}

// Last returns the newest tick held.
func (h *TraceHistory) Last() (int64, bool) {
	if len(h.buckets) == 0 {
		return 0, false
	}
	return h.first + int64(len(h.buckets)) - 1, true
}

// open returns the bucket for tick, creating it and backfilling every
// skipped tick with an empty bucket. Ticks older than First are not
// reopened.
func (h *TraceHistory) open(tick int64) *bucket {
	if len(h.buckets) == 0 {
		h.first = tick
	}
	if tick < h.first {
		return nil
	}
	for h.first+int64(len(h.buckets)) <= tick {
		h.buckets = append(h.buckets, &bucket{})
	}
	return h.buckets[tick-h.first]
}

func (h *TraceHistory) get(tick int64) *bucket {
	if tick < h.first || tick >= h.first+int64(len(h.buckets)) {
		return nil
	}
	return h.buckets[tick-h.first]
}

// trimTo drops buckets from the oldest end until at most n remain.
func (h *TraceHistory) trimTo(n int) {
	for len(h.buckets) > n {
		h.dropOldest()
	}
}

// Confirmed reports whether both sides agreed on tick.
func (h *TraceHistory) Confirmed(tick int64) bool {
	b := h.get(tick)
	return b != nil && b.confirmed
}

func (h *TraceHistory) dropOldest() {
	h.buckets[0] = nil
	h.buckets = h.buckets[1:]
	h.first++
}
