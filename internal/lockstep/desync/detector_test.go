package desync

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	return d
}

func lines(msgs ...string) []event.TraceLine {
	out := make([]event.TraceLine, len(msgs))
	for i, m := range msgs {
		out[i] = event.TraceLine{Message: m}
	}
	return out
}

// TestNew_RejectsBadRetention tests config validation
func TestNew_RejectsBadRetention(t *testing.T) {
	_, err := New(Config{Retention: 0})
	assert.Error(t, err)
}

// TestDetector_TraceGoesToCurrentTick tests bucket selection
func TestDetector_TraceGoesToCurrentTick(t *testing.T) {
	d := newDetector(t)
	d.Trace("before any tick")

	d.StartTick(0)
	d.Trace("a")
	d.StartTick(1)
	d.TraceWithStack("b", "main.go:12")

	l0, ok := d.Lines(0)
	require.True(t, ok)
	assert.Equal(t, lines("a"), l0)

	l1, ok := d.Lines(1)
	require.True(t, ok)
	require.Len(t, l1, 1)
	assert.Equal(t, "main.go:12", l1[0].StackTrace)
}

// TestDetector_BackfillsSkippedTicks tests contiguous bucket indices
func TestDetector_BackfillsSkippedTicks(t *testing.T) {
	d := newDetector(t)
	d.StartTick(3)
	d.StartTick(6)

	h := d.History()
	assert.Equal(t, int64(3), h.First())
	assert.Equal(t, 4, h.Len())
	for tick := int64(3); tick <= 6; tick++ {
		l, ok := d.Lines(tick)
		assert.True(t, ok, "tick %d", tick)
		assert.Empty(t, l)
	}
}

// TestDetector_RetentionIsHardCap tests that unconfirmed buckets are still trimmed
func TestDetector_RetentionIsHardCap(t *testing.T) {
	d := newDetector(t)
	for tick := int64(0); tick < 25; tick++ {
		d.StartTick(tick)
		d.Trace(fmt.Sprintf("t%d", tick))
	}
	h := d.History()
	assert.Equal(t, DefaultRetention, h.Len())
	assert.Equal(t, int64(15), h.First())
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, int64(24), last)

	v := d.VerifyTraces(3, lines("t3"))
	assert.False(t, v.Match)
}

// TestDetector_ConfirmKeepsRetentionWindow tests that agreed buckets are
// only dropped once they leave the retention window
func TestDetector_ConfirmKeepsRetentionWindow(t *testing.T) {
	d := newDetector(t)
	for tick := int64(0); tick < 5; tick++ {
		d.StartTick(tick)
		d.Trace(fmt.Sprintf("t%d", tick))
	}
	d.Confirm(2)
	h := d.History()
	assert.Equal(t, int64(0), h.First())
	assert.Equal(t, 5, h.Len())
	assert.True(t, h.Confirmed(2))
	assert.False(t, h.Confirmed(3))

	l0, ok := d.Lines(0)
	require.True(t, ok, "agreed ticks stay readable")
	assert.Equal(t, lines("t0"), l0)

	d.Confirm(4)
	for tick := int64(5); tick < int64(DefaultRetention)+2; tick++ {
		d.StartTick(tick)
	}
	assert.Equal(t, DefaultRetention, h.Len())
	assert.Equal(t, int64(2), h.First())
	assert.True(t, h.Confirmed(2))
	assert.False(t, h.Confirmed(int64(DefaultRetention)+1))
}

// TestVerifyTraces_Soundness tests that identical histories never mismatch
// and that any single divergence is reported at its index
func TestVerifyTraces_Soundness(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 200; round++ {
		d := newDetector(t)
		d.StartTick(0)
		n := rng.Intn(20) + 1
		msgs := make([]string, n)
		for i := range msgs {
			msgs[i] = fmt.Sprintf("rng=%d", rng.Uint32())
			d.Trace(msgs[i])
		}

		assert.True(t, d.VerifyTraces(0, lines(msgs...)).Match)

		at := rng.Intn(n)
		peer := append([]string(nil), msgs...)
		peer[at] = "diverged"
		v := d.VerifyTraces(0, lines(peer...))
		require.False(t, v.Match)
		assert.Equal(t, at, v.Line)
		assert.Equal(t, msgs[at], v.Local)
		assert.Equal(t, "diverged", v.Remote)
	}
}

// TestVerifyTraces_LengthMismatch tests missing lines on either side
func TestVerifyTraces_LengthMismatch(t *testing.T) {
	d := newDetector(t)
	d.StartTick(0)
	d.Trace("a")
	d.Trace("b")

	v := d.VerifyTraces(0, lines("a"))
	assert.False(t, v.Match)
	assert.Equal(t, 1, v.Line)
	assert.Equal(t, "b", v.Local)
	assert.Equal(t, Missing, v.Remote)

	v = d.VerifyTraces(0, lines("a", "b", "c"))
	assert.False(t, v.Match)
	assert.Equal(t, 2, v.Line)
	assert.Equal(t, Missing, v.Local)
}

// TestVerify_HashMismatch tests that matching lines with different hashes desync
func TestVerify_HashMismatch(t *testing.T) {
	d := newDetector(t)
	d.StartTick(0)
	d.Trace("a")
	d.RecordHash(0, 0xabc)

	assert.True(t, d.Verify(0, event.TraceReport{Lines: lines("a"), Hash: 0xabc}).Match)

	v := d.Verify(0, event.TraceReport{Lines: lines("a"), Hash: 0xabd})
	assert.False(t, v.Match)
	assert.Equal(t, "hash mismatch", v.Reason)
	assert.Equal(t, -1, v.Line)

	e := v.Event()
	assert.Equal(t, event.TypeDesync, e.Type)
	assert.Equal(t, "hash mismatch", e.Body.(event.Desync).Reason)
}

// TestCheckPending_EarlyReports tests reports arriving before the local tick
func TestCheckPending_EarlyReports(t *testing.T) {
	d := newDetector(t)
	d.AddPeerReport(0, event.TraceReport{Lines: lines("x")})
	d.AddPeerReport(1, event.TraceReport{Lines: lines("y")})
	d.AddPeerReport(2, event.TraceReport{Lines: lines("z")})

	d.StartTick(0)
	d.Trace("x")
	got := d.CheckPending(0)
	require.Len(t, got, 1)
	assert.True(t, got[0].Match)
	assert.Equal(t, 2, d.PendingReports())

	d.StartTick(1)
	d.Trace("y")
	d.StartTick(2)
	d.Trace("nope")
	got = d.CheckPending(2)
	require.Len(t, got, 2)
	assert.True(t, got[0].Match)
	assert.False(t, got[1].Match)
	assert.Equal(t, int64(2), got[1].Tick)
	assert.Equal(t, 0, d.PendingReports())
}
