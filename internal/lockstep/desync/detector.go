// Package desync cross-checks peers' per-tick execution traces and rolling
// hashes to detect divergence.
package desync

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

// Default configuration values.
const (
	DefaultRetention      = 10
	DefaultPendingReports = 64
)

// Missing stands in for a trace line one side does not have.
const Missing = "<missing>"

// Config holds detector configuration.
type Config struct {
	// Retention is the hard cap on buckets kept, confirmed or not.
	Retention int

	// PendingReports bounds how many peer reports for ticks not yet
	// completed locally are held.
	PendingReports int

	Logger logrus.FieldLogger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Retention:      DefaultRetention,
		PendingReports: DefaultPendingReports,
	}
}

// Verdict is the outcome of comparing one tick.
type Verdict struct {
	Tick   int64
	Match  bool
	Reason string

	// Line is the index of the first differing trace line, or -1 when the
	// lines agree and the difference is elsewhere.
	Line   int
	Local  string
	Remote string
}

// Event converts a mismatch into the diagnostic record sent before teardown.
func (v Verdict) Event() event.Event {
	return event.New(v.Tick, event.Desync{
		Reason: v.Reason,
		Tick:   v.Tick,
		Line:   v.Line,
		Local:  v.Local,
		Remote: v.Remote,
	})
}

// Detector records local traces and verifies them against peer reports. It
// is owned by the simulation thread.
type Detector struct {
	cfg     Config
	log     logrus.FieldLogger
	history TraceHistory
	current int64
	started bool
	pending *lru.Cache[int64, event.TraceReport]
}

// New creates a detector.
func New(cfg Config) (*Detector, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %d", cfg.Retention)
	}
	if cfg.PendingReports <= 0 {
		cfg.PendingReports = DefaultPendingReports
	}
	pending, err := lru.New[int64, event.TraceReport](cfg.PendingReports)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Detector{cfg: cfg, log: logger, pending: pending}, nil
}

// History exposes the trace buckets.
func (d *Detector) History() *TraceHistory {
	return &d.history
}

// StartTick opens the bucket for tick. Later Trace calls append to it.
func (d *Detector) StartTick(tick int64) {
	d.current = tick
	d.started = true
	d.history.open(tick)
	d.history.trimTo(d.cfg.Retention)
}

// Trace appends a line to the current tick's bucket.
func (d *Detector) Trace(message string) {
	d.TraceWithStack(message, "")
}

// TraceWithStack appends a line with a stack trace to the current bucket.
func (d *Detector) TraceWithStack(message, stack string) {
	if !d.started {
		return
	}
	b := d.history.get(d.current)
	if b == nil {
		return
	}
	b.lines = append(b.lines, event.TraceLine{Message: message, StackTrace: stack})
}

// RecordHash stores the rolling hash reached at the end of tick.
func (d *Detector) RecordHash(tick int64, hash uint64) {
	b := d.history.get(tick)
	if b == nil {
		return
	}
	b.hash = hash
	b.hasHash = true
}

// Report builds the trace report for tick.
func (d *Detector) Report(tick int64) (event.TraceReport, bool) {
	b := d.history.get(tick)
	if b == nil {
		return event.TraceReport{}, false
	}
	lines := make([]event.TraceLine, len(b.lines))
	copy(lines, b.lines)
	return event.TraceReport{Lines: lines, Hash: b.hash}, true
}

// Lines returns the trace lines held for tick.
func (d *Detector) Lines(tick int64) ([]event.TraceLine, bool) {
	r, ok := d.Report(tick)
	return r.Lines, ok
}

// VerifyTraces compares the local bucket for tick with a peer's lines.
// Stack traces are diagnostic only and are not compared.
func (d *Detector) VerifyTraces(tick int64, peer []event.TraceLine) Verdict {
	b := d.history.get(tick)
	if b == nil {
		return Verdict{Tick: tick, Reason: "no local traces for tick", Line: -1}
	}
	return compareLines(tick, b.lines, peer)
}

func compareLines(tick int64, local, peer []event.TraceLine) Verdict {
	n := len(local)
	if len(peer) > n {
		n = len(peer)
	}
	for i := 0; i < n; i++ {
		l, r := Missing, Missing
		if i < len(local) {
			l = local[i].Message
		}
		if i < len(peer) {
			r = peer[i].Message
		}
		if l != r {
			return Verdict{Tick: tick, Reason: "trace mismatch", Line: i, Local: l, Remote: r}
		}
	}
	return Verdict{Tick: tick, Match: true, Line: -1}
}

// Verify checks a full peer report: trace lines first, then the hash.
func (d *Detector) Verify(tick int64, report event.TraceReport) Verdict {
	v := d.VerifyTraces(tick, report.Lines)
	if !v.Match {
		return v
	}
	b := d.history.get(tick)
	if b.hasHash && b.hash != report.Hash {
		return Verdict{
			Tick:   tick,
			Reason: "hash mismatch",
			Line:   -1,
			Local:  fmt.Sprintf("%016x", b.hash),
			Remote: fmt.Sprintf("%016x", report.Hash),
		}
	}
	return v
}

// AddPeerReport holds a peer's report until the local tick completes.
func (d *Detector) AddPeerReport(tick int64, report event.TraceReport) {
	d.pending.Add(tick, report)
}

// PendingReports returns how many peer reports await verification.
func (d *Detector) PendingReports() int {
	return d.pending.Len()
}

// CheckPending verifies every held report for ticks up to completed, oldest
// first. Reports for ticks already trimmed locally are discarded.
func (d *Detector) CheckPending(completed int64) []Verdict {
	ticks := d.pending.Keys()
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })

	var out []Verdict
	for _, tick := range ticks {
		if tick > completed {
			break
		}
		report, ok := d.pending.Peek(tick)
		d.pending.Remove(tick)
		if !ok {
			continue
		}
		if tick < d.history.First() {
			d.log.WithField("tick", tick).Warn("peer report for trimmed tick")
			continue
		}
		v := d.Verify(tick, report)
		out = append(out, v)
		if !v.Match {
			break
		}
	}
	return out
}

// Confirm marks every held tick up to tick as agreed by both sides. Agreed
// buckets stay readable until they fall out of the retention window.
func (d *Detector) Confirm(tick int64) {
	for t := d.history.First(); t <= tick; t++ {
		if b := d.history.get(t); b != nil {
			b.confirmed = true
		}
	}
}
