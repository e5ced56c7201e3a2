// Package event defines the records replicated between lockstep peers.
//
// An Event is a tagged union: Type is the discriminator and Body carries the
// per-type payload. Core types are decoded by an explicit switch in the wire
// package; application types are decoded through a Registry.
package event

// Type discriminates event records on the wire.
type Type string

// Core event types.
const (
	// TypeSetState carries the host's rolling hash to a freshly joined follower.
	TypeSetState Type = "SetState"

	// TypeHeartbeat proves the host reached a tick that produced no events.
	TypeHeartbeat Type = "Heartbeat"

	// TypeGrouped wraps every event applied by the host in a single tick.
	TypeGrouped Type = "GroupedEvent"

	// TypeSpeedChange changes the target simulation speed on every peer.
	TypeSpeedChange Type = "SpeedChange"

	// TypeDesync is the final diagnostic record sent before a session is torn down.
	TypeDesync Type = "Desync"

	// TypeTraceReport carries the host's trace lines for one completed tick.
	TypeTraceReport Type = "TraceReport"

	// TypeTraceAck confirms that a follower's traces matched for a tick.
	TypeTraceAck Type = "TraceAck"

	// TypeRejected explains why a join attempt was refused.
	TypeRejected Type = "Rejected"
)

// IsControl reports whether records of this type steer the protocol rather
// than mutate the simulation. Control records never enter an event log and
// never fold into the rolling hash.
func (t Type) IsControl() bool {
	switch t {
	case TypeSetState, TypeHeartbeat, TypeDesync, TypeTraceReport, TypeTraceAck, TypeRejected:
		return true
	default:
		return false
	}
}

// Body is the per-type payload of an Event.
type Body interface {
	EventType() Type
}

// Event is one deterministic action or protocol record.
type Event struct {
	// Type is the discriminator.
	Type Type

	// Tick is the ticksSinceLoad value at which the event applies. It is
	// assigned when the event is finalized for sending.
	Tick int64

	// RandomStateBefore is the PRNG state observed right before the event was
	// first applied, or nil if it has not been applied anywhere yet.
	RandomStateBefore *uint32

	// Body is the payload; nil for types without one.
	Body Body
}

// New creates an event for body at tick.
func New(tick int64, body Body) Event {
	return Event{Type: body.EventType(), Tick: tick, Body: body}
}

// WithTick returns a copy of e stamped with tick.
func (e Event) WithTick(tick int64) Event {
	e.Tick = tick
	return e
}

// WithRandomState returns a copy of e carrying state as its pre-application
// PRNG snapshot.
func (e Event) WithRandomState(state uint32) Event {
	s := state
	e.RandomStateBefore = &s
	return e
}

// WithoutRandomState returns a copy of e with no PRNG snapshot.
func (e Event) WithoutRandomState() Event {
	e.RandomStateBefore = nil
	return e
}

// IsControl reports whether e is a control record.
func (e Event) IsControl() bool {
	return e.Type.IsControl()
}

// Members unwraps a grouped event into its members. Any other event is
// returned as a single-element slice.
func (e Event) Members() []Event {
	if g, ok := e.Body.(Grouped); ok {
		out := make([]Event, len(g.Events))
		copy(out, g.Events)
		return out
	}
	return []Event{e}
}

// SetState resets a follower's rolling hash to the host's.
type SetState struct {
	Hash uint64
}

func (SetState) EventType() Type { return TypeSetState }

// Heartbeat has no payload.
type Heartbeat struct{}

func (Heartbeat) EventType() Type { return TypeHeartbeat }

// Grouped holds every event of one tick in application order.
type Grouped struct {
	Events []Event
}

func (Grouped) EventType() Type { return TypeGrouped }

// Group wraps events into a single grouped event tagged with tick. Every
// member is re-stamped with tick.
func Group(tick int64, events []Event) Event {
	members := make([]Event, len(events))
	for i, e := range events {
		members[i] = e.WithTick(tick)
	}
	return New(tick, Grouped{Events: members})
}

// SpeedChange sets the target speed; 0 pauses.
type SpeedChange struct {
	Speed float64 `json:"speed"`
}

func (SpeedChange) EventType() Type { return TypeSpeedChange }

// Desync describes the divergence that ended a session.
type Desync struct {
	Reason string `json:"reason"`
	Tick   int64  `json:"tick"`
	Line   int    `json:"line"`
	Local  string `json:"local,omitempty"`
	Remote string `json:"remote,omitempty"`
}

func (Desync) EventType() Type { return TypeDesync }

// TraceLine is one diagnostic line recorded during a tick.
type TraceLine struct {
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// TraceReport carries the host's traces and rolling hash for one tick.
type TraceReport struct {
	Lines []TraceLine `json:"lines"`
	Hash  uint64      `json:"hash"`
}

func (TraceReport) EventType() Type { return TypeTraceReport }

// TraceAck confirms a follower matched the host's traces for a tick.
type TraceAck struct{}

func (TraceAck) EventType() Type { return TypeTraceAck }

// Rejected tells a connecting follower why it cannot join.
type Rejected struct {
	Reason string `json:"reason"`
}

func (Rejected) EventType() Type { return TypeRejected }
