package wire

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

const typePlace event.Type = "PlaceBuilding"

type place struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Kind string `json:"kind"`
}

func (place) EventType() event.Type { return typePlace }

func testRegistry(t *testing.T) *event.Registry {
	t.Helper()
	reg := event.NewRegistry()
	require.NoError(t, event.RegisterJSON[place](reg, typePlace))
	return reg
}

func groupedAtFive() event.Event {
	return event.Group(5, []event.Event{
		event.New(0, place{X: 3, Y: 4, Kind: "farm"}).WithRandomState(7),
		event.New(0, event.SpeedChange{Speed: 2}),
	})
}

// TestEncodeEvent_Golden tests the canonical JSON encoding of records
func TestEncodeEvent_Golden(t *testing.T) {
	g := goldie.New(t)

	tests := []struct {
		name string
		evt  event.Event
	}{
		{"heartbeat", event.New(9, event.Heartbeat{})},
		{"set_state", event.New(0, event.SetState{Hash: 42})},
		{"grouped_event", groupedAtFive()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeEvent(tt.evt)
			require.NoError(t, err)
			g.Assert(t, tt.name, b)
		})
	}
}

// TestDecodeEvent_GroupedScenario tests that a grouped tick decodes into its ordered members
func TestDecodeEvent_GroupedScenario(t *testing.T) {
	reg := testRegistry(t)
	b, err := EncodeEvent(groupedAtFive())
	require.NoError(t, err)

	got, err := DecodeEvent(b, reg)
	require.NoError(t, err)
	assert.Equal(t, event.TypeGrouped, got.Type)
	assert.Equal(t, int64(5), got.Tick)

	members := got.Members()
	require.Len(t, members, 2)
	assert.Equal(t, place{X: 3, Y: 4, Kind: "farm"}, members[0].Body)
	assert.Equal(t, int64(5), members[0].Tick)
	require.NotNil(t, members[0].RandomStateBefore)
	assert.Equal(t, uint32(7), *members[0].RandomStateBefore)
	assert.Equal(t, event.SpeedChange{Speed: 2}, members[1].Body)
	assert.Nil(t, members[1].RandomStateBefore)
}

// TestDecodeEvent_ControlRecords tests decoding of every core control type
func TestDecodeEvent_ControlRecords(t *testing.T) {
	events := []event.Event{
		event.New(9, event.Heartbeat{}),
		event.New(0, event.SetState{Hash: 1<<63 + 5}),
		event.New(12, event.TraceAck{}),
		event.New(3, event.Desync{Reason: "trace mismatch", Tick: 3, Line: 2, Local: "a", Remote: "b"}),
		event.New(4, event.TraceReport{Lines: []event.TraceLine{{Message: "x"}, {Message: "y", StackTrace: "s"}}, Hash: 99}),
		event.New(0, event.Rejected{Reason: "session already started"}),
	}
	for _, want := range events {
		t.Run(string(want.Type), func(t *testing.T) {
			b, err := EncodeEvent(want)
			require.NoError(t, err)
			got, err := DecodeEvent(b, nil)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.True(t, got.IsControl())
		})
	}
}

// TestDecodeEvent_Malformed tests that protocol violations are classified
func TestDecodeEvent_Malformed(t *testing.T) {
	reg := testRegistry(t)
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"ticksSinceLoad":1}`},
		{"missing tick", `{"type":"Heartbeat"}`},
		{"negative tick", `{"type":"Heartbeat","ticksSinceLoad":-1}`},
		{"set state without hash", `{"type":"SetState","ticksSinceLoad":0}`},
		{"unknown type", `{"type":"Teleport","ticksSinceLoad":1}`},
		{"speed without payload", `{"type":"SpeedChange","ticksSinceLoad":1}`},
		{"bad app payload", `{"type":"PlaceBuilding","ticksSinceLoad":1,"payload":{"x":"nope"}}`},
		{"nested group", `{"type":"GroupedEvent","ticksSinceLoad":1,"events":[{"type":"GroupedEvent","ticksSinceLoad":1}]}`},
		{"control inside group", `{"type":"GroupedEvent","ticksSinceLoad":1,"events":[{"type":"Heartbeat","ticksSinceLoad":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data), reg)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

// TestEncodeEvent_Canonical tests that equal events encode to identical bytes
func TestEncodeEvent_Canonical(t *testing.T) {
	a, err := EncodeEvent(groupedAtFive())
	require.NoError(t, err)
	b, err := EncodeEvent(groupedAtFive())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
