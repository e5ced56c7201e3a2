package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

// record is the JSON shape of every non-snapshot frame.
//
//	{"type":"Heartbeat","ticksSinceLoad":9}
//	{"type":"SetState","ticksSinceLoad":0,"hash":42}
//	{"type":"GroupedEvent","ticksSinceLoad":5,"events":[{...},{...}]}
//	{"type":"SpeedChange","ticksSinceLoad":3,"payload":{"speed":2}}
type record struct {
	Type              string            `json:"type"`
	TicksSinceLoad    *int64            `json:"ticksSinceLoad"`
	RandomStateBefore *uint32           `json:"randomStateBefore,omitempty"`
	Hash              *uint64           `json:"hash,omitempty"`
	Events            []json.RawMessage `json:"events,omitempty"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
}

// EncodeEvent encodes e as a JSON record. The encoding is canonical: equal
// events always produce identical bytes.
func EncodeEvent(e event.Event) ([]byte, error) {
	rec, err := toRecord(e, true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func toRecord(e event.Event, allowGroup bool) (record, error) {
	if e.Type == "" {
		return record{}, errors.New("event has no type")
	}
	tick := e.Tick
	rec := record{
		Type:              string(e.Type),
		TicksSinceLoad:    &tick,
		RandomStateBefore: e.RandomStateBefore,
	}

	switch body := e.Body.(type) {
	case nil:
	case event.Heartbeat, event.TraceAck:
	case event.SetState:
		h := body.Hash
		rec.Hash = &h
	case event.Grouped:
		if !allowGroup {
			return record{}, errors.New("grouped events cannot be nested")
		}
		rec.Events = make([]json.RawMessage, 0, len(body.Events))
		for _, member := range body.Events {
			mr, err := toRecord(member, false)
			if err != nil {
				return record{}, err
			}
			b, err := json.Marshal(mr)
			if err != nil {
				return record{}, err
			}
			rec.Events = append(rec.Events, b)
		}
	default:
		b, err := json.Marshal(body)
		if err != nil {
			return record{}, fmt.Errorf("encode %s payload: %w", e.Type, err)
		}
		rec.Payload = b
	}
	return rec, nil
}

// DecodeEvent decodes a JSON record. Core types are decoded here; any other
// type must be registered in reg. Every failure wraps ErrMalformedRecord.
func DecodeEvent(b []byte, reg *event.Registry) (event.Event, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return event.Event{}, malformed("", err)
	}
	return fromRecord(rec, reg, true)
}

func fromRecord(rec record, reg *event.Registry, allowGroup bool) (event.Event, error) {
	if rec.Type == "" {
		return event.Event{}, malformed("", errors.New("missing type"))
	}
	if rec.TicksSinceLoad == nil {
		return event.Event{}, malformed(rec.Type, errors.New("missing ticksSinceLoad"))
	}
	if *rec.TicksSinceLoad < 0 {
		return event.Event{}, malformed(rec.Type, fmt.Errorf("negative tick %d", *rec.TicksSinceLoad))
	}

	e := event.Event{
		Type:              event.Type(rec.Type),
		Tick:              *rec.TicksSinceLoad,
		RandomStateBefore: rec.RandomStateBefore,
	}

	switch e.Type {
	case event.TypeHeartbeat:
		e.Body = event.Heartbeat{}
	case event.TypeTraceAck:
		e.Body = event.TraceAck{}
	case event.TypeSetState:
		if rec.Hash == nil {
			return event.Event{}, malformed(rec.Type, errors.New("missing hash"))
		}
		e.Body = event.SetState{Hash: *rec.Hash}
	case event.TypeGrouped:
		if !allowGroup {
			return event.Event{}, malformed(rec.Type, errors.New("nested group"))
		}
		members := make([]event.Event, 0, len(rec.Events))
		for _, raw := range rec.Events {
			var mr record
			if err := json.Unmarshal(raw, &mr); err != nil {
				return event.Event{}, malformed(rec.Type, err)
			}
			member, err := fromRecord(mr, reg, false)
			if err != nil {
				return event.Event{}, err
			}
			if member.IsControl() {
				return event.Event{}, malformed(rec.Type, fmt.Errorf("control record %s inside group", member.Type))
			}
			members = append(members, member)
		}
		e.Body = event.Grouped{Events: members}
	case event.TypeSpeedChange:
		var body event.SpeedChange
		if err := unmarshalPayload(rec, &body); err != nil {
			return event.Event{}, err
		}
		e.Body = body
	case event.TypeDesync:
		var body event.Desync
		if err := unmarshalPayload(rec, &body); err != nil {
			return event.Event{}, err
		}
		e.Body = body
	case event.TypeTraceReport:
		var body event.TraceReport
		if err := unmarshalPayload(rec, &body); err != nil {
			return event.Event{}, err
		}
		e.Body = body
	case event.TypeRejected:
		var body event.Rejected
		if err := unmarshalPayload(rec, &body); err != nil {
			return event.Event{}, err
		}
		e.Body = body
	default:
		body, err := reg.Decode(e.Type, rec.Payload)
		if err != nil {
			return event.Event{}, malformed(rec.Type, err)
		}
		e.Body = body
	}
	return e, nil
}

func unmarshalPayload(rec record, v any) error {
	if len(rec.Payload) == 0 {
		return malformed(rec.Type, errors.New("missing payload"))
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return malformed(rec.Type, err)
	}
	return nil
}
