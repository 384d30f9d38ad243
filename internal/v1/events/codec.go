package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// envelope is the broker wire shape of a domain event. Timestamps are UTC
// with millisecond precision.
type envelope struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Seq       uint64          `json:"sequence_number"`
	PlayerID  string          `json:"player_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Encode serializes an event for the broker.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", e.Type, err)
	}
	env := envelope{
		EventType: string(e.Type),
		Timestamp: e.Timestamp.UTC().Format(TimestampLayout),
		Seq:       e.Seq,
		PlayerID:  string(e.PlayerID),
		RoomID:    string(e.RoomID),
		Origin:    e.Origin,
		Data:      data,
	}
	return json.Marshal(env)
}

// Decode parses a broker message back into a typed event. Unknown event
// types and malformed payloads fail with ErrInvalidFrame so the consumer can
// dead-letter them.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", types.ErrInvalidFrame, err)
	}

	t := Type(env.EventType)
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: unknown event type %q", types.ErrInvalidFrame, env.EventType)
	}

	payload, err := decodePayload(t, env.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", types.ErrInvalidFrame, err)
	}

	ts, err := time.Parse(TimestampLayout, env.Timestamp)
	if err != nil {
		// Tolerate plain RFC3339 from older publishers.
		ts, err = time.Parse(time.RFC3339, env.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad timestamp %q", types.ErrInvalidFrame, env.Timestamp)
		}
	}

	return Event{
		Type:      t,
		Timestamp: ts,
		Seq:       env.Seq,
		PlayerID:  types.PlayerID(env.PlayerID),
		RoomID:    types.RoomID(env.RoomID),
		Origin:    env.Origin,
		Payload:   payload,
	}, nil
}

func decodePayload(t Type, data json.RawMessage) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	unmarshal := func(v Payload) (Payload, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return v, nil
	}
	switch t {
	case TypeChatMessage:
		p, err := unmarshal(&ChatMessage{})
		return deref(p), err
	case TypeWhisper:
		p, err := unmarshal(&Whisper{})
		return deref(p), err
	case TypeCombatEvent:
		p, err := unmarshal(&CombatEvent{})
		return deref(p), err
	case TypeNPCEvent:
		p, err := unmarshal(&NPCEvent{})
		return deref(p), err
	case TypePlayerHPUpdated:
		p, err := unmarshal(&PlayerHPUpdated{})
		return deref(p), err
	case TypePlayerEntered:
		p, err := unmarshal(&PlayerEntered{})
		return deref(p), err
	case TypePlayerLeft:
		p, err := unmarshal(&PlayerLeft{})
		return deref(p), err
	case TypeRoomUpdated:
		p, err := unmarshal(&RoomUpdated{})
		return deref(p), err
	case TypeGameTick:
		p, err := unmarshal(&GameTick{})
		return deref(p), err
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeSystemNotice:
		p, err := unmarshal(&SystemNotice{})
		return deref(p), err
	case TypeError:
		p, err := unmarshal(&ErrorNotice{})
		return deref(p), err
	}
	return nil, fmt.Errorf("no payload decoder for %q", t)
}

// deref converts the pointer variants used for unmarshaling back to the
// value forms the rest of the core passes around.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ChatMessage:
		return *v
	case *Whisper:
		return *v
	case *CombatEvent:
		return *v
	case *NPCEvent:
		return *v
	case *PlayerHPUpdated:
		return *v
	case *PlayerEntered:
		return *v
	case *PlayerLeft:
		return *v
	case *RoomUpdated:
		return *v
	case *GameTick:
		return *v
	case *SystemNotice:
		return *v
	case *ErrorNotice:
		return *v
	}
	return p
}
