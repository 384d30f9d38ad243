// Package delivery turns domain events into client frames and moves them
// onto connections: single sends, room and global fanout, and the broker
// forwarder that feeds remote events into local delivery.
package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// MaxFrameSize caps a single client frame. Oversized frames get their text
// truncated when possible and are dropped otherwise.
const MaxFrameSize = 64 * 1024

// errFrameTooLarge marks frames that cannot be shrunk to fit.
var errFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// frameEnvelope is the client wire shape. Seq is the per-connection sequence
// number stamped at delivery time, not the global event sequence.
type frameEnvelope struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Seq       uint64          `json:"sequence_number"`
	PlayerID  string          `json:"player_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Translate returns the viewer-specific form of an event. It is pure: the
// input event is never mutated.
//
// Today the only redaction is the hidden combat roll, which every viewer
// except the actor loses.
func Translate(e events.Event, viewer types.PlayerID) events.Event {
	switch p := e.Payload.(type) {
	case events.CombatEvent:
		if p.Actor != viewer && p.Roll != 0 {
			p.Roll = 0
			e.Payload = p
		}
	}
	return e
}

// EncodeFrame marshals an already-translated event into a client frame with
// the given per-connection sequence number. Oversized chat text is truncated
// to fit; anything else oversized returns errFrameTooLarge.
func EncodeFrame(e events.Event, seq uint64) ([]byte, error) {
	frame, err := marshalFrame(e, seq)
	if err != nil {
		return nil, err
	}
	if len(frame) <= MaxFrameSize {
		return frame, nil
	}

	over := len(frame) - MaxFrameSize
	switch p := e.Payload.(type) {
	case events.ChatMessage:
		p.Body = truncate(p.Body, over)
		e.Payload = p
	case events.Whisper:
		p.Body = truncate(p.Body, over)
		e.Payload = p
	case events.SystemNotice:
		p.Message = truncate(p.Message, over)
		e.Payload = p
	default:
		return nil, errFrameTooLarge
	}

	frame, err = marshalFrame(e, seq)
	if err != nil {
		return nil, err
	}
	if len(frame) > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	return frame, nil
}

func marshalFrame(e events.Event, seq uint64) ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", e.Type, err)
	}
	return json.Marshal(frameEnvelope{
		EventType: string(e.Type),
		Timestamp: e.Timestamp.UTC().Format(events.TimestampLayout),
		Seq:       seq,
		PlayerID:  string(e.PlayerID),
		RoomID:    string(e.RoomID),
		Data:      data,
	})
}

// truncate removes at least over bytes from s, cutting on a rune boundary,
// and marks the cut with an ellipsis.
func truncate(s string, over int) string {
	keep := len(s) - over - 16 // headroom for the marker and JSON escaping
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && keep < len(s) && (s[keep]&0xC0) == 0x80 {
		keep--
	}
	return s[:keep] + "..."
}
