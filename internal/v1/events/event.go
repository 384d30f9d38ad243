package events

import (
	"time"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// Type tags a domain event. The set is closed: every event carries exactly
// one payload variant matching its tag.
type Type string

const (
	TypePlayerEntered   Type = "player_entered"
	TypePlayerLeft      Type = "player_left"
	TypeRoomUpdated     Type = "room_updated"
	TypeChatMessage     Type = "chat_message"
	TypeWhisper         Type = "whisper"
	TypeCombatEvent     Type = "combat_event"
	TypeNPCEvent        Type = "npc_event"
	TypePlayerHPUpdated Type = "player_hp_updated"
	TypeGameTick        Type = "game_tick"
	TypeHeartbeat       Type = "heartbeat"
	TypeError           Type = "error"
	TypeSystemNotice    Type = "system_notice"
)

// Wildcard subscribes a bus handler to every event type.
const Wildcard Type = "*"

// Critical reports whether frames of this type must never be shed under
// backpressure. Critical frames block briefly rather than drop; on timeout
// the connection is detached instead.
func (t Type) Critical() bool {
	switch t {
	case TypePlayerHPUpdated, TypeCombatEvent, TypeError:
		return true
	}
	return false
}

// Droppable reports whether frames of this type are shed first when an
// outbound queue fills.
func (t Type) Droppable() bool {
	switch t {
	case TypeHeartbeat, TypeGameTick:
		return true
	}
	return false
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypePlayerEntered, TypePlayerLeft, TypeRoomUpdated, TypeChatMessage,
		TypeWhisper, TypeCombatEvent, TypeNPCEvent, TypePlayerHPUpdated,
		TypeGameTick, TypeHeartbeat, TypeError, TypeSystemNotice:
		return true
	}
	return false
}

// Event is an immutable domain event. Once published it is shared and must
// not be mutated.
type Event struct {
	Type      Type
	Timestamp time.Time
	// Seq is the global monotonic sequence number, stamped by the bus on
	// first publish. Per-connection sequence numbers are stamped separately
	// at delivery time.
	Seq      uint64
	PlayerID types.PlayerID
	RoomID   types.RoomID
	// Origin names the node that first published the event. The forwarder
	// uses it to avoid double delivery across the broker.
	Origin  string
	Payload Payload
}

// Payload is the closed set of event payload variants.
type Payload interface {
	eventType() Type
}

// ChatMessage is a player-authored message on a named channel.
type ChatMessage struct {
	Sender     types.PlayerID  `json:"sender_id"`
	SenderName string          `json:"sender"`
	Channel    types.ChannelID `json:"channel"`
	Body       string          `json:"body"`
}

// Whisper is a direct player-to-player message.
type Whisper struct {
	Sender     types.PlayerID `json:"sender_id"`
	SenderName string         `json:"sender"`
	Target     types.PlayerID `json:"target_id"`
	Body       string         `json:"body"`
}

// CombatEvent reports one combat action. Roll is the raw hidden roll; the
// wire translator strips it for every viewer except the actor.
type CombatEvent struct {
	Actor      types.PlayerID `json:"actor_id"`
	ActorName  string         `json:"actor"`
	Target     types.PlayerID `json:"target_id,omitempty"`
	TargetName string         `json:"target,omitempty"`
	Action     string         `json:"action"`
	Damage     int            `json:"damage"`
	Roll       int            `json:"roll,omitempty"`
}

// NPCEvent reports an NPC action visible in a room.
type NPCEvent struct {
	NPCID  string `json:"npc_id"`
	Name   string `json:"name"`
	Action string `json:"action"`
}

// PlayerHPUpdated reports a hit-point change for one player.
type PlayerHPUpdated struct {
	Player types.PlayerID `json:"player_id"`
	HP     int            `json:"hp"`
	MaxHP  int            `json:"max_hp"`
}

// PlayerEntered announces a player coming online.
type PlayerEntered struct {
	Player types.PlayerID `json:"player_id"`
	Name   string         `json:"name"`
}

// PlayerLeft announces a player going offline (after grace expiry).
type PlayerLeft struct {
	Player types.PlayerID `json:"player_id"`
	Name   string         `json:"name"`
	Reason string         `json:"reason,omitempty"`
}

// RoomUpdated announces a player moving between rooms.
type RoomUpdated struct {
	Player types.PlayerID `json:"player_id"`
	Name   string         `json:"name"`
	From   types.RoomID   `json:"from_room,omitempty"`
	To     types.RoomID   `json:"to_room"`
}

// GameTick is the scheduler heartbeat fanned out to clients.
type GameTick struct {
	Tick uint64 `json:"tick"`
}

// Heartbeat is a liveness frame; shed first under backpressure.
type Heartbeat struct{}

// SystemNotice is an operator announcement.
type SystemNotice struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// ErrorNotice is a typed error surfaced to one client. Internal details stay
// in logs; Message is user-facing.
type ErrorNotice struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

func (ChatMessage) eventType() Type     { return TypeChatMessage }
func (Whisper) eventType() Type         { return TypeWhisper }
func (CombatEvent) eventType() Type     { return TypeCombatEvent }
func (NPCEvent) eventType() Type        { return TypeNPCEvent }
func (PlayerHPUpdated) eventType() Type { return TypePlayerHPUpdated }
func (PlayerEntered) eventType() Type   { return TypePlayerEntered }
func (PlayerLeft) eventType() Type      { return TypePlayerLeft }
func (RoomUpdated) eventType() Type     { return TypeRoomUpdated }
func (GameTick) eventType() Type        { return TypeGameTick }
func (Heartbeat) eventType() Type       { return TypeHeartbeat }
func (SystemNotice) eventType() Type    { return TypeSystemNotice }
func (ErrorNotice) eventType() Type     { return TypeError }

// New builds an event with its tag derived from the payload. Timestamp and
// Seq are stamped by the bus at publish time if left zero.
func New(payload Payload) Event {
	return Event{Type: payload.eventType(), Payload: payload}
}

// NewFor builds an event scoped to a player and room.
func NewFor(payload Payload, player types.PlayerID, room types.RoomID) Event {
	e := New(payload)
	e.PlayerID = player
	e.RoomID = room
	return e
}
