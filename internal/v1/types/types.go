package types

import (
	"context"
	"time"
)

// --- Core Domain Types ---

// PlayerID identifies an authenticated player account.
type PlayerID string

// RoomID identifies a single game-world room (e.g. "arkham.001").
type RoomID string

// SubzoneID identifies a group of rooms sharing the "local" chat scope.
type SubzoneID string

// ChannelID identifies a logical chat stream.
type ChannelID string

// ConnectionID identifies one live transport session. It never rebinds to a
// different player.
type ConnectionID string

// ChannelScope describes who a channel reaches.
type ChannelScope string

const (
	ScopeRoom    ChannelScope = "room"
	ScopeSubzone ChannelScope = "subzone"
	ScopeGlobal  ChannelScope = "global"
	ScopeWhisper ChannelScope = "whisper"
	ScopeSystem  ChannelScope = "system"
)

// TokenClaims is the result of a successful token validation.
type TokenClaims struct {
	PlayerID    PlayerID
	DisplayName string
	Admin       bool
	ExpiresAt   time.Time
}

// MuteEntry is one row of a player's mute list. Exactly one of MutedPlayer or
// MutedChannel is set. A zero ExpiresAt means the mute does not expire.
type MuteEntry struct {
	Muter        PlayerID  `json:"muter"`
	MutedPlayer  PlayerID  `json:"muted_player,omitempty"`
	MutedChannel ChannelID `json:"muted_channel,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// PlayerRecord is the persisted view of a player needed by the core. Room is
// where the player was last saved; connections are placed there on attach.
type PlayerRecord struct {
	ID          PlayerID
	DisplayName string
	Admin       bool
	Room        RoomID
}

// RoomRecord is the persisted view of a room needed by the core.
type RoomRecord struct {
	ID      RoomID
	Name    string
	Subzone SubzoneID
}

// --- Shared Interfaces ---
// These keep the dependency graph acyclic: consumers depend on the narrow
// capability they need, never on the component that owns it.

// TokenValidator authenticates connection handshakes and revalidates live
// sessions.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*TokenClaims, error)
}

// Conn is the write side of one live connection as seen by the delivery
// layer. The concrete type is owned by the transport package.
type Conn interface {
	ID() ConnectionID
	Player() PlayerID
	// NextSeq returns the next per-connection monotonic sequence number.
	NextSeq() uint64
	// Send enqueues an already-serialized frame. Non-critical frames evict
	// the oldest queued frame when the queue is full; critical frames block
	// up to timeout and return ErrBackpressureTimeout on expiry.
	Send(frame []byte, critical bool, timeout time.Duration) error
	// Close transitions the connection to draining and closes the transport
	// with the given close code once the queue has flushed.
	Close(code int, reason string)
	LastPong() time.Time
	Alive() bool
}

// Subscription is a live broker subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the external pub/sub client surface used by routing components.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error)
	QueueSubscribe(subject, group string, handler func(subject string, data []byte)) (Subscription, error)
	IsHealthy() bool
}

// PresenceReader is the read side of the connection registry.
type PresenceReader interface {
	LookupByPlayer(id PlayerID) []Conn
	RoomOccupants(room RoomID) []PlayerID
	SubzoneOccupants(subzone SubzoneID) []PlayerID
	OnlinePlayers() []PlayerID
	ResolveName(name string) (PlayerID, bool)
	DisplayName(id PlayerID) string
	CurrentRoom(id PlayerID) (RoomID, bool)
	CurrentSubzone(id PlayerID) (SubzoneID, bool)
}

// MuteStore answers mute questions at delivery time.
type MuteStore interface {
	IsMuted(ctx context.Context, receiver, sender PlayerID) bool
	ChannelMuted(ctx context.Context, receiver PlayerID, channel ChannelID) bool
	LoadBatch(ctx context.Context, players []PlayerID)
}

// PlayerStore and RoomStore are the consumed persistence interfaces. The
// storage engine behind them is an external collaborator.
type PlayerStore interface {
	GetPlayer(ctx context.Context, id PlayerID) (*PlayerRecord, error)
	ListPlayersByRoom(ctx context.Context, id RoomID) ([]PlayerID, error)
	GetPlayerMutes(ctx context.Context, id PlayerID) ([]MuteEntry, error)
}

type RoomStore interface {
	GetRoom(ctx context.Context, id RoomID) (*RoomRecord, error)
}
