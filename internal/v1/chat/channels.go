// Package chat routes player commands onto channels: validation, rate
// limiting, scope resolution, local fanout, and broker publication.
package chat

import (
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// Channel describes one chat channel's policy.
type Channel struct {
	ID        types.ChannelID
	Scope     types.ChannelScope
	MaxLength int
	// EchoSelf controls whether the sender receives their own message back.
	EchoSelf bool
	// AdminOnly restricts sending to admin accounts; everyone may receive.
	AdminOnly bool
}

// DefaultChannels is the built-in channel catalog, keyed by the command that
// posts to it. Channel ids name the audience, not the command: "say" posts to
// the "room" channel, "yell" to "system".
func DefaultChannels() map[string]Channel {
	return map[string]Channel{
		"say": {
			ID:        "room",
			Scope:     types.ScopeRoom,
			MaxLength: 512,
			EchoSelf:  true,
		},
		"local": {
			ID:        "local",
			Scope:     types.ScopeSubzone,
			MaxLength: 512,
			EchoSelf:  true,
		},
		"global": {
			ID:        "global",
			Scope:     types.ScopeGlobal,
			MaxLength: 512,
			EchoSelf:  true,
		},
		"whisper": {
			ID:        "whisper",
			Scope:     types.ScopeWhisper,
			MaxLength: 512,
			EchoSelf:  true,
		},
		// yell is the operator announcement channel; every online player
		// hears it but only admins may post.
		"yell": {
			ID:        "system",
			Scope:     types.ScopeSystem,
			MaxLength: 1024,
			EchoSelf:  false,
			AdminOnly: true,
		},
	}
}
