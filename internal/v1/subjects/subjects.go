// Package subjects holds the canonical broker subject catalog. Subjects are
// dot-hierarchical; a `*` token matches exactly one segment and `>` matches
// one or more tail segments, following broker conventions.
//
// All operations are pure and lock-free after init.
package subjects

import (
	"context"
	"fmt"
	"strings"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
	"go.uber.org/zap"
)

// Kind names one registered subject pattern.
type Kind string

const (
	KindChatSay     Kind = "chat_say"     // chat.say.{room_id}
	KindChatLocal   Kind = "chat_local"   // chat.local.{subzone_id}
	KindChatGlobal  Kind = "chat_global"  // chat.global
	KindChatWhisper Kind = "chat_whisper" // chat.whisper.player.{player_id}
	KindChatSystem  Kind = "chat_system"  // chat.system
	KindCombat      Kind = "combat"       // combat.{room_id}
	KindRoomEvents  Kind = "room_events"  // events.room.{room_id}
)

// pattern is a static token prefix plus at most one tail parameter. Room and
// player ids may themselves contain dots ("arkham.001"), so a parameter
// always consumes the whole remaining tail.
type pattern struct {
	kind   Kind
	prefix []string
	param  string // "" when the pattern has no parameter
}

var catalog = []pattern{
	{KindChatSay, []string{"chat", "say"}, "room_id"},
	{KindChatLocal, []string{"chat", "local"}, "subzone_id"},
	{KindChatGlobal, []string{"chat", "global"}, ""},
	{KindChatWhisper, []string{"chat", "whisper", "player"}, "player_id"},
	{KindChatSystem, []string{"chat", "system"}, ""},
	{KindCombat, []string{"combat"}, "room_id"},
	{KindRoomEvents, []string{"events", "room"}, "room_id"},
}

var byKind = func() map[Kind]pattern {
	m := make(map[Kind]pattern, len(catalog))
	for _, p := range catalog {
		m[p.kind] = p
	}
	return m
}()

// Build resolves a kind and its parameter into a concrete subject.
func Build(kind Kind, params ...string) (string, error) {
	p, ok := byKind[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", types.ErrInvalidSubject, kind)
	}
	if p.param == "" {
		if len(params) != 0 {
			return "", fmt.Errorf("%w: kind %q takes no parameters", types.ErrInvalidSubject, kind)
		}
		return strings.Join(p.prefix, "."), nil
	}
	if len(params) != 1 || params[0] == "" {
		return "", fmt.Errorf("%w: kind %q requires %s", types.ErrInvalidSubject, kind, p.param)
	}
	if err := checkTokens(params[0]); err != nil {
		return "", err
	}
	return strings.Join(p.prefix, ".") + "." + params[0], nil
}

// Parse recovers (kind, param) from a concrete subject. It is the inverse of
// Build for every registered pattern.
func Parse(subject string) (Kind, string, error) {
	tokens := strings.Split(subject, ".")
	// Longest prefix wins so chat.whisper.player.* is not shadowed.
	var best *pattern
	var param string
	for i := range catalog {
		p := &catalog[i]
		if !hasPrefix(tokens, p.prefix) {
			continue
		}
		rest := tokens[len(p.prefix):]
		if p.param == "" {
			if len(rest) != 0 {
				continue
			}
		} else if len(rest) == 0 {
			continue
		}
		if best == nil || len(p.prefix) > len(best.prefix) {
			best = p
			param = strings.Join(rest, ".")
		}
	}
	if best == nil {
		return "", "", fmt.Errorf("%w: %q matches no registered pattern", types.ErrInvalidSubject, subject)
	}
	return best.kind, param, nil
}

// Validate reports whether a concrete subject fits a registered pattern and
// is safe to publish (no wildcard tokens, no empty segments).
func Validate(subject string) error {
	if err := checkTokens(subject); err != nil {
		return err
	}
	_, _, err := Parse(subject)
	return err
}

// Match implements broker wildcard semantics: `*` matches exactly one
// segment, `>` matches one or more tail segments.
func Match(pat, subject string) bool {
	pt := strings.Split(pat, ".")
	st := strings.Split(subject, ".")

	for i, token := range pt {
		if token == ">" {
			return i < len(st) // `>` needs at least one remaining segment
		}
		if i >= len(st) {
			return false
		}
		if token != "*" && token != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func hasPrefix(tokens, prefix []string) bool {
	if len(tokens) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}

func checkTokens(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty subject", types.ErrInvalidSubject)
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" {
			return fmt.Errorf("%w: empty segment in %q", types.ErrInvalidSubject, s)
		}
		if token == "*" || token == ">" {
			return fmt.Errorf("%w: wildcard in concrete subject %q", types.ErrInvalidSubject, s)
		}
		if strings.ContainsAny(token, " \t") {
			return fmt.Errorf("%w: whitespace in %q", types.ErrInvalidSubject, s)
		}
	}
	return nil
}

// Registry applies the configured validation policy at publish time.
type Registry struct {
	Enabled bool
	Strict  bool
}

// CheckPublish validates subject per the registry policy: disabled passes
// everything, lenient logs and passes, strict rejects.
func (r Registry) CheckPublish(ctx context.Context, subject string) error {
	if !r.Enabled {
		return nil
	}
	err := Validate(subject)
	if err == nil {
		return nil
	}
	if r.Strict {
		return err
	}
	logging.Warn(ctx, "publishing to unregistered subject",
		zap.String("subject", subject), zap.Error(err))
	return nil
}
