// Package store adapts the persistence layer behind the PlayerStore and
// RoomStore interfaces. The game state itself is owned by other services;
// this package only reads the views the realtime core needs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

const (
	playerKeyFmt      = "mudcore:player:%s"
	playerMutesKeyFmt = "mudcore:player:%s:mutes"
	roomKeyFmt        = "mudcore:room:%s"
	roomPlayersKeyFmt = "mudcore:room:%s:players"

	opTimeout = 2 * time.Second
)

// Redis reads player and room state from Redis. It satisfies
// types.PlayerStore and types.RoomStore.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client; the composition root owns its lifecycle.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Ping verifies connectivity for readiness checks.
func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// GetPlayer loads a player record. A missing player is an error, not a zero
// record.
func (s *Redis) GetPlayer(ctx context.Context, id types.PlayerID) (*types.PlayerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(playerKeyFmt, id)).Result()
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("get player %s: %w", id, err))
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: player %s", types.ErrTargetNotFound, id)
	}

	return &types.PlayerRecord{
		ID:          id,
		DisplayName: fields["display_name"],
		Admin:       fields["admin"] == "1",
		Room:        types.RoomID(fields["room"]),
	}, nil
}

// ListPlayersByRoom returns the persisted occupant set for a room.
func (s *Redis) ListPlayersByRoom(ctx context.Context, id types.RoomID) ([]types.PlayerID, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	members, err := s.client.SMembers(ctx, fmt.Sprintf(roomPlayersKeyFmt, id)).Result()
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("list players for room %s: %w", id, err))
	}
	out := make([]types.PlayerID, 0, len(members))
	for _, m := range members {
		out = append(out, types.PlayerID(m))
	}
	return out, nil
}

// GetPlayerMutes loads a player's mute list. A missing key is an empty list.
func (s *Redis) GetPlayerMutes(ctx context.Context, id types.PlayerID) ([]types.MuteEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, fmt.Sprintf(playerMutesKeyFmt, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("get mutes for %s: %w", id, err))
	}

	var entries []types.MuteEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode mutes for %s: %w", id, err)
	}
	return entries, nil
}

// GetRoom loads a room record.
func (s *Redis) GetRoom(ctx context.Context, id types.RoomID) (*types.RoomRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(roomKeyFmt, id)).Result()
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("get room %s: %w", id, err))
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: room %s", types.ErrTargetNotFound, id)
	}

	return &types.RoomRecord{
		ID:      id,
		Name:    fields["name"],
		Subzone: types.SubzoneID(fields["subzone"]),
	}, nil
}
