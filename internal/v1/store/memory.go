package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// Memory is an in-process store for development and tests. It satisfies
// types.PlayerStore and types.RoomStore.
type Memory struct {
	mu      sync.RWMutex
	players map[types.PlayerID]types.PlayerRecord
	mutes   map[types.PlayerID][]types.MuteEntry
	rooms   map[types.RoomID]types.RoomRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		players: make(map[types.PlayerID]types.PlayerRecord),
		mutes:   make(map[types.PlayerID][]types.MuteEntry),
		rooms:   make(map[types.RoomID]types.RoomRecord),
	}
}

// PutPlayer upserts a player record.
func (s *Memory) PutPlayer(rec types.PlayerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[rec.ID] = rec
}

// PutRoom upserts a room record.
func (s *Memory) PutRoom(rec types.RoomRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[rec.ID] = rec
}

// PutMutes replaces a player's mute list.
func (s *Memory) PutMutes(id types.PlayerID, entries []types.MuteEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutes[id] = entries
}

func (s *Memory) GetPlayer(_ context.Context, id types.PlayerID) (*types.PlayerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: player %s", types.ErrTargetNotFound, id)
	}
	return &rec, nil
}

func (s *Memory) ListPlayersByRoom(_ context.Context, id types.RoomID) ([]types.PlayerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.PlayerID
	for _, rec := range s.players {
		if rec.Room == id {
			out = append(out, rec.ID)
		}
	}
	return out, nil
}

func (s *Memory) GetPlayerMutes(_ context.Context, id types.PlayerID) ([]types.MuteEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.MuteEntry(nil), s.mutes[id]...), nil
}

func (s *Memory) GetRoom(_ context.Context, id types.RoomID) (*types.RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", types.ErrTargetNotFound, id)
	}
	return &rec, nil
}
