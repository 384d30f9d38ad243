// Package presence is the source of truth for who is connected where. The
// registry exclusively owns connection records; every other component holds
// connection ids and looks them up before each send.
package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// Snapshot is one presence record as seen by IterOnline.
type Snapshot struct {
	PlayerID    types.PlayerID
	DisplayName string
	Connections []types.ConnectionID
	Room        types.RoomID
	Subzone     types.SubzoneID
	LastSeen    time.Time
}

// record is the live presence state for one player. An empty conns set means
// the player is in the reconnect grace window.
type record struct {
	playerID    types.PlayerID
	displayName string
	conns       map[types.ConnectionID]types.Conn
	room        types.RoomID
	subzone     types.SubzoneID
	lastSeen    time.Time
}

// Registry tracks connections, presence records and the room index.
//
// Reads vastly outnumber writes, so lookups take a read lock only. Writes to
// the same player are serialized through a per-player mutex; writes to
// different players proceed in parallel, holding the structural write lock
// only for the map mutation itself.
type Registry struct {
	bus         *events.Bus
	gracePeriod time.Duration

	mu      sync.RWMutex
	players map[types.PlayerID]*record
	conns   map[types.ConnectionID]types.PlayerID
	rooms   map[types.RoomID]map[types.PlayerID]struct{}
	names   map[string]types.PlayerID // lowercased display name -> player
	grace   map[types.PlayerID]*time.Timer

	lockMu      sync.Mutex
	playerLocks map[types.PlayerID]*sync.Mutex
}

// NewRegistry creates an empty registry publishing lifecycle events on bus.
func NewRegistry(bus *events.Bus, gracePeriod time.Duration) *Registry {
	return &Registry{
		bus:         bus,
		gracePeriod: gracePeriod,
		players:     make(map[types.PlayerID]*record),
		conns:       make(map[types.ConnectionID]types.PlayerID),
		rooms:       make(map[types.RoomID]map[types.PlayerID]struct{}),
		names:       make(map[string]types.PlayerID),
		grace:       make(map[types.PlayerID]*time.Timer),
		playerLocks: make(map[types.PlayerID]*sync.Mutex),
	}
}

func (r *Registry) playerLock(id types.PlayerID) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.playerLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.playerLocks[id] = l
	}
	return l
}

// Attach registers an authenticated connection and places the player in a
// room. The first connection for a player emits player_entered.
func (r *Registry) Attach(ctx context.Context, conn types.Conn, displayName string, room types.RoomID, subzone types.SubzoneID) {
	player := conn.Player()
	l := r.playerLock(player)
	l.Lock()

	var first bool
	r.mu.Lock()
	if t, ok := r.grace[player]; ok {
		t.Stop()
		delete(r.grace, player)
	}
	rec, ok := r.players[player]
	if !ok {
		rec = &record{
			playerID:    player,
			displayName: displayName,
			conns:       make(map[types.ConnectionID]types.Conn),
			room:        room,
			subzone:     subzone,
		}
		r.players[player] = rec
		r.names[strings.ToLower(displayName)] = player
		r.addToRoom(room, player)
		first = true
		metrics.PlayersOnline.Inc()
	} else if len(rec.conns) == 0 {
		// Reconnect within grace: presence survived, the room stands.
		room = rec.room
	}
	rec.conns[conn.ID()] = conn
	rec.lastSeen = time.Now()
	r.conns[conn.ID()] = player
	r.mu.Unlock()
	l.Unlock()

	metrics.ConnectionsOpen.Inc()
	logging.Info(ctx, "connection attached",
		zap.String("player_id", string(player)),
		zap.String("connection_id", string(conn.ID())),
		zap.Bool("first", first))

	if first {
		r.bus.Publish(ctx, events.NewFor(events.PlayerEntered{
			Player: player,
			Name:   displayName,
		}, player, room))
	}
}

// Detach removes a connection. When it was the player's last connection a
// grace timer starts; if it expires without a reconnect the presence record
// is removed and player_left is emitted.
func (r *Registry) Detach(ctx context.Context, connID types.ConnectionID, reason string) {
	r.mu.RLock()
	player, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	l := r.playerLock(player)
	l.Lock()

	r.mu.Lock()
	delete(r.conns, connID)
	rec, ok := r.players[player]
	var last bool
	if ok {
		delete(rec.conns, connID)
		rec.lastSeen = time.Now()
		last = len(rec.conns) == 0
	}
	if last {
		timer := time.AfterFunc(r.gracePeriod, func() {
			r.expireGrace(player, reason)
		})
		r.grace[player] = timer
	}
	r.mu.Unlock()
	l.Unlock()

	metrics.ConnectionsOpen.Dec()
	metrics.StaleConnectionsDetached.WithLabelValues(reason).Inc()
	logging.Info(ctx, "connection detached",
		zap.String("player_id", string(player)),
		zap.String("connection_id", string(connID)),
		zap.String("reason", reason),
		zap.Bool("last", last))
}

// expireGrace finalizes a disconnect after the grace window.
func (r *Registry) expireGrace(player types.PlayerID, reason string) {
	l := r.playerLock(player)
	l.Lock()

	r.mu.Lock()
	rec, ok := r.players[player]
	if !ok || len(rec.conns) > 0 {
		// Reconnected while the timer fired; nothing to do.
		delete(r.grace, player)
		r.mu.Unlock()
		l.Unlock()
		return
	}
	delete(r.grace, player)
	delete(r.players, player)
	delete(r.names, strings.ToLower(rec.displayName))
	r.removeFromRoom(rec.room, player)
	room := rec.room
	name := rec.displayName
	r.mu.Unlock()
	l.Unlock()

	metrics.PlayersOnline.Dec()
	r.bus.Publish(context.Background(), events.NewFor(events.PlayerLeft{
		Player: player,
		Name:   name,
		Reason: reason,
	}, player, room))
}

// Move updates the room index atomically and emits room_updated. The player
// is never observable in two room sets at once.
func (r *Registry) Move(ctx context.Context, player types.PlayerID, to types.RoomID, toSubzone types.SubzoneID) {
	l := r.playerLock(player)
	l.Lock()

	r.mu.Lock()
	rec, ok := r.players[player]
	if !ok {
		r.mu.Unlock()
		l.Unlock()
		return
	}
	from := rec.room
	r.removeFromRoom(from, player)
	r.addToRoom(to, player)
	rec.room = to
	rec.subzone = toSubzone
	name := rec.displayName
	r.mu.Unlock()
	l.Unlock()

	r.bus.Publish(ctx, events.NewFor(events.RoomUpdated{
		Player: player,
		Name:   name,
		From:   from,
		To:     to,
	}, player, to))
}

// --- PresenceReader ---

// LookupByPlayer returns the live connections for a player.
func (r *Registry) LookupByPlayer(id types.PlayerID) []types.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.players[id]
	if !ok {
		return nil
	}
	out := make([]types.Conn, 0, len(rec.conns))
	for _, c := range rec.conns {
		out = append(out, c)
	}
	return out
}

// RoomOccupants returns the players currently in a room.
func (r *Registry) RoomOccupants(room types.RoomID) []types.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[room]
	out := make([]types.PlayerID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// SubzoneOccupants returns players across every room of a subzone.
func (r *Registry) SubzoneOccupants(subzone types.SubzoneID) []types.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.PlayerID
	for _, rec := range r.players {
		if rec.subzone == subzone {
			out = append(out, rec.playerID)
		}
	}
	return out
}

// OnlinePlayers returns every player with a presence record.
func (r *Registry) OnlinePlayers() []types.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.PlayerID, 0, len(r.players))
	for p := range r.players {
		out = append(out, p)
	}
	return out
}

// ResolveName maps a display name to a player id, case-insensitively.
func (r *Registry) ResolveName(name string) (types.PlayerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[strings.ToLower(name)]
	return id, ok
}

// DisplayName returns a player's display name, or the id when offline.
func (r *Registry) DisplayName(id types.PlayerID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.players[id]; ok {
		return rec.displayName
	}
	return string(id)
}

// CurrentRoom returns the player's room.
func (r *Registry) CurrentRoom(id types.PlayerID) (types.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.players[id]
	if !ok {
		return "", false
	}
	return rec.room, true
}

// CurrentSubzone returns the player's subzone.
func (r *Registry) CurrentSubzone(id types.PlayerID) (types.SubzoneID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.players[id]
	if !ok {
		return "", false
	}
	return rec.subzone, true
}

// IterOnline returns a snapshot of every presence record.
func (r *Registry) IterOnline() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.players))
	for _, rec := range r.players {
		s := Snapshot{
			PlayerID:    rec.playerID,
			DisplayName: rec.displayName,
			Room:        rec.room,
			Subzone:     rec.subzone,
			LastSeen:    rec.lastSeen,
		}
		for id := range rec.conns {
			s.Connections = append(s.Connections, id)
		}
		out = append(out, s)
	}
	return out
}

// AllConns returns every live connection; used by the health monitor.
func (r *Registry) AllConns() []types.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Conn
	for _, rec := range r.players {
		for _, c := range rec.conns {
			out = append(out, c)
		}
	}
	return out
}

// --- Cleaner hooks ---

// SweepGhosts removes presence records that have no connections and no
// pending grace timer (e.g. a timer lost to a crash-restart of a subsystem).
// Returns the players removed.
func (r *Registry) SweepGhosts(ctx context.Context) []types.PlayerID {
	r.mu.Lock()
	var ghosts []*record
	for id, rec := range r.players {
		if len(rec.conns) == 0 {
			if _, pending := r.grace[id]; !pending {
				ghosts = append(ghosts, rec)
			}
		}
	}
	for _, rec := range ghosts {
		delete(r.players, rec.playerID)
		delete(r.names, strings.ToLower(rec.displayName))
		r.removeFromRoom(rec.room, rec.playerID)
	}
	r.mu.Unlock()

	out := make([]types.PlayerID, 0, len(ghosts))
	for _, rec := range ghosts {
		metrics.PlayersOnline.Dec()
		out = append(out, rec.playerID)
		r.bus.Publish(ctx, events.NewFor(events.PlayerLeft{
			Player: rec.playerID,
			Name:   rec.displayName,
			Reason: "ghost",
		}, rec.playerID, rec.room))
	}
	return out
}

// SweepOrphans removes room-index entries whose player has no presence
// record. Returns the number removed.
func (r *Registry) SweepOrphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for room, set := range r.rooms {
		for p := range set {
			if _, ok := r.players[p]; !ok {
				delete(set, p)
				removed++
			}
		}
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
	return removed
}

// SweepDeadConns detaches connections whose transport reports closed.
// Returns the connection ids detached.
func (r *Registry) SweepDeadConns(ctx context.Context) []types.ConnectionID {
	r.mu.RLock()
	var dead []types.ConnectionID
	for _, rec := range r.players {
		for id, c := range rec.conns {
			if !c.Alive() {
				dead = append(dead, id)
			}
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		r.Detach(ctx, id, "closed")
	}
	return dead
}

// must be called with mu held
func (r *Registry) addToRoom(room types.RoomID, player types.PlayerID) {
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[types.PlayerID]struct{})
		r.rooms[room] = set
	}
	set[player] = struct{}{}
}

// must be called with mu held
func (r *Registry) removeFromRoom(room types.RoomID, player types.PlayerID) {
	if set, ok := r.rooms[room]; ok {
		delete(set, player)
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
}
