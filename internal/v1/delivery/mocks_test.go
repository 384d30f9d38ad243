package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// mockConn records delivered frames and can simulate failure modes.
type mockConn struct {
	id     types.ConnectionID
	player types.PlayerID
	seq    atomic.Uint64

	failWith error

	mu     sync.Mutex
	frames [][]byte
}

func newMockConn(id string, player types.PlayerID) *mockConn {
	return &mockConn{id: types.ConnectionID(id), player: player}
}

func (m *mockConn) ID() types.ConnectionID { return m.id }
func (m *mockConn) Player() types.PlayerID { return m.player }
func (m *mockConn) NextSeq() uint64        { return m.seq.Add(1) }
func (m *mockConn) LastPong() time.Time    { return time.Now() }
func (m *mockConn) Alive() bool            { return true }
func (m *mockConn) Close(int, string)      {}

func (m *mockConn) Send(frame []byte, critical bool, timeout time.Duration) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockConn) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// fakePresence is a static presence view.
type fakePresence struct {
	conns    map[types.PlayerID][]types.Conn
	rooms    map[types.RoomID][]types.PlayerID
	subzones map[types.SubzoneID][]types.PlayerID
	names    map[string]types.PlayerID
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		conns:    make(map[types.PlayerID][]types.Conn),
		rooms:    make(map[types.RoomID][]types.PlayerID),
		subzones: make(map[types.SubzoneID][]types.PlayerID),
		names:    make(map[string]types.PlayerID),
	}
}

func (f *fakePresence) add(conn *mockConn, room types.RoomID, subzone types.SubzoneID) {
	f.conns[conn.player] = append(f.conns[conn.player], conn)
	f.rooms[room] = append(f.rooms[room], conn.player)
	f.subzones[subzone] = append(f.subzones[subzone], conn.player)
}

func (f *fakePresence) LookupByPlayer(id types.PlayerID) []types.Conn { return f.conns[id] }
func (f *fakePresence) RoomOccupants(r types.RoomID) []types.PlayerID { return f.rooms[r] }
func (f *fakePresence) SubzoneOccupants(s types.SubzoneID) []types.PlayerID {
	return f.subzones[s]
}

func (f *fakePresence) OnlinePlayers() []types.PlayerID {
	var out []types.PlayerID
	for p := range f.conns {
		out = append(out, p)
	}
	return out
}

func (f *fakePresence) ResolveName(name string) (types.PlayerID, bool) {
	id, ok := f.names[name]
	return id, ok
}

func (f *fakePresence) DisplayName(id types.PlayerID) string { return string(id) }

func (f *fakePresence) CurrentRoom(id types.PlayerID) (types.RoomID, bool) {
	for room, players := range f.rooms {
		for _, p := range players {
			if p == id {
				return room, true
			}
		}
	}
	return "", false
}

func (f *fakePresence) CurrentSubzone(id types.PlayerID) (types.SubzoneID, bool) {
	for subzone, players := range f.subzones {
		for _, p := range players {
			if p == id {
				return subzone, true
			}
		}
	}
	return "", false
}

// fakeMutes holds static mute pairs.
type fakeMutes struct {
	mu       sync.Mutex
	players  map[types.PlayerID]map[types.PlayerID]bool
	channels map[types.PlayerID]map[types.ChannelID]bool
	batches  [][]types.PlayerID
}

func newFakeMutes() *fakeMutes {
	return &fakeMutes{
		players:  make(map[types.PlayerID]map[types.PlayerID]bool),
		channels: make(map[types.PlayerID]map[types.ChannelID]bool),
	}
}

func (f *fakeMutes) mute(receiver, sender types.PlayerID) {
	if f.players[receiver] == nil {
		f.players[receiver] = make(map[types.PlayerID]bool)
	}
	f.players[receiver][sender] = true
}

func (f *fakeMutes) muteChannel(receiver types.PlayerID, channel types.ChannelID) {
	if f.channels[receiver] == nil {
		f.channels[receiver] = make(map[types.ChannelID]bool)
	}
	f.channels[receiver][channel] = true
}

func (f *fakeMutes) IsMuted(_ context.Context, receiver, sender types.PlayerID) bool {
	return f.players[receiver][sender]
}

func (f *fakeMutes) ChannelMuted(_ context.Context, receiver types.PlayerID, channel types.ChannelID) bool {
	return f.channels[receiver][channel]
}

func (f *fakeMutes) LoadBatch(_ context.Context, players []types.PlayerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, players)
}

// fakeBroker captures subscriptions and publishes and lets tests inject
// messages.
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]func(subject string, data []byte)
	published map[string][][]byte
	failWith  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:  make(map[string]func(string, []byte)),
		published: make(map[string][][]byte),
	}
}

func (f *fakeBroker) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeBroker) publishCount(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[subject])
}

func (f *fakeBroker) lastPublished(subject string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := f.published[subject]
	if len(raw) == 0 {
		return nil
	}
	return raw[len(raw)-1]
}

func (f *fakeBroker) Subscribe(subject string, handler func(string, []byte)) (types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = handler
	return fakeSub{}, nil
}

func (f *fakeBroker) QueueSubscribe(subject, _ string, handler func(string, []byte)) (types.Subscription, error) {
	return f.Subscribe(subject, handler)
}

func (f *fakeBroker) IsHealthy() bool { return true }

// inject delivers data on the first subscription pattern matching subject.
func (f *fakeBroker) inject(subject string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, handler := range f.handlers {
		if matchPattern(pattern, subject) {
			handler(subject, data)
			return true
		}
	}
	return false
}

func matchPattern(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if len(pattern) > 1 && pattern[len(pattern)-1] == '>' {
		prefix := pattern[:len(pattern)-1]
		return len(subject) > len(prefix) && subject[:len(prefix)] == prefix
	}
	return false
}

type fakeSub struct{}

func (fakeSub) Unsubscribe() error { return nil }
