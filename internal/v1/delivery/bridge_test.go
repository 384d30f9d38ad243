package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkhamlabs/mudcore/internal/v1/broker"
	"github.com/arkhamlabs/mudcore/internal/v1/dlq"
	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

type bridgeFixture struct {
	bus      *events.Bus
	bridge   *Bridge
	presence *fakePresence
	broker   *fakeBroker
	dead     *dlq.Queue
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	q, err := dlq.Open(filepath.Join(t.TempDir(), "dlq.jsonl"))
	require.NoError(t, err)
	t.Cleanup(q.Close)

	presence := newFakePresence()
	brk := newFakeBroker()
	bus := events.NewBus()
	bcast := NewBroadcaster(presence, newFakeMutes(), NewSender(time.Second), 4)

	retry := broker.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	bridge := NewBridge(bus, brk, q, bcast, retry, "node-a")
	bridge.Start()
	t.Cleanup(bridge.Close)

	return &bridgeFixture{bus: bus, bridge: bridge, presence: presence, broker: brk, dead: q}
}

func TestBridge_PlayerLeftReachesRoomAndBroker(t *testing.T) {
	fx := newBridgeFixture(t)
	bob := newMockConn("c1", "bob")
	fx.presence.add(bob, "arkham.001", "arkham")

	fx.bus.Publish(context.Background(), events.NewFor(events.PlayerLeft{
		Player: "alice", Name: "Alice", Reason: "quit",
	}, "alice", "arkham.001"))

	require.Len(t, bob.sent(), 1)
	var env frameEnvelope
	require.NoError(t, json.Unmarshal(bob.sent()[0], &env))
	assert.Equal(t, "player_left", env.EventType)

	fx.bridge.Close()
	require.Equal(t, 1, fx.broker.publishCount("events.room.arkham.001"))
	remote, err := events.Decode(fx.broker.lastPublished("events.room.arkham.001"))
	require.NoError(t, err)
	assert.Equal(t, "node-a", remote.Origin)
	assert.NotZero(t, remote.Seq)
}

func TestBridge_PlayerEnteredExcludesTheEntrant(t *testing.T) {
	fx := newBridgeFixture(t)
	alice := newMockConn("c1", "alice")
	bob := newMockConn("c2", "bob")
	fx.presence.add(alice, "arkham.001", "arkham")
	fx.presence.add(bob, "arkham.001", "arkham")

	fx.bus.Publish(context.Background(), events.NewFor(events.PlayerEntered{
		Player: "alice", Name: "Alice",
	}, "alice", "arkham.001"))

	assert.Len(t, bob.sent(), 1)
	assert.Empty(t, alice.sent())
}

func TestBridge_MoveNotifiesBothRooms(t *testing.T) {
	fx := newBridgeFixture(t)
	bob := newMockConn("c1", "bob")
	carol := newMockConn("c2", "carol")
	fx.presence.add(bob, "arkham.001", "arkham")
	fx.presence.add(carol, "dunwich.001", "dunwich")

	e := events.NewFor(events.RoomUpdated{
		Player: "alice", Name: "Alice", From: "arkham.001", To: "dunwich.001",
	}, "alice", "dunwich.001")
	fx.bus.Publish(context.Background(), e)

	assert.Len(t, bob.sent(), 1, "departed room sees the move")
	assert.Len(t, carol.sent(), 1, "destination room sees the move")

	fx.bridge.Close()
	assert.Equal(t, 1, fx.broker.publishCount("events.room.arkham.001"))
	assert.Equal(t, 1, fx.broker.publishCount("events.room.dunwich.001"))
}

func TestBridge_CombatFansToWholeRoom(t *testing.T) {
	fx := newBridgeFixture(t)
	alice := newMockConn("c1", "alice")
	bob := newMockConn("c2", "bob")
	fx.presence.add(alice, "arkham.001", "arkham")
	fx.presence.add(bob, "arkham.001", "arkham")

	fx.bus.Publish(context.Background(), events.NewFor(events.CombatEvent{
		Actor: "alice", ActorName: "Alice", Target: "bob", Action: "slash", Damage: 3, Roll: 15,
	}, "alice", "arkham.001"))

	// The actor sees their own result too.
	assert.Len(t, alice.sent(), 1)
	assert.Len(t, bob.sent(), 1)

	fx.bridge.Close()
	assert.Equal(t, 1, fx.broker.publishCount("combat.arkham.001"))
}

func TestBridge_HPUpdateStaysWithThePlayer(t *testing.T) {
	fx := newBridgeFixture(t)
	alice := newMockConn("c1", "alice")
	bob := newMockConn("c2", "bob")
	fx.presence.add(alice, "arkham.001", "arkham")
	fx.presence.add(bob, "arkham.001", "arkham")

	fx.bus.Publish(context.Background(), events.NewFor(events.PlayerHPUpdated{
		Player: "alice", HP: 4, MaxHP: 20,
	}, "alice", "arkham.001"))

	assert.Len(t, alice.sent(), 1)
	assert.Empty(t, bob.sent())

	fx.bridge.Close()
	assert.Zero(t, fx.broker.publishCount("events.room.arkham.001"))
}

func TestBridge_RemoteOriginIgnored(t *testing.T) {
	fx := newBridgeFixture(t)
	bob := newMockConn("c1", "bob")
	fx.presence.add(bob, "arkham.001", "arkham")

	e := events.NewFor(events.PlayerLeft{Player: "alice", Name: "Alice"}, "alice", "arkham.001")
	e.Origin = "node-b"
	fx.bus.Publish(context.Background(), e)

	fx.bridge.Close()
	assert.Empty(t, bob.sent())
	assert.Zero(t, fx.broker.publishCount("events.room.arkham.001"))
}

func TestBridge_PublishFailureDeadLetters(t *testing.T) {
	fx := newBridgeFixture(t)
	fx.broker.failWith = types.Retryable(errors.New("broker down"))

	fx.bus.Publish(context.Background(), events.NewFor(events.PlayerLeft{
		Player: "alice", Name: "Alice",
	}, "alice", "arkham.001"))

	fx.bridge.Close()
	require.Eventually(t, func() bool {
		return fx.dead.Size() == 1
	}, 2*time.Second, 5*time.Millisecond)
}
