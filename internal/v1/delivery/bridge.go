package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/broker"
	"github.com/arkhamlabs/mudcore/internal/v1/dlq"
	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/subjects"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// bridgedTypes is the set of bus events the bridge delivers. Chat events are
// excluded: the chat router fans those out itself when it publishes them.
var bridgedTypes = []events.Type{
	events.TypePlayerEntered,
	events.TypePlayerLeft,
	events.TypeRoomUpdated,
	events.TypeCombatEvent,
	events.TypeNPCEvent,
	events.TypePlayerHPUpdated,
	events.TypeGameTick,
}

// Bridge subscribes presence lifecycle and game events on the in-process bus
// and carries them into delivery: local fanout to the connections the event
// concerns, plus broker publication so other nodes can fan out too.
type Bridge struct {
	bus    *events.Bus
	broker types.Broker
	dlq    *dlq.Queue
	bcast  *Broadcaster
	retry  broker.Policy
	nodeID string

	subs []*events.Subscription
	wg   sync.WaitGroup
}

// NewBridge wires a bridge. nodeID is stamped as Origin on every event it
// publishes so the forwarder can skip broker echoes.
func NewBridge(bus *events.Bus, brk types.Broker, dead *dlq.Queue, bcast *Broadcaster, retry broker.Policy, nodeID string) *Bridge {
	return &Bridge{
		bus:    bus,
		broker: brk,
		dlq:    dead,
		bcast:  bcast,
		retry:  retry,
		nodeID: nodeID,
	}
}

// Start registers the bus subscriptions.
func (b *Bridge) Start() {
	for _, t := range bridgedTypes {
		b.subs = append(b.subs, b.bus.Subscribe(t, b.handle))
	}
	logging.Info(context.Background(), "delivery bridge started",
		zap.Int("event_types", len(bridgedTypes)), zap.String("node_id", b.nodeID))
}

// Close unsubscribes and waits for in-flight broker publishes to settle.
func (b *Bridge) Close() {
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	b.subs = nil
	b.wg.Wait()
}

// handle routes one bus event to its audience.
func (b *Bridge) handle(ctx context.Context, e events.Event) error {
	// Remote events reach local players through the forwarder; the bus only
	// carries this node's own events.
	if e.Origin != "" && e.Origin != b.nodeID {
		return nil
	}
	e.Origin = b.nodeID

	switch e.Type {
	case events.TypePlayerEntered, events.TypePlayerLeft:
		b.bcast.ToRoom(ctx, e, e.PlayerID)
		b.publish(ctx, subjects.KindRoomEvents, string(e.RoomID), e)

	case events.TypeRoomUpdated:
		b.bcast.ToRoom(ctx, e, e.PlayerID)
		b.publish(ctx, subjects.KindRoomEvents, string(e.RoomID), e)
		// The room left behind sees the departure too.
		if ru, ok := e.Payload.(events.RoomUpdated); ok && ru.From != "" && ru.From != ru.To {
			departed := e
			departed.RoomID = ru.From
			b.bcast.ToRoom(ctx, departed, e.PlayerID)
			b.publish(ctx, subjects.KindRoomEvents, string(ru.From), departed)
		}

	case events.TypeCombatEvent:
		b.bcast.ToRoom(ctx, e, "")
		b.publish(ctx, subjects.KindCombat, string(e.RoomID), e)

	case events.TypeNPCEvent:
		b.bcast.ToRoom(ctx, e, "")
		b.publish(ctx, subjects.KindRoomEvents, string(e.RoomID), e)

	case events.TypePlayerHPUpdated:
		// Personal state; never leaves this node over a room subject.
		b.bcast.ToPlayer(ctx, e, e.PlayerID)

	case events.TypeGameTick:
		b.bcast.ToGlobal(ctx, e, "")
	}
	return nil
}

// publish ships the event to the broker with retry; exhausted publishes are
// dead-lettered so remote nodes can catch up on redelivery.
func (b *Bridge) publish(ctx context.Context, kind subjects.Kind, param string, e events.Event) {
	if param == "" {
		return
	}
	subject, err := subjects.Build(kind, param)
	if err != nil {
		logging.Error(ctx, "subject build failed",
			zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	raw, err := events.Encode(e)
	if err != nil {
		logging.Error(ctx, "event encode failed", zap.String("subject", subject), zap.Error(err))
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		pubCtx := context.Background()
		attempts := 0
		err := broker.Retry(pubCtx, b.retry, func(ctx context.Context) error {
			attempts++
			return b.broker.Publish(ctx, subject, raw)
		})
		if err == nil {
			return
		}
		logging.Warn(pubCtx, "broker publish dead-lettered",
			zap.String("subject", subject),
			zap.Int("attempts", attempts),
			zap.Error(err))
		b.dlq.Enqueue(dlq.Record{
			Subject:      subject,
			Payload:      raw,
			LastError:    err.Error(),
			AttemptCount: attempts,
		})
	}()
}
