package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_AllHandlersInvokedBeforeReturn(t *testing.T) {
	bus := NewBus()

	var invoked atomic.Int32
	for i := 0; i < 5; i++ {
		bus.Subscribe(TypeChatMessage, func(ctx context.Context, e Event) error {
			time.Sleep(5 * time.Millisecond)
			invoked.Add(1)
			return nil
		})
	}

	bus.Publish(context.Background(), New(ChatMessage{Body: "hi"}))

	// Publish must not return until every handler has completed.
	assert.Equal(t, int32(5), invoked.Load())
}

func TestPublish_HandlerErrorDoesNotStopSiblings(t *testing.T) {
	bus := NewBus()

	var ok atomic.Int32
	bus.Subscribe(TypeChatMessage, func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(TypeChatMessage, func(ctx context.Context, e Event) error {
		ok.Add(1)
		return nil
	})

	bus.Publish(context.Background(), New(ChatMessage{Body: "hi"}))
	assert.Equal(t, int32(1), ok.Load())
}

func TestPublish_HandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus()

	var ok atomic.Int32
	bus.Subscribe(TypeCombatEvent, func(ctx context.Context, e Event) error {
		panic("handler bug")
	})
	bus.Subscribe(TypeCombatEvent, func(ctx context.Context, e Event) error {
		ok.Add(1)
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), New(CombatEvent{Action: "slash"}))
	})
	assert.Equal(t, int32(1), ok.Load())
}

func TestPublish_WildcardReceivesEverything(t *testing.T) {
	bus := NewBus()

	var seen atomic.Int32
	bus.Subscribe(Wildcard, func(ctx context.Context, e Event) error {
		seen.Add(1)
		return nil
	})

	bus.Publish(context.Background(), New(ChatMessage{Body: "a"}))
	bus.Publish(context.Background(), New(Heartbeat{}))
	bus.Publish(context.Background(), New(SystemNotice{Message: "m"}))

	assert.Equal(t, int32(3), seen.Load())
}

func TestPublish_SequenceIsMonotonic(t *testing.T) {
	bus := NewBus()

	e1 := bus.Publish(context.Background(), New(Heartbeat{}))
	e2 := bus.Publish(context.Background(), New(Heartbeat{}))
	e3 := bus.Publish(context.Background(), New(Heartbeat{}))

	assert.Less(t, e1.Seq, e2.Seq)
	assert.Less(t, e2.Seq, e3.Seq)
}

func TestPublish_PreservesPresetSeq(t *testing.T) {
	bus := NewBus()

	e := New(Heartbeat{})
	e.Seq = 42
	out := bus.Publish(context.Background(), e)
	assert.Equal(t, uint64(42), out.Seq)
}

func TestPublish_OrderPreservedPerHandler(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []uint64
	bus.Subscribe(TypeGameTick, func(ctx context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Payload.(GameTick).Tick)
		mu.Unlock()
		return nil
	})

	for i := uint64(1); i <= 20; i++ {
		bus.Publish(context.Background(), New(GameTick{Tick: i}))
	}

	require.Len(t, got, 20)
	for i := uint64(1); i <= 20; i++ {
		assert.Equal(t, i, got[i-1])
	}
}

func TestPublish_HandlerTimeout(t *testing.T) {
	bus := NewBus(WithHandlerTimeout(20 * time.Millisecond))

	release := make(chan struct{})
	bus.Subscribe(TypeChatMessage, func(ctx context.Context, e Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	start := time.Now()
	bus.Publish(context.Background(), New(ChatMessage{Body: "slow"}))
	elapsed := time.Since(start)

	close(release)
	assert.Less(t, elapsed, 500*time.Millisecond, "publish must not block on a slow handler")
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	var n atomic.Int32
	sub := bus.Subscribe(TypeHeartbeat, func(ctx context.Context, e Event) error {
		n.Add(1)
		return nil
	})

	bus.Publish(context.Background(), New(Heartbeat{}))
	sub.Unsubscribe()
	bus.Publish(context.Background(), New(Heartbeat{}))

	assert.Equal(t, int32(1), n.Load())

	// Double unsubscribe is a no-op.
	assert.NotPanics(t, sub.Unsubscribe)
}

func TestCriticality(t *testing.T) {
	assert.True(t, TypePlayerHPUpdated.Critical())
	assert.True(t, TypeCombatEvent.Critical())
	assert.False(t, TypeHeartbeat.Critical())
	assert.True(t, TypeHeartbeat.Droppable())
	assert.True(t, TypeGameTick.Droppable())
	assert.False(t, TypeChatMessage.Droppable())
}
