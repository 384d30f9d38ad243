package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/dlq"
	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/subjects"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// forwarderSubjects is what this node listens to on the broker: all chat,
// all combat, and all room event traffic.
var forwarderSubjects = []string{"chat.>", "combat.>", "events.room.>"}

const defaultInboundBuffer = 1024

// criticalEnqueueWait bounds how long a combat message may hold the broker's
// callback goroutine when the critical lane is full.
const criticalEnqueueWait = 250 * time.Millisecond

type inboundMsg struct {
	subject string
	data    []byte
}

// Forwarder bridges the broker into local delivery. Broker messages are
// decoded, filtered for origin, and fanned out to the local connections the
// subject addresses. Malformed messages go to the dead letter queue instead
// of poisoning the stream.
type Forwarder struct {
	broker types.Broker
	dlq    *dlq.Queue
	bcast  *Broadcaster
	nodeID string

	inbound  chan inboundMsg
	critical chan inboundMsg
	done     chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	subs []types.Subscription
}

// NewForwarder wires a forwarder. nodeID must match the Origin this node
// stamps on its own publishes so cross-broker echoes are skipped.
func NewForwarder(broker types.Broker, dead *dlq.Queue, bcast *Broadcaster, nodeID string, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = defaultInboundBuffer
	}
	return &Forwarder{
		broker:   broker,
		dlq:      dead,
		bcast:    bcast,
		nodeID:   nodeID,
		inbound:  make(chan inboundMsg, buffer),
		critical: make(chan inboundMsg, buffer),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the broker and launches the dispatch worker.
func (f *Forwarder) Start() error {
	for _, subject := range forwarderSubjects {
		sub, err := f.broker.Subscribe(subject, f.enqueue)
		if err != nil {
			f.stopSubs()
			return err
		}
		f.mu.Lock()
		f.subs = append(f.subs, sub)
		f.mu.Unlock()
	}

	f.wg.Add(1)
	go f.dispatchLoop()
	logging.Info(context.Background(), "forwarder started",
		zap.Strings("subjects", forwarderSubjects), zap.String("node_id", f.nodeID))
	return nil
}

// Stop unsubscribes and drains the worker.
func (f *Forwarder) Stop() {
	f.stopSubs()
	close(f.done)
	f.wg.Wait()
}

func (f *Forwarder) stopSubs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
}

// enqueue hands a broker message to the dispatch worker. Combat traffic is
// critical: it goes to its own lane and blocks the broker callback briefly
// rather than be shed. Everything else never blocks; on overflow the oldest
// buffered message is shed.
func (f *Forwarder) enqueue(subject string, data []byte) {
	msg := inboundMsg{subject: subject, data: data}

	if criticalSubject(subject) {
		timer := time.NewTimer(criticalEnqueueWait)
		defer timer.Stop()
		select {
		case f.critical <- msg:
		case <-timer.C:
			metrics.FramesDropped.WithLabelValues("inbound_critical_timeout").Inc()
			logging.Warn(context.Background(), "critical broker message dropped after wait",
				zap.String("subject", subject))
		case <-f.done:
		}
		return
	}

	for {
		select {
		case f.inbound <- msg:
			return
		default:
		}
		select {
		case <-f.inbound:
			metrics.FramesDropped.WithLabelValues("inbound_overflow").Inc()
		default:
		}
	}
}

// criticalSubject reports whether a subject carries traffic that must not be
// shed under inbound pressure.
func criticalSubject(subject string) bool {
	return strings.HasPrefix(subject, "combat.")
}

func (f *Forwarder) dispatchLoop() {
	defer f.wg.Done()
	for {
		// Drain the critical lane first.
		select {
		case <-f.done:
			return
		case msg := <-f.critical:
			f.dispatch(context.Background(), msg)
			continue
		default:
		}
		select {
		case <-f.done:
			return
		case msg := <-f.critical:
			f.dispatch(context.Background(), msg)
		case msg := <-f.inbound:
			f.dispatch(context.Background(), msg)
		}
	}
}

// dispatch decodes and routes one broker message.
func (f *Forwarder) dispatch(ctx context.Context, msg inboundMsg) {
	e, err := events.Decode(msg.data)
	if err != nil {
		logging.Warn(ctx, "malformed broker message dead-lettered",
			zap.String("subject", msg.subject), zap.Error(err))
		f.dlq.Enqueue(dlq.Record{
			Subject:   msg.subject,
			Payload:   msg.data,
			LastError: err.Error(),
		})
		return
	}

	// This node's own publishes already went out through the local bus;
	// delivering the broker echo would double every message.
	if e.Origin != "" && e.Origin == f.nodeID {
		return
	}

	kind, param, err := subjects.Parse(msg.subject)
	if err != nil {
		logging.Warn(ctx, "broker message on unroutable subject",
			zap.String("subject", msg.subject), zap.Error(err))
		return
	}

	switch kind {
	case subjects.KindChatSay, subjects.KindCombat, subjects.KindRoomEvents:
		if e.RoomID == "" {
			e.RoomID = types.RoomID(param)
		}
		f.bcast.ToRoom(ctx, e, "")
	case subjects.KindChatLocal:
		f.bcast.ToSubzone(ctx, e, types.SubzoneID(param), "")
	case subjects.KindChatGlobal, subjects.KindChatSystem:
		f.bcast.ToGlobal(ctx, e, "")
	case subjects.KindChatWhisper:
		f.bcast.ToPlayer(ctx, e, types.PlayerID(param))
	}
}
