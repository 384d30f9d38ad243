package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"go.uber.org/zap"
)

// Handler consumes one event. Returned errors are logged and counted but
// never propagated to the publisher.
type Handler func(ctx context.Context, e Event) error

// Bus is the in-process publish/subscribe fabric for domain events.
//
// Handlers registered for a single event run concurrently, and Publish does
// not return until every handler has finished (or timed out, when a handler
// timeout is configured). Because Publish is synchronous in that sense,
// sequential publishes from one publisher reach any given handler in publish
// order.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Type][]*busSub
	nextID   uint64
	seq      atomic.Uint64
	timeout  time.Duration // per-handler dispatch timeout; 0 means unlimited
	handlers atomic.Int64  // live dispatch count, exposed for introspection
}

type busSub struct {
	id      uint64
	tag     Type
	handler Handler
}

// Subscription unregisters a bus handler when no longer needed.
type Subscription struct {
	bus *Bus
	sub *busSub
}

// Option configures a Bus.
type Option func(*Bus)

// WithHandlerTimeout caps how long Publish waits for any single handler.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// NewBus creates an empty event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{subs: make(map[Type][]*busSub)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type, or for every event when
// tag is Wildcard.
func (b *Bus) Subscribe(tag Type, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &busSub{id: b.nextID, tag: tag, handler: h}
	b.subs[tag] = append(b.subs[tag], s)
	return &Subscription{bus: b, sub: s}
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.sub.tag]
	for i, cand := range list {
		if cand.id == s.sub.id {
			b.subs[s.sub.tag] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// NextSeq allocates the next global sequence number without publishing.
// Used by publishers that stamp events before handing them to the broker.
func (b *Bus) NextSeq() uint64 {
	return b.seq.Add(1)
}

// Publish stamps the event and dispatches it to all matching handlers
// concurrently. It returns after every handler outcome is known, so
// publishers can rely on propagation having completed. Handler errors and
// panics are isolated: they are logged with event context and counted, and
// never prevent sibling handlers from running.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	if e.Seq == 0 {
		e.Seq = b.seq.Add(1)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()

	b.mu.RLock()
	targets := make([]*busSub, 0, len(b.subs[e.Type])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[e.Type]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.mu.RUnlock()

	if len(targets) == 0 {
		return e
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(s *busSub) {
			defer wg.Done()
			b.dispatch(ctx, s, e)
		}(t)
	}
	wg.Wait()
	return e
}

// dispatch runs one handler with panic isolation and the optional timeout.
func (b *Bus) dispatch(ctx context.Context, s *busSub, e Event) {
	b.handlers.Add(1)
	defer b.handlers.Add(-1)

	run := func(hctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logging.Error(hctx, "event handler panicked",
					zap.String("event_type", string(e.Type)),
					zap.Uint64("seq", e.Seq),
					zap.Any("panic", r))
				metrics.HandlerErrors.WithLabelValues(string(e.Type)).Inc()
			}
		}()
		return s.handler(hctx, e)
	}

	if b.timeout <= 0 {
		if err := run(ctx); err != nil {
			logging.Error(ctx, "event handler failed",
				zap.String("event_type", string(e.Type)),
				zap.Uint64("seq", e.Seq),
				zap.Error(err))
			metrics.HandlerErrors.WithLabelValues(string(e.Type)).Inc()
		}
		return
	}

	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(hctx) }()

	select {
	case err := <-done:
		if err != nil {
			logging.Error(hctx, "event handler failed",
				zap.String("event_type", string(e.Type)),
				zap.Uint64("seq", e.Seq),
				zap.Error(err))
			metrics.HandlerErrors.WithLabelValues(string(e.Type)).Inc()
		}
	case <-hctx.Done():
		logging.Warn(hctx, "event handler timed out",
			zap.String("event_type", string(e.Type)),
			zap.Uint64("seq", e.Seq),
			zap.Duration("timeout", b.timeout))
		metrics.HandlerErrors.WithLabelValues(string(e.Type)).Inc()
	}
}

// InFlight reports the number of handler dispatches currently running.
func (b *Bus) InFlight() int64 {
	return b.handlers.Load()
}
