// Package broker wraps the external pub/sub broker. The client owns all
// subscriptions, tracks connection state, and guards every publish behind a
// circuit breaker so a broker outage cannot cascade into the delivery path.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/subjects"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// State is the broker client lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config carries the broker tunables from the configuration record.
type Config struct {
	URL              string
	TLSEnabled       bool
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold uint32
	OpenDuration     time.Duration
	Registry         subjects.Registry
}

// Client is the broker client. It satisfies types.Broker.
type Client struct {
	conn   *nats.Conn
	cb     *gobreaker.CircuitBreaker
	cfg    Config
	tracer trace.Tracer

	state    atomic.Int32
	healthy  atomic.Bool
	lastSeen atomic.Int64 // unix millis of last successful health probe
	missed   atomic.Int32

	done chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

const healthStrikes = 3

// Connect establishes the broker session. Idempotent at the process level:
// the composition root calls it once and shares the client.
func Connect(cfg Config) (*Client, error) {
	if cfg.TLSEnabled && strings.HasPrefix(cfg.URL, "nats://") {
		return nil, fmt.Errorf("broker TLS enabled but URL %q is plaintext", cfg.URL)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}

	c := &Client{cfg: cfg, tracer: otel.Tracer("mudcore/broker"), done: make(chan struct{})}
	c.state.Store(int32(StateConnecting))

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "circuit breaker state change",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(250*time.Millisecond, time.Second),
		nats.PingInterval(cfg.HealthInterval),
		nats.Timeout(cfg.HealthTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.state.Store(int32(StateReconnecting))
			c.healthy.Store(false)
			logging.Warn(context.Background(), "broker disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.state.Store(int32(StateConnected))
			c.healthy.Store(true)
			c.missed.Store(0)
			metrics.BrokerReconnects.Inc()
			logging.Info(context.Background(), "broker reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logging.Error(context.Background(), "broker async error",
				zap.String("subject", subject), zap.Error(err))
		}),
	}
	if cfg.TLSEnabled {
		opts = append(opts, nats.Secure())
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return nil, fmt.Errorf("%w: connect %s: %v", types.ErrBrokerUnavailable, cfg.URL, err)
	}

	c.conn = conn
	c.state.Store(int32(StateConnected))
	c.healthy.Store(true)
	c.lastSeen.Store(time.Now().UnixMilli())

	c.wg.Add(1)
	go c.healthLoop()

	logging.Info(context.Background(), "broker connected", zap.String("url", cfg.URL))
	return c, nil
}

// Publish enqueues data on subject. It returns once the message is handed to
// the broker connection's local buffer; the broker-side flush is
// asynchronous, so the caller's scheduling context is never held across the
// wire.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	ctx, span := c.tracer.Start(ctx, "broker.publish",
		trace.WithAttributes(
			attribute.String("subject", subject),
			attribute.Int("bytes", len(data)),
		))
	defer span.End()

	if State(c.state.Load()) == StateClosed {
		return fmt.Errorf("%w: client closed", types.ErrBrokerUnavailable)
	}
	if err := c.cfg.Registry.CheckPublish(ctx, subject); err != nil {
		metrics.BrokerPublished.WithLabelValues("rejected").Inc()
		return err
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.conn.Publish(subject, data)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerRejects.WithLabelValues("broker").Inc()
			metrics.BrokerPublished.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: broker publish", types.ErrCircuitOpen)
		}
		metrics.BrokerPublished.WithLabelValues("error").Inc()
		return types.Retryable(fmt.Errorf("%w: publish %s: %v", types.ErrBrokerUnavailable, subject, err))
	}
	metrics.BrokerPublished.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe registers handler for subject (wildcards allowed). Messages for
// one subscription are dispatched on a single goroutine in broker order.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (types.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", types.ErrBrokerUnavailable, subject, err)
	}
	c.track(sub)
	logging.Info(context.Background(), "broker subscription added", zap.String("subject", subject))
	return &subscription{sub: sub}, nil
}

// QueueSubscribe registers handler in a queue group so only one member of
// the group receives each message.
func (c *Client) QueueSubscribe(subject, group string, handler func(subject string, data []byte)) (types.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, group, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: queue subscribe %s: %v", types.ErrBrokerUnavailable, subject, err)
	}
	c.track(sub)
	return &subscription{sub: sub}, nil
}

// IsHealthy returns the health monitor's current view.
func (c *Client) IsHealthy() bool {
	return c.healthy.Load()
}

// CurrentState reports the lifecycle state for readiness checks.
func (c *Client) CurrentState() State {
	return State(c.state.Load())
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateClosed)) {
		c.state.Store(int32(StateClosed))
	}
	close(c.done)
	c.wg.Wait()

	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()

	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
	}
	logging.Info(context.Background(), "broker client closed")
}

func (c *Client) track(sub *nats.Subscription) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

// healthLoop pings the broker every HealthInterval. Three consecutive
// failures, or a last-seen timestamp older than twice the interval, mark the
// client unhealthy; the nats reconnect machinery then works with the breaker
// to restore service.
func (c *Client) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.FlushTimeout(c.cfg.HealthTimeout); err != nil {
				n := c.missed.Add(1)
				logging.Warn(context.Background(), "broker health probe failed",
					zap.Error(err), zap.Int32("consecutive", n))
				if n >= healthStrikes || c.stale() {
					if c.healthy.CompareAndSwap(true, false) {
						c.state.Store(int32(StateDegraded))
						logging.Error(context.Background(), "broker marked unhealthy")
					}
				}
				continue
			}
			c.missed.Store(0)
			c.lastSeen.Store(time.Now().UnixMilli())
			if c.healthy.CompareAndSwap(false, true) {
				c.state.Store(int32(StateConnected))
				logging.Info(context.Background(), "broker healthy again")
			}
		}
	}
}

func (c *Client) stale() bool {
	last := time.UnixMilli(c.lastSeen.Load())
	return time.Since(last) > 2*c.cfg.HealthInterval
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
