package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime core.
//
// Naming convention: namespace_subsystem_name
// - namespace: mudcore
// - subsystem: connection, event, delivery, broker, dlq, mute
//
// Gauges report current state, counters cumulative events, histograms
// latency and size distributions.

var (
	// ConnectionsOpen tracks the current number of live WebSocket connections.
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudcore",
		Subsystem: "connection",
		Name:      "open",
		Help:      "Current number of open WebSocket connections",
	})

	// PlayersOnline tracks the current number of presence records.
	PlayersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudcore",
		Subsystem: "connection",
		Name:      "players_online",
		Help:      "Current number of online players",
	})

	// EventsPublished counts domain events published on the in-process bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "event",
		Name:      "published_total",
		Help:      "Domain events published, by event type",
	}, []string{"event_type"})

	// HandlerErrors counts event-bus handler failures; never propagated.
	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "event",
		Name:      "handler_errors_total",
		Help:      "Event bus handler errors, by event type",
	}, []string{"event_type"})

	// BroadcastFanout observes the recipient count of each broadcast call.
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mudcore",
		Subsystem: "delivery",
		Name:      "broadcast_fanout",
		Help:      "Recipients per broadcast call",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	// DeliveryLatency observes per-recipient delivery time.
	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mudcore",
		Subsystem: "delivery",
		Name:      "latency_seconds",
		Help:      "Time from send call to outbound enqueue",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	// FramesDropped counts frames shed under backpressure, by reason.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "delivery",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped, by reason (queue_full, offline, translate_drop, oversize)",
	}, []string{"reason"})

	// OutboundQueueDepth tracks the aggregate depth of outbound queues.
	OutboundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudcore",
		Subsystem: "delivery",
		Name:      "outbound_queue_depth",
		Help:      "Sum of queued outbound frames across connections",
	})

	// BrokerPublished counts broker publishes by result.
	BrokerPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "broker",
		Name:      "published_total",
		Help:      "Broker publishes, by status (ok, error, rejected)",
	}, []string{"status"})

	// BrokerReconnects counts broker reconnect attempts.
	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "broker",
		Name:      "reconnects_total",
		Help:      "Broker reconnect attempts",
	})

	// CircuitBreakerState reports breaker state per dependency
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mudcore",
		Subsystem: "broker",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerRejects counts calls rejected by an open breaker.
	CircuitBreakerRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "broker",
		Name:      "circuit_breaker_rejects_total",
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"dependency"})

	// DLQSize tracks the number of records currently held in the dead-letter
	// queue.
	DLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudcore",
		Subsystem: "dlq",
		Name:      "size",
		Help:      "Dead-letter records held",
	})

	// DLQDropped counts records lost because the DLQ itself failed.
	DLQDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "dlq",
		Name:      "dropped_total",
		Help:      "Records dropped due to DLQ write failure or overflow",
	})

	// MuteCacheHits and MuteCacheMisses track mute cache effectiveness.
	MuteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "mute",
		Name:      "cache_hits_total",
		Help:      "Mute cache hits",
	})

	MuteCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "mute",
		Name:      "cache_misses_total",
		Help:      "Mute cache misses",
	})

	// RateLimitDenied counts publishes denied by the rate limiter.
	RateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "delivery",
		Name:      "rate_limit_denied_total",
		Help:      "Chat publishes denied by the rate limiter, by channel",
	}, []string{"channel"})

	// PongLatency observes the ping round-trip time per connection.
	PongLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mudcore",
		Subsystem: "connection",
		Name:      "pong_latency_seconds",
		Help:      "Time between a ping and the answering pong",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// StaleConnectionsDetached counts health-monitor detaches.
	StaleConnectionsDetached = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudcore",
		Subsystem: "connection",
		Name:      "detached_total",
		Help:      "Connections detached, by reason (stale, auth_revoked, backpressure, closed)",
	}, []string{"reason"})
)
