// Package transport owns the websocket layer: the per-connection read and
// write pumps, the bounded outbound queue, and the health monitor that
// detaches stale sessions.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// wsConn is the subset of *websocket.Conn the connection uses; tests swap in
// a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// connState is the connection lifecycle. Transitions only move forward.
type connState int32

const (
	stateActive connState = iota
	stateDraining
	stateClosed
)

// maxInboundFrame caps client command frames. Oversized frames close the
// connection with a policy violation.
const maxInboundFrame = 10 * 1024

const (
	writeWait = 10 * time.Second
	drainWait = 2 * time.Second
	closeAck  = time.Second
)

// Command is one inbound client frame.
type Command struct {
	Name      string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// CommandHandler routes inbound commands; the chat router implements it.
type CommandHandler interface {
	HandleCommand(ctx context.Context, conn *Connection, cmd Command)
}

// Options carries the per-connection tunables from the configuration record.
type Options struct {
	QueueSize    int
	PingInterval time.Duration
	PongWait     time.Duration
}

type closeRequest struct {
	code   int
	reason string
}

// outFrame is one queued outbound frame. The critical flag survives into the
// queue so eviction under backpressure never sheds a critical frame.
type outFrame struct {
	data     []byte
	critical bool
}

// Connection is one live websocket session bound to an authenticated player.
// It satisfies types.Conn. The identity never rebinds: a new token means a
// new connection.
type Connection struct {
	id     types.ConnectionID
	player types.PlayerID
	token  string
	claims types.TokenClaims

	conn    wsConn
	handler CommandHandler
	onClose func(id types.ConnectionID, reason string)
	opts    Options

	seq      atomic.Uint64
	lastPing atomic.Int64 // unix millis of the last ping sent
	lastPong atomic.Int64 // unix millis
	state    atomic.Int32
	strikes  atomic.Int32

	outbound chan outFrame
	closeReq chan closeRequest
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection wraps an upgraded websocket. Start must be called to run the
// pumps.
func NewConnection(id types.ConnectionID, claims types.TokenClaims, token string, ws wsConn, handler CommandHandler, onClose func(types.ConnectionID, string), opts Options) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = opts.PingInterval * 2
	}
	c := &Connection{
		id:       id,
		player:   claims.PlayerID,
		token:    token,
		claims:   claims,
		conn:     ws,
		handler:  handler,
		onClose:  onClose,
		opts:     opts,
		outbound: make(chan outFrame, opts.QueueSize),
		closeReq: make(chan closeRequest, 1),
		done:     make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixMilli())
	return c
}

// Start launches the read and write pumps.
func (c *Connection) Start() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// Wait blocks until both pumps have exited.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) ID() types.ConnectionID { return c.id }
func (c *Connection) Player() types.PlayerID { return c.player }

// Claims returns the token claims bound at handshake.
func (c *Connection) Claims() types.TokenClaims { return c.claims }

// Token returns the raw token for periodic revalidation.
func (c *Connection) Token() string { return c.token }

// NextSeq returns the next per-connection monotonic sequence number.
func (c *Connection) NextSeq() uint64 { return c.seq.Add(1) }

// LastPong reports when the peer last answered a ping.
func (c *Connection) LastPong() time.Time {
	return time.UnixMilli(c.lastPong.Load())
}

// pongReceived records the pong, clears the stale strikes, and reports the
// ping round-trip time. Zero when no ping is outstanding.
func (c *Connection) pongReceived() time.Duration {
	now := time.Now()
	c.lastPong.Store(now.UnixMilli())
	c.ResetStrikes()

	var rtt time.Duration
	if sent := c.lastPing.Load(); sent > 0 {
		rtt = now.Sub(time.UnixMilli(sent))
		metrics.PongLatency.Observe(rtt.Seconds())
	}
	return rtt
}

// Alive reports whether the connection still accepts frames.
func (c *Connection) Alive() bool {
	return connState(c.state.Load()) == stateActive
}

// Strikes tracks consecutive missed pongs for the health monitor.
func (c *Connection) Strikes() int32   { return c.strikes.Load() }
func (c *Connection) AddStrike() int32 { return c.strikes.Add(1) }
func (c *Connection) ResetStrikes()    { c.strikes.Store(0) }

// QueueDepth reports the current outbound backlog.
func (c *Connection) QueueDepth() int { return len(c.outbound) }

// Send enqueues an already-serialized frame.
//
// Non-critical frames never block: when the queue is full the oldest queued
// non-critical frame is evicted to make room; a queue holding only critical
// frames sheds the incoming frame instead. Critical frames block up to
// timeout and return ErrBackpressureTimeout on expiry; the caller then
// detaches the connection rather than let it silently miss a critical update.
func (c *Connection) Send(frame []byte, critical bool, timeout time.Duration) error {
	if !c.Alive() {
		return types.ErrConnectionClosed
	}

	out := outFrame{data: frame, critical: critical}

	if critical {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case c.outbound <- out:
			metrics.OutboundQueueDepth.Set(float64(len(c.outbound)))
			return nil
		case <-timer.C:
			metrics.FramesDropped.WithLabelValues("critical_timeout").Inc()
			return types.ErrBackpressureTimeout
		case <-c.done:
			return types.ErrConnectionClosed
		}
	}

	requeued := 0
	for {
		select {
		case c.outbound <- out:
			metrics.OutboundQueueDepth.Set(float64(len(c.outbound)))
			return nil
		case <-c.done:
			return types.ErrConnectionClosed
		default:
		}
		// Queue full: hunt for a non-critical victim. Critical frames rotate
		// to the tail instead of being shed; once every slot has been seen
		// without finding one, the whole queue is critical and the incoming
		// frame is dropped instead.
		select {
		case victim := <-c.outbound:
			if victim.critical {
				select {
				case c.outbound <- victim:
				case <-c.done:
					return types.ErrConnectionClosed
				}
				requeued++
				if requeued >= cap(c.outbound) {
					metrics.FramesDropped.WithLabelValues("queue_full").Inc()
					return nil
				}
				continue
			}
			metrics.FramesDropped.WithLabelValues("queue_full").Inc()
		default:
		}
	}
}

// Close transitions to draining and asks the write pump to flush remaining
// frames, send the close frame, and tear down the socket. Safe to call more
// than once.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateDraining))
		select {
		case c.closeReq <- closeRequest{code: code, reason: reason}:
		default:
		}
		close(c.done)
	})
}

// readPump owns the read side: limits, deadlines, pong bookkeeping, and
// command parsing. Exactly one goroutine reads from the socket.
func (c *Connection) readPump() {
	defer c.wg.Done()
	defer func() {
		c.Close(websocket.CloseNormalClosure, "read closed")
		if c.onClose != nil {
			c.onClose(c.id, "client_close")
		}
	}()

	c.conn.SetReadLimit(maxInboundFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.pongReceived()
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug(context.Background(), "websocket read error",
					zap.String("connection_id", string(c.id)), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Name == "" {
			logging.Warn(context.Background(), "malformed command frame",
				zap.String("connection_id", string(c.id)), zap.Error(err))
			c.sendError("invalid_frame", "malformed command frame")
			continue
		}

		ctx := logging.WithConnection(context.Background(), string(c.id))
		ctx = logging.WithPlayer(ctx, string(c.player))
		c.handler.HandleCommand(ctx, c, cmd)
	}
}

// writePump owns the write side: exactly one goroutine writes to the socket.
func (c *Connection) writePump() {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.state.Store(int32(stateClosed))

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				logging.Debug(context.Background(), "websocket write error",
					zap.String("connection_id", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.lastPing.Store(time.Now().UnixMilli())
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case req := <-c.closeReq:
			c.drain()
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeAck))
			return
		}
	}
}

// drain flushes whatever is queued, bounded by drainWait.
func (c *Connection) drain() {
	deadline := time.Now().Add(drainWait)
	for {
		select {
		case frame := <-c.outbound:
			_ = c.conn.SetWriteDeadline(deadline)
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// sendError queues a typed error frame for the client. Best effort.
func (c *Connection) sendError(kind, message string) {
	frame, err := json.Marshal(map[string]interface{}{
		"event_type": "error",
		"timestamp":  time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		"data":       map[string]string{"kind": kind, "message": message},
	})
	if err != nil {
		return
	}
	_ = c.Send(frame, false, 0)
}
