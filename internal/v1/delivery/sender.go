package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// Result reports the outcome of one frame delivery.
type Result struct {
	Delivered bool
	// Dropped names the shed reason when the frame was not delivered but the
	// connection is fine ("oversize", "closed", "queue_full").
	Dropped string
	// Err is set when the connection itself failed; a backpressure timeout on
	// a critical frame means the caller should detach.
	Err error
}

// Sender delivers one event to one connection: translate for the viewer,
// stamp the per-connection sequence number, marshal, enqueue.
type Sender struct {
	criticalTimeout time.Duration
}

// NewSender builds a sender. criticalTimeout bounds how long a critical frame
// may block on a full queue.
func NewSender(criticalTimeout time.Duration) *Sender {
	if criticalTimeout <= 0 {
		criticalTimeout = time.Second
	}
	return &Sender{criticalTimeout: criticalTimeout}
}

// Send delivers e to conn. Sequence stamping and marshaling happen per
// connection so each client sees its own gapless ordering.
func (s *Sender) Send(ctx context.Context, conn types.Conn, e events.Event) Result {
	start := time.Now()

	viewerEvent := Translate(e, conn.Player())
	frame, err := EncodeFrame(viewerEvent, conn.NextSeq())
	if err != nil {
		metrics.FramesDropped.WithLabelValues("oversize").Inc()
		logging.Warn(ctx, "frame dropped as oversized",
			zap.String("event_type", string(e.Type)),
			zap.String("connection_id", string(conn.ID())))
		return Result{Dropped: "oversize"}
	}

	if err := conn.Send(frame, e.Type.Critical(), s.criticalTimeout); err != nil {
		switch {
		case errors.Is(err, types.ErrConnectionClosed):
			return Result{Dropped: "closed"}
		case errors.Is(err, types.ErrBackpressureTimeout):
			return Result{Err: err}
		default:
			return Result{Err: err}
		}
	}

	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	return Result{Delivered: true}
}
