package broker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// AckHandler processes one message under manual acknowledgment: returning nil
// acknowledges it, any error asks for redelivery.
type AckHandler func(subject string, data []byte) error

// SubscribeAck registers handler with manual acknowledgment semantics. A
// message counts as delivered only once handler returns nil; failed handlers
// see the message again with backoff until the policy is exhausted, at which
// point the message is dropped and counted. Use the plain Subscribe when the
// handler cannot fail or does its own buffering.
func (c *Client) SubscribeAck(subject string, policy Policy, handler AckHandler) (types.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		redeliver(context.Background(), policy, m.Subject, m.Data, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", types.ErrBrokerUnavailable, subject, err)
	}
	c.track(sub)
	logging.Info(context.Background(), "broker subscription added",
		zap.String("subject", subject), zap.Bool("manual_ack", true))
	return &subscription{sub: sub}, nil
}

// redeliver drives one message through handler until it acknowledges or the
// policy gives up.
func redeliver(ctx context.Context, policy Policy, subject string, data []byte, handler AckHandler) error {
	err := Retry(ctx, policy, func(context.Context) error {
		if herr := handler(subject, data); herr != nil {
			return types.Retryable(herr)
		}
		return nil
	})
	if err != nil {
		metrics.FramesDropped.WithLabelValues("unacked").Inc()
		logging.Warn(ctx, "unacknowledged broker message dropped",
			zap.String("subject", subject), zap.Error(err))
	}
	return err
}
