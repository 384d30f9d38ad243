// Package cleaner is the periodic janitor: it removes state that the normal
// lifecycle paths missed and replays dead-lettered messages once the broker
// recovers.
package cleaner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/dlq"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// registrySweeper is the presence surface the cleaner drives.
type registrySweeper interface {
	SweepDeadConns(ctx context.Context) []types.ConnectionID
	SweepGhosts(ctx context.Context) []types.PlayerID
	SweepOrphans() int
}

// Config carries the cleaner tunables.
type Config struct {
	Interval time.Duration
	// DrainMax bounds how many dead letters one pass replays.
	DrainMax int
}

// Cleaner runs the periodic sweep.
type Cleaner struct {
	registry registrySweeper
	broker   types.Broker
	dead     *dlq.Queue
	cfg      Config
}

// New wires a cleaner.
func New(registry registrySweeper, broker types.Broker, dead *dlq.Queue, cfg Config) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.DrainMax <= 0 {
		cfg.DrainMax = 100
	}
	return &Cleaner{registry: registry, broker: broker, dead: dead, cfg: cfg}
}

// Run loops until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass. Each stage is independent; a failing stage
// never blocks the others.
func (c *Cleaner) Sweep(ctx context.Context) {
	if dead := c.registry.SweepDeadConns(ctx); len(dead) > 0 {
		logging.Info(ctx, "swept dead connections", zap.Int("count", len(dead)))
	}
	if ghosts := c.registry.SweepGhosts(ctx); len(ghosts) > 0 {
		logging.Info(ctx, "swept ghost presence records", zap.Int("count", len(ghosts)))
	}
	if orphans := c.registry.SweepOrphans(); orphans > 0 {
		logging.Info(ctx, "swept orphaned room entries", zap.Int("count", orphans))
	}

	c.drainDeadLetters(ctx)
	metrics.DLQSize.Set(float64(c.dead.Size()))
}

// drainDeadLetters replays queued messages while the broker is healthy.
// Records the broker still refuses stay queued for the next pass.
func (c *Cleaner) drainDeadLetters(ctx context.Context) {
	if c.dead.Size() == 0 || !c.broker.IsHealthy() {
		return
	}

	replayed, err := c.dead.Drain(ctx, func(rec dlq.Record) error {
		return c.broker.Publish(ctx, rec.Subject, rec.Payload)
	}, c.cfg.DrainMax)
	if err != nil {
		logging.Warn(ctx, "dead letter drain failed", zap.Error(err))
		return
	}
	if replayed > 0 {
		logging.Info(ctx, "replayed dead letters", zap.Int("count", replayed))
	}
}
