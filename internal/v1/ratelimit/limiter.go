// Package ratelimit enforces per-player chat rates and handshake throttling
// using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// Rate is a limit of Events per Window.
type Rate struct {
	Window time.Duration
	Events int64
}

func (r Rate) toLimiter() limiter.Rate {
	return limiter.Rate{Period: r.Window, Limit: r.Events}
}

// Config carries the rate limiter tunables.
type Config struct {
	// Default applies to any channel without an explicit rate.
	Default Rate
	// PerChannel overrides the default for specific channels.
	PerChannel map[types.ChannelID]Rate
	// Handshake limits websocket upgrade attempts per client IP.
	Handshake Rate
}

// Limiter answers "may this player send on this channel right now". Keys are
// player scoped per channel so one noisy channel cannot starve another.
type Limiter struct {
	store      limiter.Store
	fallback   *limiter.Limiter
	perChannel map[types.ChannelID]*limiter.Limiter
	handshake  *limiter.Limiter
}

// New builds a Limiter. With a nil redis client the limiter keeps its windows
// in process memory, which is fine for a single node.
func New(redisClient *redis.Client, cfg Config) (*Limiter, error) {
	if cfg.Default.Events <= 0 {
		cfg.Default = Rate{Window: 10 * time.Second, Events: 10}
	}
	if cfg.Handshake.Events <= 0 {
		cfg.Handshake = Rate{Window: time.Minute, Events: 30}
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "mudcore:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store")
	}

	l := &Limiter{
		store:      store,
		fallback:   limiter.New(store, cfg.Default.toLimiter()),
		perChannel: make(map[types.ChannelID]*limiter.Limiter, len(cfg.PerChannel)),
		handshake:  limiter.New(store, cfg.Handshake.toLimiter()),
	}
	for channel, rate := range cfg.PerChannel {
		l.perChannel[channel] = limiter.New(store, rate.toLimiter())
	}
	return l, nil
}

// Check consumes one slot for player on channel. A denied send returns
// *types.RateLimitedError carrying the retry-after hint; the caller surfaces
// it to the sender only.
func (l *Limiter) Check(ctx context.Context, player types.PlayerID, channel types.ChannelID) error {
	inst, ok := l.perChannel[channel]
	if !ok {
		inst = l.fallback
	}

	key := string(player) + ":" + string(channel)
	limCtx, err := inst.Get(ctx, key)
	if err != nil {
		// Store failure fails open: chat staying up beats strict limits.
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return nil
	}

	if limCtx.Reached {
		metrics.RateLimitDenied.WithLabelValues(string(channel)).Inc()
		retryAfter := time.Until(time.Unix(limCtx.Reset, 0))
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &types.RateLimitedError{RetryAfter: retryAfter}
	}
	return nil
}

// AllowHandshake throttles websocket upgrades per client IP. On denial the
// HTTP response is written here and false is returned.
func (l *Limiter) AllowHandshake(c *gin.Context) bool {
	ctx := c.Request.Context()
	limCtx, err := l.handshake.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "handshake rate limiter store failed", zap.Error(err))
		return true
	}

	if limCtx.Reached {
		metrics.RateLimitDenied.WithLabelValues("handshake").Inc()
		c.Header("Retry-After", strconv.FormatInt(limCtx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}
