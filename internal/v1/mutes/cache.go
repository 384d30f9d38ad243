// Package mutes caches player mute lists for delivery-time filtering. Mute
// checks sit on the hot path of every broadcast, so reads come from an
// in-process TTL cache and misses are coalesced per player.
package mutes

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

const (
	defaultTTL      = 5 * time.Minute
	defaultCapacity = 10000
	batchWorkers    = 16
)

// Cache satisfies types.MuteStore on top of the persisted mute lists.
type Cache struct {
	store types.PlayerStore
	ttl   time.Duration
	lru   *expirable.LRU[types.PlayerID, []types.MuteEntry]
	sf    singleflight.Group
}

// New builds a mute cache over store. A zero ttl or capacity uses defaults.
func New(store types.PlayerStore, ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		store: store,
		ttl:   ttl,
		lru:   expirable.NewLRU[types.PlayerID, []types.MuteEntry](capacity, nil, ttl),
	}
}

// IsMuted reports whether receiver has muted sender. A store failure reports
// not muted: delivering a muted message beats silently dropping chat.
func (c *Cache) IsMuted(ctx context.Context, receiver, sender types.PlayerID) bool {
	for _, entry := range c.load(ctx, receiver) {
		if entry.MutedPlayer == sender && active(entry) {
			return true
		}
	}
	return false
}

// ChannelMuted reports whether receiver has muted an entire channel.
func (c *Cache) ChannelMuted(ctx context.Context, receiver types.PlayerID, channel types.ChannelID) bool {
	for _, entry := range c.load(ctx, receiver) {
		if entry.MutedChannel == channel && entry.MutedChannel != "" && active(entry) {
			return true
		}
	}
	return false
}

// LoadBatch warms the cache for a set of receivers ahead of a broadcast so
// the per-connection mute checks never hit the store.
func (c *Cache) LoadBatch(ctx context.Context, players []types.PlayerID) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchWorkers)
	for _, player := range players {
		if _, ok := c.lru.Get(player); ok {
			continue
		}
		g.Go(func() error {
			c.load(ctx, player)
			return nil
		})
	}
	_ = g.Wait()
}

// Invalidate drops a player's cached mute list, e.g. after a mute update.
func (c *Cache) Invalidate(player types.PlayerID) {
	c.lru.Remove(player)
}

// load returns the mute list for player, fetching through singleflight on a
// cache miss.
func (c *Cache) load(ctx context.Context, player types.PlayerID) []types.MuteEntry {
	if entries, ok := c.lru.Get(player); ok {
		metrics.MuteCacheHits.Inc()
		return entries
	}
	metrics.MuteCacheMisses.Inc()

	v, err, _ := c.sf.Do(string(player), func() (interface{}, error) {
		if entries, ok := c.lru.Get(player); ok {
			return entries, nil
		}
		entries, err := c.store.GetPlayerMutes(ctx, player)
		if err != nil {
			return nil, err
		}
		c.lru.Add(player, entries)
		return entries, nil
	})
	if err != nil {
		logging.Warn(ctx, "mute list fetch failed",
			zap.String("player_id", string(player)), zap.Error(err))
		return nil
	}
	return v.([]types.MuteEntry)
}

// active reports whether a mute entry is currently in force.
func active(entry types.MuteEntry) bool {
	return entry.ExpiresAt.IsZero() || entry.ExpiresAt.After(time.Now())
}
