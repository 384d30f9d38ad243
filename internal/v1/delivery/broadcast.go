package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// FanoutResult aggregates a broadcast.
type FanoutResult struct {
	Attempted int
	Delivered int
	Dropped   int
	Errored   int
}

// Broadcaster fans one event out to many connections with bounded
// concurrency. Mute filtering happens here, per receiver, before any frame
// is built.
type Broadcaster struct {
	presence    types.PresenceReader
	mutes       types.MuteStore
	sender      *Sender
	concurrency int
}

// NewBroadcaster wires a broadcaster. A non-positive concurrency defaults
// to 64 workers.
func NewBroadcaster(presence types.PresenceReader, mutes types.MuteStore, sender *Sender, concurrency int) *Broadcaster {
	if concurrency <= 0 {
		concurrency = 64
	}
	return &Broadcaster{
		presence:    presence,
		mutes:       mutes,
		sender:      sender,
		concurrency: concurrency,
	}
}

// ToRoom delivers e to every occupant of e.RoomID except exclude.
func (b *Broadcaster) ToRoom(ctx context.Context, e events.Event, exclude types.PlayerID) FanoutResult {
	return b.toPlayers(ctx, e, b.presence.RoomOccupants(e.RoomID), exclude)
}

// ToSubzone delivers e to every player in a subzone except exclude.
func (b *Broadcaster) ToSubzone(ctx context.Context, e events.Event, subzone types.SubzoneID, exclude types.PlayerID) FanoutResult {
	return b.toPlayers(ctx, e, b.presence.SubzoneOccupants(subzone), exclude)
}

// ToGlobal delivers e to every online player except exclude.
func (b *Broadcaster) ToGlobal(ctx context.Context, e events.Event, exclude types.PlayerID) FanoutResult {
	return b.toPlayers(ctx, e, b.presence.OnlinePlayers(), exclude)
}

// ToPlayer delivers e to all of one player's connections.
func (b *Broadcaster) ToPlayer(ctx context.Context, e events.Event, player types.PlayerID) FanoutResult {
	return b.toPlayers(ctx, e, []types.PlayerID{player}, "")
}

func (b *Broadcaster) toPlayers(ctx context.Context, e events.Event, players []types.PlayerID, exclude types.PlayerID) FanoutResult {
	receivers := players[:0:0]
	for _, p := range players {
		if p != exclude {
			receivers = append(receivers, p)
		}
	}
	if len(receivers) == 0 {
		return FanoutResult{}
	}

	// Warm the mute cache in one pass so per-receiver checks never stall the
	// fanout workers.
	if b.mutes != nil {
		b.mutes.LoadBatch(ctx, receivers)
	}

	var mu sync.Mutex
	var res FanoutResult

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, receiver := range receivers {
		if b.skipByMute(ctx, receiver, e) {
			continue
		}
		for _, conn := range b.presence.LookupByPlayer(receiver) {
			g.Go(func() error {
				r := b.sender.Send(ctx, conn, e)
				mu.Lock()
				res.Attempted++
				switch {
				case r.Delivered:
					res.Delivered++
				case r.Err != nil:
					res.Errored++
				default:
					res.Dropped++
				}
				mu.Unlock()
				if r.Err != nil {
					logging.Warn(ctx, "fanout delivery failed",
						zap.String("connection_id", string(conn.ID())),
						zap.String("event_type", string(e.Type)),
						zap.Error(r.Err))
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	metrics.BroadcastFanout.Observe(float64(res.Attempted))
	return res
}

// skipByMute applies receiver-side mute rules for chat-bearing events.
func (b *Broadcaster) skipByMute(ctx context.Context, receiver types.PlayerID, e events.Event) bool {
	if b.mutes == nil {
		return false
	}
	switch p := e.Payload.(type) {
	case events.ChatMessage:
		if receiver == p.Sender {
			return false // your own messages are never muted away
		}
		return b.mutes.IsMuted(ctx, receiver, p.Sender) ||
			b.mutes.ChannelMuted(ctx, receiver, p.Channel)
	case events.Whisper:
		if receiver == p.Sender {
			return false
		}
		return b.mutes.IsMuted(ctx, receiver, p.Sender)
	}
	return false
}
