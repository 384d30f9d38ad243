package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/broker"
	"github.com/arkhamlabs/mudcore/internal/v1/delivery"
	"github.com/arkhamlabs/mudcore/internal/v1/dlq"
	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"github.com/arkhamlabs/mudcore/internal/v1/subjects"
	"github.com/arkhamlabs/mudcore/internal/v1/transport"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// RateChecker answers per-player per-channel rate questions; the ratelimit
// package implements it.
type RateChecker interface {
	Check(ctx context.Context, player types.PlayerID, channel types.ChannelID) error
}

// chatArgs is the object argument shape for say/local/global/yell commands.
type chatArgs struct {
	Body string `json:"body"`
}

// whisperArgs adds the target display name.
type whisperArgs struct {
	Target string `json:"target"`
	Body   string `json:"body"`
}

// parseChatArgs accepts either the object shape or the bare argv array a
// command-line client produces ("say hello there" -> ["hello","there"]).
func parseChatArgs(raw json.RawMessage) (string, bool) {
	var obj chatArgs
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Body, true
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		return strings.Join(argv, " "), true
	}
	return "", false
}

// parseWhisperArgs accepts the object shape or an argv array whose first
// element is the target name and the rest the message.
func parseWhisperArgs(raw json.RawMessage) (whisperArgs, bool) {
	var obj whisperArgs
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Target != "" {
		return obj, true
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil && len(argv) >= 2 {
		return whisperArgs{Target: argv[0], Body: strings.Join(argv[1:], " ")}, true
	}
	return whisperArgs{}, false
}

// Router turns inbound commands into delivered chat. It satisfies
// transport.CommandHandler.
type Router struct {
	bus      *events.Bus
	broker   types.Broker
	presence types.PresenceReader
	limiter  RateChecker
	bcast    *delivery.Broadcaster
	sender   *delivery.Sender
	dead     *dlq.Queue
	channels map[string]Channel
	retry    broker.Policy
	nodeID   string
	tracer   trace.Tracer

	wg sync.WaitGroup
}

// NewRouter wires the router. nodeID is stamped as Origin on every event so
// the forwarder can skip broker echoes of local publishes.
func NewRouter(bus *events.Bus, brk types.Broker, presence types.PresenceReader, limiter RateChecker, bcast *delivery.Broadcaster, sender *delivery.Sender, dead *dlq.Queue, retry broker.Policy, nodeID string) *Router {
	return &Router{
		bus:      bus,
		broker:   brk,
		presence: presence,
		limiter:  limiter,
		bcast:    bcast,
		sender:   sender,
		dead:     dead,
		channels: DefaultChannels(),
		retry:    retry,
		nodeID:   nodeID,
		tracer:   otel.Tracer("mudcore/chat"),
	}
}

// Close waits for in-flight broker publishes to settle.
func (r *Router) Close() {
	r.wg.Wait()
}

// HandleCommand routes one inbound frame.
func (r *Router) HandleCommand(ctx context.Context, conn *transport.Connection, cmd transport.Command) {
	ctx, span := r.tracer.Start(ctx, "chat.command",
		trace.WithAttributes(
			attribute.String("command", cmd.Name),
			attribute.String("player_id", string(conn.Player())),
		))
	defer span.End()

	switch cmd.Name {
	case "say", "local", "global", "yell":
		r.handleChat(ctx, conn, cmd)
	case "whisper":
		r.handleWhisper(ctx, conn, cmd)
	case "who":
		r.handleWho(ctx, conn)
	default:
		r.sendError(ctx, conn, "unknown_command", "unknown command: "+cmd.Name, 0)
	}
}

func (r *Router) handleChat(ctx context.Context, conn *transport.Connection, cmd transport.Command) {
	channel := r.channels[cmd.Name]

	raw, ok := parseChatArgs(cmd.Args)
	if !ok {
		r.sendError(ctx, conn, "invalid_args", "malformed arguments", 0)
		return
	}
	body, ok := r.validateBody(ctx, conn, channel, raw)
	if !ok {
		return
	}

	if channel.AdminOnly && !conn.Claims().Admin {
		r.sendError(ctx, conn, "forbidden", "channel is restricted", 0)
		return
	}

	if !r.allow(ctx, conn, channel.ID) {
		return
	}

	player := conn.Player()
	var payload events.Payload
	var subject string
	var e events.Event

	switch channel.Scope {
	case types.ScopeRoom:
		room, ok := r.presence.CurrentRoom(player)
		if !ok {
			r.sendError(ctx, conn, "no_presence", "you are nowhere", 0)
			return
		}
		subject = r.buildSubject(subjects.KindChatSay, string(room))
		payload = r.chatPayload(player, channel.ID, body)
		e = events.NewFor(payload, player, room)

	case types.ScopeSubzone:
		subzone, ok := r.presence.CurrentSubzone(player)
		if !ok {
			r.sendError(ctx, conn, "no_presence", "you are nowhere", 0)
			return
		}
		subject = r.buildSubject(subjects.KindChatLocal, string(subzone))
		payload = r.chatPayload(player, channel.ID, body)
		e = events.NewFor(payload, player, "")

	case types.ScopeGlobal:
		subject = r.buildSubject(subjects.KindChatGlobal)
		payload = r.chatPayload(player, channel.ID, body)
		e = events.NewFor(payload, player, "")

	case types.ScopeSystem:
		subject = r.buildSubject(subjects.KindChatSystem)
		payload = events.SystemNotice{Message: body, Severity: "announcement"}
		e = events.NewFor(payload, player, "")

	default:
		r.sendError(ctx, conn, "invalid_channel", "channel has no scope", 0)
		return
	}
	if subject == "" {
		r.sendError(ctx, conn, "internal", "could not route message", 0)
		return
	}
	e.Origin = r.nodeID

	stamped := r.bus.Publish(ctx, e)
	r.fanoutLocal(ctx, stamped, channel)
	r.publishRemote(ctx, subject, stamped)
	metrics.EventsPublished.WithLabelValues(string(stamped.Type)).Inc()
}

func (r *Router) handleWhisper(ctx context.Context, conn *transport.Connection, cmd transport.Command) {
	channel := r.channels["whisper"]

	args, ok := parseWhisperArgs(cmd.Args)
	if !ok {
		r.sendError(ctx, conn, "invalid_args", "whisper needs a target and a body", 0)
		return
	}
	body, ok := r.validateBody(ctx, conn, channel, args.Body)
	if !ok {
		return
	}

	if !r.allow(ctx, conn, channel.ID) {
		return
	}

	target, online := r.presence.ResolveName(args.Target)
	if !online {
		r.sendError(ctx, conn, "target_not_found", args.Target+" is not here", 0)
		return
	}

	player := conn.Player()
	e := events.NewFor(events.Whisper{
		Sender:     player,
		SenderName: r.presence.DisplayName(player),
		Target:     target,
		Body:       body,
	}, player, "")
	e.Origin = r.nodeID

	stamped := r.bus.Publish(ctx, e)
	r.bcast.ToPlayer(ctx, stamped, target)
	if channel.EchoSelf && target != player {
		r.bcast.ToPlayer(ctx, stamped, player)
	}
	r.publishRemote(ctx, r.buildSubject(subjects.KindChatWhisper, string(target)), stamped)
	metrics.EventsPublished.WithLabelValues(string(stamped.Type)).Inc()
}

// handleWho answers the caller with the online roster.
func (r *Router) handleWho(ctx context.Context, conn *transport.Connection) {
	players := r.presence.OnlinePlayers()
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, r.presence.DisplayName(p))
	}
	sort.Strings(names)

	e := events.New(events.SystemNotice{
		Message:  "Online: " + strings.Join(names, ", "),
		Severity: "info",
	})
	e.Seq = r.bus.NextSeq()
	e.Timestamp = time.Now()
	r.sender.Send(ctx, conn, e)
}

// fanoutLocal delivers a stamped event to the local connections its channel
// scope addresses.
func (r *Router) fanoutLocal(ctx context.Context, e events.Event, channel Channel) {
	exclude := types.PlayerID("")
	if !channel.EchoSelf {
		exclude = e.PlayerID
	}

	switch channel.Scope {
	case types.ScopeRoom:
		r.bcast.ToRoom(ctx, e, exclude)
	case types.ScopeSubzone:
		if subzone, ok := r.presence.CurrentSubzone(e.PlayerID); ok {
			r.bcast.ToSubzone(ctx, e, subzone, exclude)
		}
	case types.ScopeGlobal, types.ScopeSystem:
		r.bcast.ToGlobal(ctx, e, exclude)
	}
}

// publishRemote ships the event to the broker with retry. Messages that
// cannot be published (breaker open, retries exhausted) are dead-lettered;
// local players already received the message, remote nodes catch up on
// redelivery.
func (r *Router) publishRemote(ctx context.Context, subject string, e events.Event) {
	raw, err := events.Encode(e)
	if err != nil {
		logging.Error(ctx, "event encode failed", zap.String("subject", subject), zap.Error(err))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Detached from the command context: the publish outlives the frame
		// that triggered it.
		pubCtx := context.Background()
		attempts := 0
		err := broker.Retry(pubCtx, r.retry, func(ctx context.Context) error {
			attempts++
			return r.broker.Publish(ctx, subject, raw)
		})
		if err == nil {
			return
		}
		logging.Warn(pubCtx, "broker publish dead-lettered",
			zap.String("subject", subject),
			zap.Int("attempts", attempts),
			zap.Error(err))
		r.dead.Enqueue(dlq.Record{
			Subject:      subject,
			Payload:      raw,
			LastError:    err.Error(),
			AttemptCount: attempts,
		})
	}()
}

// validateBody trims and bounds the message text, answering the sender with
// a typed error when it is unusable.
func (r *Router) validateBody(ctx context.Context, conn *transport.Connection, channel Channel, body string) (string, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		r.sendError(ctx, conn, "empty_message", "message body is empty", 0)
		return "", false
	}
	if channel.MaxLength > 0 && len(body) > channel.MaxLength {
		r.sendError(ctx, conn, "message_too_long", "message exceeds channel limit", 0)
		return "", false
	}
	return body, true
}

// allow applies the rate limit, answering the sender privately on denial.
func (r *Router) allow(ctx context.Context, conn *transport.Connection, channel types.ChannelID) bool {
	err := r.limiter.Check(ctx, conn.Player(), channel)
	if err == nil {
		return true
	}
	var limited *types.RateLimitedError
	if errors.As(err, &limited) {
		r.sendError(ctx, conn, "rate_limited", "slow down", limited.RetryAfter.Milliseconds())
		return false
	}
	r.sendError(ctx, conn, "internal", "could not send message", 0)
	return false
}

// sendError delivers a typed error frame to the issuing connection only.
func (r *Router) sendError(ctx context.Context, conn *transport.Connection, kind, message string, retryAfterMillis int64) {
	e := events.New(events.ErrorNotice{
		Kind:       kind,
		Message:    message,
		RetryAfter: retryAfterMillis,
	})
	e.Seq = r.bus.NextSeq()
	e.Timestamp = time.Now()
	r.sender.Send(ctx, conn, e)
}

func (r *Router) chatPayload(player types.PlayerID, channel types.ChannelID, body string) events.Payload {
	return events.ChatMessage{
		Sender:     player,
		SenderName: r.presence.DisplayName(player),
		Channel:    channel,
		Body:       body,
	}
}

func (r *Router) buildSubject(kind subjects.Kind, params ...string) string {
	subject, err := subjects.Build(kind, params...)
	if err != nil {
		logging.Error(context.Background(), "subject build failed",
			zap.String("kind", string(kind)), zap.Error(err))
		return ""
	}
	return subject
}
