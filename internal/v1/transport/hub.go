package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// attacher is the presence surface the hub needs.
type attacher interface {
	Attach(ctx context.Context, conn types.Conn, displayName string, room types.RoomID, subzone types.SubzoneID)
	Detach(ctx context.Context, id types.ConnectionID, reason string)
}

// handshakeLimiter throttles upgrade attempts; the ratelimit package
// implements it.
type handshakeLimiter interface {
	AllowHandshake(c *gin.Context) bool
}

// HubConfig carries the hub tunables.
type HubConfig struct {
	AllowedOrigins []string
	DefaultRoom    types.RoomID
	DevMode        bool
	Conn           Options
}

// Hub owns the websocket endpoint: handshake auth, upgrade, and connection
// registration. Delivery and routing live elsewhere; the hub only opens and
// closes doors.
type Hub struct {
	validator   types.TokenValidator
	registry    attacher
	handler     CommandHandler
	players     types.PlayerStore
	rooms       types.RoomStore
	rateLimiter handshakeLimiter
	cfg         HubConfig

	mu    sync.Mutex
	conns map[types.ConnectionID]*Connection

	draining bool
}

// NewHub wires the hub with its collaborators.
func NewHub(validator types.TokenValidator, registry attacher, handler CommandHandler, players types.PlayerStore, rooms types.RoomStore, rateLimiter handshakeLimiter, cfg HubConfig) *Hub {
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = "limbo.000"
	}
	return &Hub{
		validator:   validator,
		registry:    registry,
		handler:     handler,
		players:     players,
		rooms:       rooms,
		rateLimiter: rateLimiter,
		cfg:         cfg,
		conns:       make(map[types.ConnectionID]*Connection),
	}
}

// ServeWs authenticates the handshake and upgrades to a websocket session.
func (h *Hub) ServeWs(c *gin.Context) {
	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.AllowHandshake(c) {
		return // response already written
	}

	token, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(c.Request.Context(), token)
	if err != nil {
		logging.Warn(c.Request.Context(), "handshake token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := validateOrigin(c.Request, h.cfg.AllowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	ws, err := h.upgrade(c)
	if err != nil {
		return
	}

	h.handleConnection(c.Request.Context(), ws, claims, token)
}

// handleConnection registers the upgraded socket with presence and starts the
// pumps.
func (h *Hub) handleConnection(ctx context.Context, ws wsConn, claims *types.TokenClaims, token string) {
	id := types.ConnectionID(uuid.NewString())

	room, subzone := h.placement(ctx, claims.PlayerID)

	conn := NewConnection(id, *claims, token, ws, h.handler, func(connID types.ConnectionID, reason string) {
		h.mu.Lock()
		delete(h.conns, connID)
		h.mu.Unlock()
		h.registry.Detach(context.Background(), connID, reason)
	}, h.cfg.Conn)

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	h.registry.Attach(ctx, conn, claims.DisplayName, room, subzone)
	conn.Start()

	logging.Info(ctx, "websocket session started",
		zap.String("connection_id", string(id)),
		zap.String("player_id", string(claims.PlayerID)),
		zap.String("room_id", string(room)))
}

// placement resolves where a connecting player lands. Store failures fall
// back to the default room rather than refusing the connection.
func (h *Hub) placement(ctx context.Context, player types.PlayerID) (types.RoomID, types.SubzoneID) {
	room := h.cfg.DefaultRoom
	if h.players != nil {
		if rec, err := h.players.GetPlayer(ctx, player); err == nil && rec.Room != "" {
			room = rec.Room
		} else if err != nil {
			logging.Warn(ctx, "player lookup failed, using default room",
				zap.String("player_id", string(player)), zap.Error(err))
		}
	}

	var subzone types.SubzoneID
	if h.rooms != nil {
		if rec, err := h.rooms.GetRoom(ctx, room); err == nil {
			subzone = rec.Subzone
		}
	}
	if subzone == "" {
		// Convention: the subzone is the room id up to the last dot.
		if i := strings.LastIndex(string(room), "."); i > 0 {
			subzone = types.SubzoneID(room[:i])
		}
	}
	return room, subzone
}

// extractToken reads the session token from the Sec-WebSocket-Protocol
// header, falling back to the token query parameter for non-browser clients.
func (h *Hub) extractToken(c *gin.Context) (string, error) {
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "" || p == "access_token" {
				continue
			}
			return p, nil
		}
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("token not provided")
}

// validateOrigin checks the Origin header against the allowed list. Requests
// without an Origin header (non-browser clients) are allowed.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgrade performs the websocket upgrade, echoing the access_token
// subprotocol when the client used it.
func (h *Hub) upgrade(c *gin.Context) (wsConn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.cfg.AllowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if strings.Contains(c.GetHeader("Sec-WebSocket-Protocol"), "access_token") {
		responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return nil, err
	}
	return ws, nil
}

// Shutdown stops accepting new sessions, notifies connected clients, and
// closes every connection after the notice window.
func (h *Hub) Shutdown(ctx context.Context, notice []byte, window time.Duration) {
	h.mu.Lock()
	h.draining = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	logging.Info(ctx, "hub draining", zap.Int("connections", len(conns)))

	if len(notice) > 0 {
		for _, conn := range conns {
			_ = conn.Send(notice, true, time.Second)
		}
		select {
		case <-ctx.Done():
		case <-time.After(window):
		}
	}

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
	for _, conn := range conns {
		conn.Wait()
	}
}
