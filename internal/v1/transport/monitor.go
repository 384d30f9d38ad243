package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// CloseCodeStale and CloseCodeAuthRevoked are the application close codes
// sent when the monitor detaches a session.
const (
	CloseCodeStale       = 4000
	CloseCodeAuthRevoked = 4401
)

// connSource lists live connections; the presence registry implements it.
type connSource interface {
	AllConns() []types.Conn
}

// detacher removes a connection from presence; the registry implements it.
type detacher interface {
	Detach(ctx context.Context, id types.ConnectionID, reason string)
}

// monitored is the transport surface the monitor needs beyond types.Conn.
type monitored interface {
	types.Conn
	Strikes() int32
	AddStrike() int32
	Token() string
	Claims() types.TokenClaims
}

// MonitorConfig carries the health monitor tunables.
type MonitorConfig struct {
	Interval      time.Duration
	PongWait      time.Duration
	StaleStrikes  int32
	RevalInterval time.Duration
}

// Monitor periodically sweeps live connections for missed pongs and revoked
// tokens. The write pump handles the pings themselves; the monitor only
// judges the silence.
type Monitor struct {
	conns     connSource
	registry  detacher
	validator types.TokenValidator
	cfg       MonitorConfig

	lastReval time.Time
}

// NewMonitor builds a monitor over the given connection source.
func NewMonitor(conns connSource, registry detacher, validator types.TokenValidator, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 2 * cfg.Interval
	}
	if cfg.StaleStrikes <= 0 {
		cfg.StaleStrikes = 2
	}
	if cfg.RevalInterval <= 0 {
		cfg.RevalInterval = 5 * time.Minute
	}
	return &Monitor{conns: conns, registry: registry, validator: validator, cfg: cfg}
}

// Run loops until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.lastReval = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one monitor pass: stale detection every call, token
// revalidation when the revalidation interval has elapsed.
func (m *Monitor) Sweep(ctx context.Context) {
	reval := time.Since(m.lastReval) >= m.cfg.RevalInterval
	if reval {
		m.lastReval = time.Now()
	}

	for _, raw := range m.conns.AllConns() {
		conn, ok := raw.(monitored)
		if !ok {
			continue
		}
		if !conn.Alive() {
			continue
		}

		if time.Since(conn.LastPong()) > m.cfg.PongWait {
			if conn.AddStrike() >= m.cfg.StaleStrikes {
				m.detach(ctx, conn, "stale", CloseCodeStale, "no pong")
				continue
			}
		}

		if reval {
			m.revalidate(ctx, conn)
		}
	}
}

// revalidate re-checks the session token. A revoked or expired token closes
// the connection; this is the only path that ends an authenticated session
// for auth reasons after the handshake.
func (m *Monitor) revalidate(ctx context.Context, conn monitored) {
	if _, err := m.validator.ValidateToken(ctx, conn.Token()); err != nil {
		logging.Warn(ctx, "session token no longer valid",
			zap.String("connection_id", string(conn.ID())),
			zap.String("player_id", string(conn.Player())),
			zap.Error(err))
		m.detach(ctx, conn, "auth_revoked", CloseCodeAuthRevoked, "token revoked")
	}
}

func (m *Monitor) detach(ctx context.Context, conn monitored, reason string, code int, msg string) {
	logging.Info(ctx, "detaching connection",
		zap.String("connection_id", string(conn.ID())),
		zap.String("player_id", string(conn.Player())),
		zap.String("reason", reason))
	conn.Close(code, msg)
	m.registry.Detach(ctx, conn.ID(), reason)
}
