package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/arkhamlabs/mudcore/internal/v1/auth"
	"github.com/arkhamlabs/mudcore/internal/v1/broker"
	"github.com/arkhamlabs/mudcore/internal/v1/chat"
	"github.com/arkhamlabs/mudcore/internal/v1/cleaner"
	"github.com/arkhamlabs/mudcore/internal/v1/config"
	"github.com/arkhamlabs/mudcore/internal/v1/delivery"
	"github.com/arkhamlabs/mudcore/internal/v1/dlq"
	"github.com/arkhamlabs/mudcore/internal/v1/events"
	"github.com/arkhamlabs/mudcore/internal/v1/health"
	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/mutes"
	"github.com/arkhamlabs/mudcore/internal/v1/presence"
	"github.com/arkhamlabs/mudcore/internal/v1/ratelimit"
	"github.com/arkhamlabs/mudcore/internal/v1/store"
	"github.com/arkhamlabs/mudcore/internal/v1/subjects"
	"github.com/arkhamlabs/mudcore/internal/v1/tracing"
	"github.com/arkhamlabs/mudcore/internal/v1/transport"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// nodeID is stamped as Origin on every locally published event so this
	// node can skip its own messages echoed back by the broker. It also names
	// this instance in traces.
	nodeID := uuid.NewString()

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "mudcore", nodeID, collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		slog.Info("✅ Tracing initialized", "collector", collectorAddr)
	}

	// --- Auth ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
		slog.Warn("⚠️  Development Mode: auth credentials missing. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(context.Background(), cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Auth validator initialized", "domain", cfg.AuthDomain, "audience", cfg.AuthAudience)
		validator = v
	}

	// --- Persistence adapter (optional Redis) ---
	var redisClient *redis.Client
	var redisStore *store.Redis
	var players types.PlayerStore
	var rooms types.RoomStore
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		redisStore = store.NewRedis(redisClient)
		players = redisStore
		rooms = redisStore
		slog.Info("✅ Redis store initialized", "addr", cfg.RedisAddr)
	} else {
		mem := store.NewMemory()
		players = mem
		rooms = mem
		slog.Info("Running with in-memory store (REDIS_ADDR not set)")
	}

	// --- Broker ---
	brokerClient, err := broker.Connect(broker.Config{
		URL:              cfg.BrokerURL,
		TLSEnabled:       cfg.BrokerTLSEnabled,
		HealthInterval:   cfg.BrokerHealthInterval,
		HealthTimeout:    cfg.BrokerHealthTimeout,
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
		Registry: subjects.Registry{
			Enabled: cfg.EnableSubjectValidation,
			Strict:  cfg.StrictSubjectValidation,
		},
	})
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err, "url", cfg.BrokerURL)
		os.Exit(1)
	}
	slog.Info("✅ Broker connected", "url", cfg.BrokerURL)

	dead, err := dlq.Open(cfg.DLQPath)
	if err != nil {
		slog.Error("Failed to open dead letter queue", "error", err, "path", cfg.DLQPath)
		os.Exit(1)
	}

	// --- Core assembly ---
	bus := events.NewBus()
	registry := presence.NewRegistry(bus, cfg.GracePeriod)
	muteCache := mutes.New(players, cfg.MuteCacheTTL, 0)

	limiter, err := ratelimit.New(redisClient, ratelimit.Config{
		Default: ratelimit.Rate{Window: cfg.RateLimitWindow, Events: cfg.RateLimitMaxEvents},
	})
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	sender := delivery.NewSender(time.Second)
	bcast := delivery.NewBroadcaster(registry, muteCache, sender, cfg.FanoutConcurrency)

	retry := broker.DefaultPolicy
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.BaseDelay = cfg.RetryBaseDelay
	retry.MaxDelay = cfg.RetryMaxDelay

	chatRouter := chat.NewRouter(bus, brokerClient, registry, limiter, bcast, sender, dead, retry, nodeID)

	// The bridge carries presence lifecycle and game events from the bus into
	// delivery; without it player_entered/player_left would never reach a
	// single client.
	bridge := delivery.NewBridge(bus, brokerClient, dead, bcast, retry, nodeID)
	bridge.Start()

	hub := transport.NewHub(validator, registry, chatRouter, players, rooms, limiter, transport.HubConfig{
		AllowedOrigins: allowedOrigins(cfg.AllowedOrigins),
		DevMode:        cfg.DevelopmentMode,
		Conn: transport.Options{
			QueueSize:    cfg.OutboundQueueSize,
			PingInterval: cfg.PingInterval,
			PongWait:     cfg.PongTimeout,
		},
	})

	forwarder := delivery.NewForwarder(brokerClient, dead, bcast, nodeID, 0)
	if err := forwarder.Start(); err != nil {
		slog.Error("Failed to start event forwarder", "error", err)
		os.Exit(1)
	}

	monitor := transport.NewMonitor(registry, registry, validator, transport.MonitorConfig{
		Interval:      cfg.PingInterval,
		PongWait:      cfg.PongTimeout,
		StaleStrikes:  int32(cfg.StaleStrikes),
		RevalInterval: cfg.TokenRevalInterval,
	})
	janitor := cleaner.New(registry, brokerClient, dead, cleaner.Config{Interval: cfg.CleanerInterval})

	runCtx, stopBackground := context.WithCancel(context.Background())
	go monitor.Run(runCtx)
	go janitor.Run(runCtx)

	// --- Set up server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	router.Use(cors.New(corsConfig))
	router.Use(otelgin.Middleware("mudcore"))
	router.Use(gin.Recovery())

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var healthHandler *health.Handler
	if redisStore != nil {
		healthHandler = health.NewHandler(brokerClient, redisStore)
	} else {
		healthHandler = health.NewHandler(brokerClient, nil)
	}
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful shutdown ---
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Connected clients get a notice and a short window to read it before the
	// sockets close.
	hub.Shutdown(ctx, shutdownNotice(bus), cfg.ShutdownNotice)

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	chatRouter.Close()
	bridge.Close()
	forwarder.Stop()
	brokerClient.Close()
	dead.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}

	slog.Info("Server exiting")
}

// shutdownNotice builds the frame broadcast to every client before the server
// closes their sockets.
func shutdownNotice(bus *events.Bus) []byte {
	e := events.New(events.SystemNotice{
		Message:  "server is shutting down",
		Severity: "shutdown",
	})
	e.Seq = bus.NextSeq()
	e.Timestamp = time.Now().UTC()

	frame, err := delivery.EncodeFrame(e, 0)
	if err != nil {
		return nil
	}
	return frame
}

// allowedOrigins parses the comma separated ALLOWED_ORIGINS value, defaulting
// to the local development frontend.
func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
