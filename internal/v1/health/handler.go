// Package health exposes the liveness and readiness probe endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
)

// brokerChecker reports whether the message broker connection is usable.
type brokerChecker interface {
	IsHealthy() bool
}

// storePinger verifies the persistence adapter is reachable.
type storePinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	broker brokerChecker
	store  storePinger
}

// NewHandler creates a new health check handler. A nil store means the
// in-memory adapter is in use and persistence is always considered healthy.
func NewHandler(broker brokerChecker, store storePinger) *Handler {
	return &Handler{broker: broker, store: store}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	brokerStatus := h.checkBroker()
	checks["broker"] = brokerStatus
	if brokerStatus != "healthy" {
		allHealthy = false
	}

	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBroker() string {
	if h.broker == nil || !h.broker.IsHealthy() {
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
