package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	healthy bool
}

func (f *fakeBroker) IsHealthy() bool { return f.healthy }

type fakeStore struct {
	err error
}

func (f *fakeStore) Ping(context.Context) error { return f.err }

func perform(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health/live", h.Liveness)
	router.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(&fakeBroker{}, nil)

	w := perform(t, h, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness_AllHealthy(t *testing.T) {
	h := NewHandler(&fakeBroker{healthy: true}, &fakeStore{})

	w := perform(t, h, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["broker"])
	assert.Equal(t, "healthy", resp.Checks["store"])
}

func TestReadiness_BrokerDown(t *testing.T) {
	h := NewHandler(&fakeBroker{healthy: false}, &fakeStore{})

	w := perform(t, h, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["broker"])
	assert.Equal(t, "healthy", resp.Checks["store"])
}

func TestReadiness_StoreDown(t *testing.T) {
	h := NewHandler(&fakeBroker{healthy: true}, &fakeStore{err: errors.New("connection refused")})

	w := perform(t, h, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Checks["store"])
}

func TestReadiness_NilStoreIsHealthy(t *testing.T) {
	h := NewHandler(&fakeBroker{healthy: true}, nil)

	w := perform(t, h, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
}
