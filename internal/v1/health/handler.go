package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/bus"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
)

// Handler manages health check endpoints
type Handler struct {
	redisService *bus.Service
}

// NewHandler creates a new health check handler
func NewHandler(redisService *bus.Service) *Handler {
	return &Handler{
		redisService: redisService,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	// Try to ping Redis
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
