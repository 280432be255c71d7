// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usblink-service/internal/config"
	"usblink-service/internal/model"
	"usblink-service/internal/utils"
)

// StatusProvider exposes the link status snapshot
type StatusProvider interface {
	Status() model.LinkStatus
}

// HealthHandler handles health check requests
type HealthHandler struct {
	link      StatusProvider
	streams   *ConnectionManager
	config    *config.Config
	logger    *utils.ServiceLogger
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(link StatusProvider, streams *ConnectionManager, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		link:      link,
		streams:   streams,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports service health and the link check
// @Summary Health check
// @Description Get overall service health including the serial link state
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := h.link.Status()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	link := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"state":      status.State,
			"permission": status.Permission,
			"bytes_read": status.Stats.BytesRead,
		},
	}
	switch status.State {
	case model.LinkStateStreaming:
		link.Message = "Link streaming"
	case model.LinkStateError:
		health.Status = "degraded"
		link.Status = "unhealthy"
		link.Message = status.LastError
		link.Data["reason"] = status.ErrorReason
	default:
		link.Status = "waiting"
		link.Message = "Link not connected"
	}
	health.Checks["link"] = link

	if h.streams != nil {
		stats := h.streams.GetStats()
		health.Checks["stream_clients"] = CheckResult{
			Status: "healthy",
			Data: map[string]interface{}{
				"connections":      stats.TotalConnections,
				"chunks_broadcast": stats.ChunksBroadcast,
				"slow_clients":     stats.SlowClients,
			},
		}
	}

	c.JSON(http.StatusOK, health)
}

// ReadinessCheck reports ready while the link is streaming
// @Summary Readiness check
// @Description Ready once the serial link is streaming
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Link is streaming"
// @Failure 503 {object} object{status=string,reason=string} "Link is not streaming"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	status := h.link.Status()
	if status.State != model.LinkStateStreaming {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "link " + string(status.State),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
// @Summary Liveness check
// @Description Check if service is alive
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
