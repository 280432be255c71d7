// internal/handler/link_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/service"
	"usblink-service/internal/utils"
)

// LinkController is the supervisor surface driven by the HTTP and WebSocket handlers
type LinkController interface {
	Connect(ctx context.Context) (string, error)
	Disconnect(ctx context.Context) error
	ResolvePermission(ctx context.Context, granted bool) (bool, error)
	Send(data []byte) error
	Status() model.LinkStatus
	Subscribe() (string, <-chan model.LinkEvent)
	Unsubscribe(id string)
}

// DeviceLister lists attached devices annotated with the filter result
type DeviceLister interface {
	ListCandidates(ctx context.Context) ([]model.DeviceCandidate, error)
}

// LinkHandler handles link-related HTTP requests
type LinkHandler struct {
	link    LinkController
	devices DeviceLister
	logger  *utils.ServiceLogger
}

// PermissionRequest carries the external grant/deny signal
type PermissionRequest struct {
	Granted *bool `json:"granted" binding:"required"`
}

// SendRequest carries an outbound write
type SendRequest struct {
	Data     string `json:"data" binding:"required"`
	Encoding string `json:"encoding"`
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(link LinkController, devices DeviceLister, logger *zap.Logger) *LinkHandler {
	return &LinkHandler{
		link:    link,
		devices: devices,
		logger:  utils.NewServiceLogger(logger, "link-handler"),
	}
}

// RegisterRoutes registers link routes
func (h *LinkHandler) RegisterRoutes(router *gin.RouterGroup) {
	link := router.Group("/link")
	{
		link.GET("", h.GetStatus)
		link.POST("/connect", h.Connect)
		link.POST("/disconnect", h.Disconnect)
		link.POST("/permission", h.ResolvePermission)
		link.POST("/send", h.Send)
	}

	router.GET("/devices", h.ListDevices)
}

// GetStatus returns the link status
// @Summary Link status
// @Description Get the supervisor state, permission state, device and stats
// @Tags Link
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.LinkStatus} "Link status"
// @Router /link [get]
func (h *LinkHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Link status retrieved", h.link.Status())
}

// Connect starts a connection attempt
// @Summary Connect
// @Description Start matching, permission and open for the target device
// @Tags Link
// @Produce json
// @Success 202 {object} utils.APIResponse "Attempt started"
// @Failure 409 {object} utils.APIResponse "Attempt already in progress"
// @Failure 503 {object} utils.APIResponse "Supervisor stopped"
// @Router /link/connect [post]
func (h *LinkHandler) Connect(c *gin.Context) {
	attemptID, err := h.link.Connect(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrAttemptInFlight) {
			status := h.link.Status()
			status.AttemptID = attemptID
			utils.LinkErrorResponse(c, http.StatusConflict, "Connection attempt already in progress", err, status)
			return
		}
		h.commandFailed(c, "Failed to start connection attempt", err)
		return
	}

	h.logger.Info("Connection attempt started", zap.String("attempt_id", attemptID))
	utils.SuccessResponse(c, http.StatusAccepted, "Connection attempt started", gin.H{
		"attempt_id": attemptID,
	})
}

// Disconnect tears the link down
// @Summary Disconnect
// @Description Close the link or abandon the attempt in progress
// @Tags Link
// @Produce json
// @Success 200 {object} utils.APIResponse "Disconnected"
// @Router /link/disconnect [post]
func (h *LinkHandler) Disconnect(c *gin.Context) {
	if err := h.link.Disconnect(c.Request.Context()); err != nil {
		h.commandFailed(c, "Failed to disconnect", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Disconnected", h.link.Status())
}

// ResolvePermission delivers the grant/deny signal
// @Summary Resolve permission
// @Description Grant or deny access for the attempt awaiting permission
// @Tags Link
// @Accept json
// @Produce json
// @Param request body PermissionRequest true "Permission decision"
// @Success 200 {object} utils.APIResponse "Decision applied"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 409 {object} utils.APIResponse "No attempt awaiting permission"
// @Router /link/permission [post]
func (h *LinkHandler) ResolvePermission(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resolved, err := h.link.ResolvePermission(c.Request.Context(), *req.Granted)
	if err != nil {
		h.commandFailed(c, "Failed to resolve permission", err)
		return
	}
	if !resolved {
		utils.LinkErrorResponse(c, http.StatusConflict, "No attempt awaiting permission", nil, h.link.Status())
		return
	}

	h.logger.Info("Permission resolved", zap.Bool("granted", *req.Granted))
	utils.SuccessResponse(c, http.StatusOK, "Permission resolved", gin.H{"granted": *req.Granted})
}

// Send writes data to the device
// @Summary Send
// @Description Write data to the device; encoding is text (default), hex or base64
// @Tags Link
// @Accept json
// @Produce json
// @Param request body SendRequest true "Outbound data"
// @Success 200 {object} utils.APIResponse "Data written"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 409 {object} utils.APIResponse "Link not connected"
// @Failure 502 {object} utils.APIResponse "Device write failed"
// @Router /link/send [post]
func (h *LinkHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	data, err := decodePayload(req.Data, req.Encoding)
	if err != nil {
		utils.ValidationErrorResponse(c, map[string]string{"data": err.Error()})
		return
	}

	if err := h.link.Send(data); err != nil {
		if errors.Is(err, service.ErrNotConnected) {
			utils.LinkErrorResponse(c, http.StatusConflict, "Link not connected", err, h.link.Status())
			return
		}
		h.logger.Warn("Send failed", zap.Int("bytes", len(data)), zap.Error(err))
		utils.ErrorResponse(c, http.StatusBadGateway, "Device write failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Data sent", gin.H{"bytes": len(data)})
}

// ListDevices lists attached USB serial devices
// @Summary List devices
// @Description Enumerate attached USB serial devices and mark those matching the filter
// @Tags Devices
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]model.DeviceCandidate} "Devices"
// @Failure 500 {object} utils.APIResponse "Enumeration failed"
// @Router /devices [get]
func (h *LinkHandler) ListDevices(c *gin.Context) {
	candidates, err := h.devices.ListCandidates(c.Request.Context())
	if err != nil {
		h.logger.Error("Device enumeration failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to enumerate devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", candidates)
}

func (h *LinkHandler) commandFailed(c *gin.Context, message string, err error) {
	if errors.Is(err, service.ErrClosed) {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, message, err)
		return
	}
	h.logger.Error(message, zap.Error(err))
	utils.ErrorResponse(c, http.StatusInternalServerError, message, err)
}
