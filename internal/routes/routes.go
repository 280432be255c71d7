// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usblink-service/internal/config"
	"usblink-service/internal/handler"
	"usblink-service/internal/middleware"
	"usblink-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config  *config.Config
	logger  *zap.Logger
	link    handler.LinkController
	devices handler.DeviceLister
	streams *handler.WebSocketHandler
	hub     *handler.ConnectionManager
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	link handler.LinkController,
	devices handler.DeviceLister,
	streams *handler.WebSocketHandler,
	hub *handler.ConnectionManager,
) *Router {
	return &Router{
		config:  config,
		logger:  logger,
		link:    link,
		devices: devices,
		streams: streams,
		hub:     hub,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.link, r.hub, r.config, r.logger)
	linkHandler := handler.NewLinkHandler(r.link, r.devices, r.logger)

	// Health check routes
	healthHandler.RegisterRoutes(router)

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	linkHandler.RegisterRoutes(apiV1)

	// WebSocket routes
	r.streams.RegisterRoutes(router.Group("/ws"))

	r.logger.Info("All routes configured successfully")
}
