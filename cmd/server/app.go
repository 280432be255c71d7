// cmd/server/app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"usblink-service/internal/config"
	"usblink-service/internal/discovery"
	serialdiscovery "usblink-service/internal/discovery/serial"
	"usblink-service/internal/handler"
	"usblink-service/internal/permission"
	"usblink-service/internal/protocol"
	"usblink-service/internal/protocol/usb"
	"usblink-service/internal/routes"
	"usblink-service/internal/service"
	"usblink-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	matcher    *discovery.Matcher
	gate       *permission.Gate
	usbOpener  *usb.DeviceOpener
	supervisor *service.Supervisor

	hub     *handler.ConnectionManager
	streams *handler.WebSocketHandler
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger, consumer service.Consumer) (*Application, error) {
	app := &Application{
		config: cfg,
		logger: logger,
	}

	app.initializeDiscovery()
	app.initializePermission()

	if consumer == nil {
		app.hub = handler.NewConnectionManager(logger)
		consumer = app.hub
	}

	if err := app.initializeSupervisor(consumer); err != nil {
		return nil, fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	return app, nil
}

// initializeDiscovery builds the device matcher over the serial enumerator
func (app *Application) initializeDiscovery() {
	app.matcher = newMatcher(app.config, app.logger)
}

func newMatcher(cfg *config.Config, logger *zap.Logger) *discovery.Matcher {
	filter := discovery.Filter{
		VendorID:  cfg.Link.VendorID,
		ProductID: cfg.Link.ProductID,
	}
	return discovery.NewMatcher(serialdiscovery.NewScanner(logger), filter, logger)
}

// initializePermission builds the gate over the configured authority
func (app *Application) initializePermission() {
	var authority permission.Authority
	switch app.config.Permission.Mode {
	case config.PermissionModeWatch:
		authority = permission.NewWatchAuthority(app.config.Permission.WatchTimeout, app.logger)
	default:
		authority = permission.NewOperatorAuthority(app.logger)
	}

	app.gate = permission.NewGate(authority, app.logger)
	app.logger.Info("Permission gate initialized", zap.String("mode", app.config.Permission.Mode))
}

// initializeSupervisor builds the link opener and the supervisor
func (app *Application) initializeSupervisor(consumer service.Consumer) error {
	var devices protocol.DeviceOpener = protocol.NoHandle{}
	if app.config.Link.Handle == config.HandleModeUSB {
		app.usbOpener = usb.NewDeviceOpener(app.logger)
		devices = app.usbOpener
	}

	opener := protocol.NewOpener(devices, protocol.SerialPortOpener{}, app.gate, app.config.LineConfig(), app.logger)

	app.supervisor = service.NewSupervisor(app.matcher, app.gate, opener, consumer, service.Options{
		AttemptTimeout:          app.config.Link.AttemptTimeout,
		ReadBufferSize:          app.config.Link.ReadBufferSize,
		ReportUnconnectedWrites: app.config.Link.ReportUnconnectedWrites,
	}, app.logger)

	app.logger.Info("Supervisor initialized",
		zap.String("vendor_filter", fmt.Sprintf("0x%04X", app.config.Link.VendorID)),
		zap.String("handle", app.config.Link.Handle),
		zap.Int("baud_rate", app.config.Link.BaudRate),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	app.streams = handler.NewWebSocketHandler(app.supervisor, app.hub, app.config.Security.AllowedOrigins, app.logger)

	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.supervisor,
		app.matcher,
		app.streams,
		app.hub,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// Serve runs the supervisor and the HTTP surface until ctx is cancelled
func (app *Application) Serve(ctx context.Context) error {
	app.initializeServer()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.startSupervisor(runCtx, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.streams.ForwardEvents(runCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	app.autoConnect(runCtx)

	var err error
	select {
	case <-ctx.Done():
		app.logger.Info("Received shutdown signal")
	case err = <-serverErr:
		if err != nil {
			app.logger.Error("HTTP server failed", zap.Error(err))
			err = fmt.Errorf("http server: %w", err)
		}
	}

	app.shutdown(cancel, &wg)
	return err
}

// startSupervisor runs the control loop in the background
func (app *Application) startSupervisor(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.supervisor.Run(ctx); err != nil {
			app.logger.Error("Supervisor stopped", zap.Error(err))
		}
	}()
}

// autoConnect starts the first attempt when configured
func (app *Application) autoConnect(ctx context.Context) {
	if !app.config.Link.AutoConnect {
		return
	}

	attemptID, err := app.supervisor.Connect(ctx)
	if err != nil {
		app.logger.Warn("Auto-connect not started", zap.Error(err))
		return
	}
	app.logger.Info("Auto-connect started", zap.String("attempt_id", attemptID))
}

// shutdown performs graceful shutdown
func (app *Application) shutdown(cancel context.CancelFunc, wg *sync.WaitGroup) {
	serviceLogger := utils.NewServiceLogger(app.logger, "usblink-service")
	serviceLogger.LogServiceStop("shutdown")

	if app.server != nil {
		ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()

		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
	}

	// The supervisor tears the link down before Run returns
	app.supervisor.Close()
	cancel()
	if app.streams != nil {
		app.streams.Close()
	}
	wg.Wait()

	if app.usbOpener != nil {
		if err := app.usbOpener.Close(); err != nil {
			app.logger.Warn("libusb context close error", zap.Error(err))
		}
	}

	app.logger.Info("Application shutdown completed")
}
