// internal/protocol/opener.go - Link Opener
package protocol

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/utils"
)

// DeviceOpener obtains the low-level handle for a device
type DeviceOpener interface {
	OpenDevice(ctx context.Context, device *model.DeviceDescriptor) (DeviceHandle, error)
}

// PermissionChecker reports whether access was already recorded for a device
type PermissionChecker interface {
	HasPermission(device *model.DeviceDescriptor) bool
}

// Opener opens and configures the serial link of a matched device
type Opener struct {
	devices     DeviceOpener
	ports       PortOpener
	permissions PermissionChecker
	line        model.LineConfig
	logger      *zap.Logger
}

// NewOpener creates a new link opener
func NewOpener(devices DeviceOpener, ports PortOpener, permissions PermissionChecker, line model.LineConfig, logger *zap.Logger) *Opener {
	if devices == nil {
		devices = NoHandle{}
	}
	if ports == nil {
		ports = SerialPortOpener{}
	}
	return &Opener{
		devices:     devices,
		ports:       ports,
		permissions: permissions,
		line:        line,
		logger:      logger.With(zap.String("component", "opener")),
	}
}

// Open obtains the device handle, opens port 0 and applies the line configuration.
// granted tells the opener that permission was just confirmed for this attempt.
// On any failure nothing is left open.
func (o *Opener) Open(ctx context.Context, device *model.DeviceDescriptor, granted bool) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, &OpenError{Kind: ErrDeviceUnavailable, Err: err}
	}

	logger := o.logger.With(utils.DeviceFields(device)...)

	handle, err := o.devices.OpenDevice(ctx, device)
	if err != nil {
		return nil, o.handleFailure(logger, device, granted, "", err)
	}

	portName, ok := device.PrimaryPort()
	if !ok {
		closeAll(handle)
		logger.Warn("Device exposes no serial port")
		return nil, &OpenError{Kind: ErrNoPort}
	}

	mode, err := ModeFor(o.line)
	if err != nil {
		closeAll(handle)
		return nil, &OpenError{Kind: ErrConfigFailed, Port: portName, Err: err}
	}

	logger.Info("Opening serial port",
		zap.String("port", portName),
		zap.Int("baud_rate", o.line.BaudRate),
		zap.Int("data_bits", o.line.DataBits),
		zap.String("stop_bits", string(o.line.StopBits)),
		zap.String("parity", string(o.line.Parity)),
	)

	port, err := o.ports.OpenPort(portName, mode)
	if err != nil {
		if isModeRejected(err) {
			closeAll(handle)
			logger.Error("Serial port rejected line settings", zap.Error(err))
			return nil, &OpenError{Kind: ErrConfigFailed, Port: portName, Err: err}
		}
		closeAll(handle)
		return nil, o.handleFailure(logger, device, granted, portName, err)
	}

	if err := o.configure(port); err != nil {
		if closeErr := closeAll(port, handle); closeErr != nil {
			logger.Warn("Failed to release partially opened link", zap.Error(closeErr))
		}
		logger.Error("Failed to configure serial port", zap.Error(err))
		return nil, &OpenError{Kind: ErrConfigFailed, Port: portName, Err: err}
	}

	logger.Info("Serial link opened", zap.String("port", portName))
	return newConnection(portName, port, handle), nil
}

// configure applies modem lines and read timeout; all calls must succeed
func (o *Opener) configure(port Port) error {
	if err := port.SetDTR(o.line.DTR); err != nil {
		return fmt.Errorf("failed to set DTR: %w", err)
	}
	if err := port.SetRTS(o.line.RTS); err != nil {
		return fmt.Errorf("failed to set RTS: %w", err)
	}
	if o.line.ReadTimeout > 0 {
		if err := port.SetReadTimeout(o.line.ReadTimeout); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
	}
	return nil
}

// handleFailure classifies a failure to obtain the handle or the port.
// An access refusal before permission was confirmed always asks for
// permission, whatever the other nodes allow.
func (o *Opener) handleFailure(logger *zap.Logger, device *model.DeviceDescriptor, granted bool, portName string, err error) error {
	denied := isAccessError(err)
	node := refusedNode(err, portName)

	if !granted && (denied || !o.hasPermission(device)) {
		logger.Info("Device access not yet permitted",
			zap.String("node", node),
			zap.Error(err),
		)
		return &OpenError{Kind: ErrPermissionRequired, Port: portName, Node: node, Err: err}
	}

	logger.Error("Device unavailable",
		zap.Bool("access_error", denied),
		zap.String("node", node),
		zap.Error(err),
	)
	return &OpenError{Kind: ErrDeviceUnavailable, Port: portName, Node: node, Err: err}
}

// refusedNode names the node an access error refers to
func refusedNode(err error, portName string) string {
	var accessErr *AccessError
	if errors.As(err, &accessErr) && accessErr.Node != "" {
		return accessErr.Node
	}
	if isAccessError(err) {
		return portName
	}
	return ""
}

// RefusedNode returns the node named by an OpenError, if any
func RefusedNode(err error) string {
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr.Node
	}
	return ""
}

func (o *Opener) hasPermission(device *model.DeviceDescriptor) bool {
	if o.permissions == nil {
		return true
	}
	return o.permissions.HasPermission(device)
}

// NoHandle is a DeviceOpener for hosts where only the serial node is opened
type NoHandle struct{}

// OpenDevice implements DeviceOpener
func (NoHandle) OpenDevice(context.Context, *model.DeviceDescriptor) (DeviceHandle, error) {
	return nopHandle{}, nil
}

type nopHandle struct{}

func (nopHandle) Close() error { return nil }
