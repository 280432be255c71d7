// internal/protocol/usb/device_opener.go
package usb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/protocol"
)

// DeviceOpener opens libusb handles for matched devices
type DeviceOpener struct {
	mu     sync.Mutex
	ctx    *gousb.Context
	logger *zap.Logger
}

// NewDeviceOpener creates a device opener with its own libusb context
func NewDeviceOpener(logger *zap.Logger) *DeviceOpener {
	return &DeviceOpener{
		ctx:    gousb.NewContext(),
		logger: logger.With(zap.String("component", "usb_opener")),
	}
}

// OpenDevice implements protocol.DeviceOpener
func (o *DeviceOpener) OpenDevice(ctx context.Context, device *model.DeviceDescriptor) (protocol.DeviceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		return nil, fmt.Errorf("USB context closed")
	}

	vendorID := gousb.ID(device.VendorID)
	productID := gousb.ID(device.ProductID)

	var nodes []string
	devices, err := o.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != vendorID || desc.Product != productID {
			return false
		}
		nodes = append(nodes, NodePath(desc.Bus, desc.Address))
		return true
	})

	var selected *gousb.Device
	for _, dev := range devices {
		if selected == nil && o.serialMatches(dev, device.SerialNumber) {
			selected = dev
			continue
		}
		// Close extra devices
		dev.Close()
	}

	if selected != nil {
		if len(devices) > 1 {
			o.logger.Debug("Multiple matching USB devices found, using first one",
				zap.Int("count", len(devices)))
		}
		return selected, nil
	}

	if err != nil {
		if errors.Is(err, gousb.ErrorAccess) {
			accessErr := &protocol.AccessError{Err: err}
			if len(nodes) > 0 {
				accessErr.Node = nodes[0]
			}
			return nil, fmt.Errorf("failed to open USB device %s: %w", device.Key(), accessErr)
		}
		return nil, fmt.Errorf("failed to open USB device %s: %w", device.Key(), err)
	}

	return nil, fmt.Errorf("USB device not found (VID: %04X, PID: %04X)", device.VendorID, device.ProductID)
}

// NodePath returns the usbfs node libusb opens for a device
func NodePath(bus, address int) string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, address)
}

func (o *DeviceOpener) serialMatches(dev *gousb.Device, serialNumber string) bool {
	if serialNumber == "" {
		return true
	}
	actual, err := dev.SerialNumber()
	if err != nil {
		o.logger.Debug("Failed to read USB serial number", zap.Error(err))
		return false
	}
	return strings.EqualFold(actual, serialNumber)
}

// Close releases the libusb context
func (o *DeviceOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		return nil
	}
	err := o.ctx.Close()
	o.ctx = nil
	return err
}
