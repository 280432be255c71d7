// internal/discovery/serial/scanner.go - USB serial port enumeration
package serial

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"usblink-service/internal/discovery/usb"
	"usblink-service/internal/model"
)

// listPorts is a variable so tests can replace the OS port list
var listPorts = enumerator.GetDetailedPortsList

// Scanner enumerates USB devices exposing serial ports
type Scanner struct {
	logger       *zap.Logger
	knownDevices *usb.DeviceDatabase
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		logger:       logger.With(zap.String("scanner", "serial")),
		knownDevices: usb.NewDeviceDatabase(),
	}
}

// Enumerate groups USB serial ports by physical device, preserving OS order
func (s *Scanner) Enumerate(ctx context.Context) ([]*model.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	var devices []*model.DeviceDescriptor
	byKey := make(map[string]*model.DeviceDescriptor)

	for _, port := range ports {
		if port == nil || !port.IsUSB {
			continue
		}

		vendorID, err := parseHexID(port.VID)
		if err != nil {
			s.logger.Debug("Skipping port with invalid vendor ID",
				zap.String("port", port.Name),
				zap.String("vid", port.VID),
			)
			continue
		}
		productID, err := parseHexID(port.PID)
		if err != nil {
			s.logger.Debug("Skipping port with invalid product ID",
				zap.String("port", port.Name),
				zap.String("pid", port.PID),
			)
			continue
		}

		device := &model.DeviceDescriptor{
			VendorID:     vendorID,
			ProductID:    productID,
			SerialNumber: port.SerialNumber,
			Product:      port.Product,
		}

		key := device.Key()
		if existing, ok := byKey[key]; ok {
			existing.Ports = append(existing.Ports, port.Name)
			continue
		}

		vendorName, productName := s.knownDevices.Describe(vendorID, productID)
		device.VendorName = vendorName
		if device.Product == "" {
			device.Product = productName
		}
		device.Ports = []string{port.Name}

		byKey[key] = device
		devices = append(devices, device)
	}

	s.logger.Debug("Serial scan completed",
		zap.Int("ports_found", len(ports)),
		zap.Int("devices_found", len(devices)),
	)

	return devices, nil
}

// parseHexID parses hex ID string (0x1234 or 1234)
func parseHexID(hexStr string) (uint16, error) {
	hexStr = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hexStr)), "0x")
	if hexStr == "" {
		return 0, fmt.Errorf("empty USB ID")
	}

	id, err := strconv.ParseUint(hexStr, 16, 16)
	if err != nil {
		return 0, err
	}

	return uint16(id), nil
}
