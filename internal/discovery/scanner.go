// internal/discovery/scanner.go - Device Matcher
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/utils"
)

// Enumerator lists the USB devices currently attached, in OS enumeration order
type Enumerator interface {
	Enumerate(ctx context.Context) ([]*model.DeviceDescriptor, error)
}

// Filter selects the target device
type Filter struct {
	VendorID  uint16
	ProductID uint16 // 0 matches any product
}

// Matches checks a descriptor against the filter
func (f Filter) Matches(device *model.DeviceDescriptor) bool {
	if device == nil || !device.HasPorts() {
		return false
	}
	if device.VendorID != f.VendorID {
		return false
	}
	return f.ProductID == 0 || device.ProductID == f.ProductID
}

// Matcher finds the first attached device matching a filter
type Matcher struct {
	enumerator Enumerator
	filter     Filter
	logger     *zap.Logger
}

// NewMatcher creates a new device matcher
func NewMatcher(enumerator Enumerator, filter Filter, logger *zap.Logger) *Matcher {
	return &Matcher{
		enumerator: enumerator,
		filter:     filter,
		logger: logger.With(
			zap.String("component", "matcher"),
			zap.String("vendor_filter", fmt.Sprintf("0x%04X", filter.VendorID)),
		),
	}
}

// FindDevice returns the first matching device or ErrNotFound
func (m *Matcher) FindDevice(ctx context.Context) (*model.DeviceDescriptor, error) {
	devices, err := m.enumerator.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("device enumeration failed: %w", err)
	}

	m.logger.Debug("Enumerated USB serial devices", zap.Int("device_count", len(devices)))

	for _, device := range devices {
		if m.filter.Matches(device) {
			m.logger.Info("Matched USB serial device", utils.DeviceFields(device)...)
			return device.Clone(), nil
		}
	}

	m.logger.Info("No matching USB serial device", zap.Int("device_count", len(devices)))
	return nil, ErrNotFound
}

// ListCandidates returns every enumerated device annotated with the filter result
func (m *Matcher) ListCandidates(ctx context.Context) ([]model.DeviceCandidate, error) {
	devices, err := m.enumerator.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("device enumeration failed: %w", err)
	}

	candidates := make([]model.DeviceCandidate, 0, len(devices))
	for _, device := range devices {
		candidates = append(candidates, model.DeviceCandidate{
			Device:  device.Clone(),
			Matches: m.filter.Matches(device),
		})
	}
	return candidates, nil
}
