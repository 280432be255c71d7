// internal/permission/operator.go - Operator-confirmed permission
package permission

import (
	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/utils"
)

// checkAccess is a variable so tests can simulate node permissions
var checkAccess = nodeAccessible

// nodesAccessible checks access on every node the link opens
func nodesAccessible(device *model.DeviceDescriptor) bool {
	if !device.HasPorts() {
		return false
	}
	for _, node := range device.AccessNodes() {
		if !checkAccess(node) {
			return false
		}
	}
	return true
}

// OperatorAuthority records access from node permissions and leaves
// prompts to an operator, who answers through Gate.Resolve
type OperatorAuthority struct {
	logger *zap.Logger
}

// NewOperatorAuthority creates an operator authority
func NewOperatorAuthority(logger *zap.Logger) *OperatorAuthority {
	return &OperatorAuthority{
		logger: logger.With(zap.String("authority", "operator")),
	}
}

// HasPermission implements Authority
func (a *OperatorAuthority) HasPermission(device *model.DeviceDescriptor) bool {
	return nodesAccessible(device)
}

// RequestPermission implements Authority
func (a *OperatorAuthority) RequestPermission(device *model.DeviceDescriptor, resolve func(bool)) error {
	if !device.HasPorts() {
		return ErrNoPortNode
	}

	a.logger.Warn("Device access requires operator confirmation", append(utils.DeviceFields(device),
		zap.Strings("nodes", device.AccessNodes()))...)
	return nil
}

// Cancel implements Authority
func (a *OperatorAuthority) Cancel(device *model.DeviceDescriptor) {
	a.logger.Debug("Operator prompt withdrawn", utils.DeviceFields(device)...)
}
