// internal/permission/gate.go - Permission Gate
package permission

import (
	"sync"

	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/utils"
)

// Decision is the immediate outcome of RequestAccess
type Decision int

const (
	DecisionGranted Decision = iota
	DecisionPending
	DecisionDenied
)

func (d Decision) String() string {
	switch d {
	case DecisionGranted:
		return "granted"
	case DecisionPending:
		return "pending"
	default:
		return "denied"
	}
}

// Authority is the OS-facing side of the gate
type Authority interface {
	// HasPermission reports whether access is already recorded for the device
	HasPermission(device *model.DeviceDescriptor) bool
	// RequestPermission raises a prompt; resolve may be called at most once, from any goroutine
	RequestPermission(device *model.DeviceDescriptor, resolve func(granted bool)) error
	// Cancel abandons an outstanding prompt
	Cancel(device *model.DeviceDescriptor)
}

type request struct {
	key    string
	device *model.DeviceDescriptor
	result chan bool
}

// Gate brokers access consent with at most one outstanding request
type Gate struct {
	mu        sync.Mutex
	authority Authority
	logger    *zap.Logger
	state     model.PermissionState
	pending   *request
}

// NewGate creates a permission gate backed by an authority
func NewGate(authority Authority, logger *zap.Logger) *Gate {
	return &Gate{
		authority: authority,
		logger:    logger.With(zap.String("component", "permission_gate")),
		state:     model.PermissionUnknown,
	}
}

// HasPermission checks whether the OS already recorded access for the device
func (g *Gate) HasPermission(device *model.DeviceDescriptor) bool {
	return g.authority.HasPermission(device)
}

// RequestAccess resolves synchronously when access is recorded, otherwise
// registers one request and returns a channel that receives the answer once.
// A repeated request for the device that is already pending returns the same channel.
func (g *Gate) RequestAccess(device *model.DeviceDescriptor) (Decision, <-chan bool) {
	g.mu.Lock()
	if g.pending != nil && g.pending.key == device.Key() {
		ch := g.pending.result
		g.mu.Unlock()
		return DecisionPending, ch
	}
	stale := g.pending
	g.pending = nil
	g.mu.Unlock()

	if stale != nil {
		g.authority.Cancel(stale.device)
	}

	if g.authority.HasPermission(device) {
		g.mu.Lock()
		g.setState(model.PermissionGranted)
		g.mu.Unlock()
		g.logger.Debug("Permission already recorded", utils.DeviceFields(device)...)
		return DecisionGranted, nil
	}

	req := &request{
		key:    device.Key(),
		device: device.Clone(),
		result: make(chan bool, 1),
	}

	g.mu.Lock()
	g.pending = req
	g.setState(model.PermissionPending)
	g.mu.Unlock()

	g.logger.Info("Permission requested", utils.DeviceFields(device)...)

	if err := g.authority.RequestPermission(req.device, func(granted bool) {
		g.resolve(req, granted)
	}); err != nil {
		g.logger.Warn("Permission request failed", zap.Error(err))
		g.resolve(req, false)
		return DecisionDenied, nil
	}

	return DecisionPending, req.result
}

// Resolve delivers the external grant/deny signal to the outstanding request.
// It returns false when nothing is pending.
func (g *Gate) Resolve(granted bool) bool {
	g.mu.Lock()
	req := g.pending
	g.mu.Unlock()

	if req == nil {
		g.logger.Debug("Permission signal ignored", zap.Bool("granted", granted))
		return false
	}

	if !g.resolve(req, granted) {
		return false
	}
	g.authority.Cancel(req.device)
	return true
}

// resolve answers req exactly once; later calls and stale requests are ignored
func (g *Gate) resolve(req *request, granted bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != req {
		return false
	}
	g.pending = nil

	if granted {
		g.setState(model.PermissionGranted)
	} else {
		g.setState(model.PermissionDenied)
	}
	req.result <- granted
	close(req.result)

	g.logger.Info("Permission resolved",
		zap.String("device", req.key),
		zap.Bool("granted", granted),
	)
	return true
}

// Reset abandons any outstanding request and returns to Unknown for a fresh attempt
func (g *Gate) Reset() {
	g.mu.Lock()
	req := g.pending
	g.pending = nil
	g.state = model.PermissionUnknown
	g.mu.Unlock()

	if req != nil {
		g.authority.Cancel(req.device)
	}
}

// State returns the current permission state
func (g *Gate) State() model.PermissionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending reports whether a request is outstanding
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// setState applies a forward-only transition; caller holds mu
func (g *Gate) setState(next model.PermissionState) {
	if g.state == next {
		return
	}
	if !g.state.CanTransition(next) {
		g.logger.Debug("Ignoring backward permission transition",
			zap.String("from", string(g.state)),
			zap.String("to", string(next)),
		)
		return
	}
	g.state = next
}
