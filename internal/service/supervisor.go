// internal/service/supervisor.go - Connection Supervisor
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usblink-service/internal/discovery"
	"usblink-service/internal/model"
	"usblink-service/internal/permission"
	"usblink-service/internal/protocol"
	"usblink-service/internal/pump"
	"usblink-service/internal/utils"
)

// DeviceFinder selects the target device
type DeviceFinder interface {
	FindDevice(ctx context.Context) (*model.DeviceDescriptor, error)
}

// PermissionGate brokers access consent for the current attempt
type PermissionGate interface {
	RequestAccess(device *model.DeviceDescriptor) (permission.Decision, <-chan bool)
	Resolve(granted bool) bool
	Reset()
	State() model.PermissionState
}

// LinkOpener opens and configures the link
type LinkOpener interface {
	Open(ctx context.Context, device *model.DeviceDescriptor, granted bool) (*protocol.Connection, error)
}

// Consumer receives inbound chunks in arrival order, one call per chunk
type Consumer interface {
	OnData(chunk []byte)
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc func(chunk []byte)

// OnData implements Consumer
func (f ConsumerFunc) OnData(chunk []byte) { f(chunk) }

// Options tunes the supervisor
type Options struct {
	AttemptTimeout          time.Duration
	ReadBufferSize          int
	ReportUnconnectedWrites bool
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdResolvePermission
)

type command struct {
	kind    commandKind
	granted bool
	reply   chan commandReply
}

type commandReply struct {
	attemptID string
	ok        bool
	err       error
}

type attemptStep int

const (
	stepMatch attemptStep = iota
	stepOpen
)

type attemptResult struct {
	attemptID string
	step      attemptStep
	device    *model.DeviceDescriptor
	conn      *protocol.Connection
	granted   bool
	err       error
}

// Supervisor owns the single link. Run drives every state transition on one
// goroutine; the exported methods post commands to it.
type Supervisor struct {
	finder   DeviceFinder
	gate     PermissionGate
	opener   LinkOpener
	consumer Consumer
	bus      *EventBus
	logger   *utils.ServiceLogger
	opts     Options

	commands chan command
	results  chan attemptResult
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	helpers  sync.WaitGroup

	// owned by the Run goroutine
	runCtx        context.Context
	state         model.LinkState
	attemptID     string
	device        *model.DeviceDescriptor
	conn          *protocol.Connection
	pump          *pump.Pump
	events        <-chan pump.Event
	permission    <-chan bool
	cancelAttempt context.CancelFunc
	linkLogger    *utils.LinkLogger

	mu          sync.RWMutex
	snapshot    model.LinkStatus
	active      *pump.Pump
	chunks      atomic.Int64
	writeErrors atomic.Int64
}

// NewSupervisor creates a supervisor in the Idle state
func NewSupervisor(finder DeviceFinder, gate PermissionGate, opener LinkOpener, consumer Consumer, opts Options, logger *zap.Logger) *Supervisor {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}

	s := &Supervisor{
		finder:   finder,
		gate:     gate,
		opener:   opener,
		consumer: consumer,
		bus:      NewEventBus(logger.With(zap.String("component", "event_bus"))),
		logger:   utils.NewServiceLogger(logger, "supervisor"),
		opts:     opts,
		commands: make(chan command),
		results:  make(chan attemptResult),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    model.LinkStateIdle,
	}
	s.snapshot.State = model.LinkStateIdle
	s.linkLogger = utils.NewLinkLogger(logger, "", nil)
	return s
}

// Run drives the state machine until ctx is cancelled or Close is called.
// The link is torn down before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		s.bus.Start()
	}()

	s.logger.Info("Supervisor started",
		zap.Duration("attempt_timeout", s.opts.AttemptTimeout),
		zap.Bool("report_unconnected_writes", s.opts.ReportUnconnectedWrites),
	)

	defer func() {
		s.shutdown()
		cancel()
		s.helpers.Wait()
		s.bus.Close()
		<-busDone
		s.logger.LogServiceStop("supervisor closed")
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-s.stop:
			return nil
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case res := <-s.results:
			s.handleResult(res)
		case granted, ok := <-s.permission:
			s.handlePermission(granted, ok)
		case ev, ok := <-s.events:
			s.handlePumpEvent(ev, ok)
		}
	}
}

// Close stops Run and waits for the link to be torn down
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// Connect starts a new attempt from Idle or Error and returns its ID.
// Any other state is left unchanged and ErrAttemptInFlight is returned.
func (s *Supervisor) Connect(ctx context.Context) (string, error) {
	reply, err := s.do(ctx, command{kind: cmdConnect})
	if err != nil {
		return "", err
	}
	return reply.attemptID, reply.err
}

// Disconnect tears the link down, or abandons an attempt in progress
func (s *Supervisor) Disconnect(ctx context.Context) error {
	reply, err := s.do(ctx, command{kind: cmdDisconnect})
	if err != nil {
		return err
	}
	return reply.err
}

// ResolvePermission delivers the external grant/deny signal. It reports
// false, changing nothing, unless an attempt is awaiting permission.
func (s *Supervisor) ResolvePermission(ctx context.Context, granted bool) (bool, error) {
	reply, err := s.do(ctx, command{kind: cmdResolvePermission, granted: granted})
	if err != nil {
		return false, err
	}
	return reply.ok, nil
}

// Send writes data to the device. Without a link the write is dropped and
// nil is returned, unless unconnected writes are reported. A failed write
// keeps the link open.
func (s *Supervisor) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if active == nil {
		return s.notConnected(len(data))
	}

	if err := active.Write(data); err != nil {
		if errors.Is(err, pump.ErrNotConnected) {
			return s.notConnected(len(data))
		}

		s.writeErrors.Add(1)
		s.logger.Warn("Write to device failed", zap.Int("bytes", len(data)), zap.Error(err))
		s.bus.Publish(s.newEvent(model.EventWriteFailed, err.Error()))
		return err
	}
	return nil
}

func (s *Supervisor) notConnected(size int) error {
	if s.opts.ReportUnconnectedWrites {
		return ErrNotConnected
	}
	s.logger.Debug("Dropping write while unconnected", zap.Int("bytes", size))
	return nil
}

// Status returns a snapshot of the link
func (s *Supervisor) Status() model.LinkStatus {
	s.mu.RLock()
	status := s.snapshot
	active := s.active
	s.mu.RUnlock()

	status.Device = status.Device.Clone()
	status.Permission = s.gate.State()
	status.Stats.WriteErrors = s.writeErrors.Load()
	if active != nil {
		status.Stats.BytesRead = active.BytesRead()
		status.Stats.BytesWritten = active.BytesWritten()
		status.Stats.ChunksDelivered = s.chunks.Load()
	}
	return status
}

// Subscribe returns a subscription to link events
func (s *Supervisor) Subscribe() (string, <-chan model.LinkEvent) {
	return s.bus.Subscribe()
}

// Unsubscribe ends a subscription
func (s *Supervisor) Unsubscribe(id string) {
	s.bus.Unsubscribe(id)
}

func (s *Supervisor) do(ctx context.Context, cmd command) (commandReply, error) {
	cmd.reply = make(chan commandReply, 1)

	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	case <-s.done:
		return commandReply{}, ErrClosed
	case <-s.stop:
		return commandReply{}, ErrClosed
	}

	select {
	case reply := <-cmd.reply:
		return reply, nil
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	case <-s.done:
		return commandReply{}, ErrClosed
	case <-s.stop:
		return commandReply{}, ErrClosed
	}
}

func (s *Supervisor) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		if !s.state.AcceptsConnect() {
			s.logger.Debug("Connect ignored", zap.String("state", string(s.state)))
			cmd.reply <- commandReply{attemptID: s.attemptID, err: ErrAttemptInFlight}
			return
		}
		s.startAttempt()
		cmd.reply <- commandReply{attemptID: s.attemptID}

	case cmdDisconnect:
		s.disconnect()
		cmd.reply <- commandReply{}

	case cmdResolvePermission:
		if s.state != model.LinkStateAwaitingPermission {
			s.logger.Debug("Permission signal ignored",
				zap.String("state", string(s.state)),
				zap.Bool("granted", cmd.granted),
			)
			cmd.reply <- commandReply{}
			return
		}
		cmd.reply <- commandReply{ok: s.gate.Resolve(cmd.granted)}
	}
}

func (s *Supervisor) startAttempt() {
	s.cancelCurrentAttempt()
	s.gate.Reset()
	s.permission = nil

	s.attemptID = uuid.NewString()
	s.device = nil
	s.linkLogger = utils.NewLinkLogger(s.logger.Logger, s.attemptID, nil)

	s.mu.Lock()
	s.snapshot.AttemptID = s.attemptID
	s.snapshot.ErrorReason = model.ErrorReasonNone
	s.snapshot.LastError = ""
	s.snapshot.Device = nil
	s.mu.Unlock()

	s.linkLogger.Info("Connection attempt started")
	s.setState(model.LinkStateMatching)

	attemptID := s.attemptID
	s.spawn(func(ctx context.Context) attemptResult {
		device, err := s.finder.FindDevice(ctx)
		return attemptResult{attemptID: attemptID, step: stepMatch, device: device, err: err}
	})
}

func (s *Supervisor) startOpen(granted bool) {
	attemptID := s.attemptID
	device := s.device.Clone()
	s.spawn(func(ctx context.Context) attemptResult {
		conn, err := s.opener.Open(ctx, device, granted)
		return attemptResult{attemptID: attemptID, step: stepOpen, conn: conn, granted: granted, err: err}
	})
}

// spawn runs a blocking step off the control goroutine. The result is
// dropped, and any opened link closed, if the attempt is abandoned first.
func (s *Supervisor) spawn(step func(ctx context.Context) attemptResult) {
	s.cancelCurrentAttempt()
	attemptCtx, cancel := context.WithCancel(s.runCtx)
	s.cancelAttempt = cancel

	s.helpers.Add(1)
	go func() {
		defer s.helpers.Done()

		callCtx, cancelCall := context.WithTimeout(attemptCtx, s.opts.AttemptTimeout)
		res := step(callCtx)
		cancelCall()

		select {
		case s.results <- res:
		case <-attemptCtx.Done():
			if res.conn != nil {
				if err := res.conn.Close(); err != nil {
					s.logger.Warn("Failed to close abandoned link", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Supervisor) cancelCurrentAttempt() {
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
}

func (s *Supervisor) handleResult(res attemptResult) {
	expected := model.LinkStateMatching
	if res.step == stepOpen {
		expected = model.LinkStateOpening
	}

	if res.attemptID != s.attemptID || s.state != expected {
		s.logger.Debug("Discarding stale attempt result",
			zap.String("attempt_id", res.attemptID),
			zap.String("state", string(s.state)),
		)
		if res.conn != nil {
			if err := res.conn.Close(); err != nil {
				s.logger.Warn("Failed to close stale link", zap.Error(err))
			}
		}
		return
	}

	switch res.step {
	case stepMatch:
		s.onMatched(res)
	case stepOpen:
		s.onOpened(res)
	}
}

func (s *Supervisor) onMatched(res attemptResult) {
	if res.err != nil {
		if !errors.Is(res.err, discovery.ErrNotFound) {
			s.linkLogger.Warn("Device enumeration failed", zap.Error(res.err))
		}
		s.fail(model.ErrorReasonNoDevice, res.err)
		return
	}

	s.device = res.device
	s.linkLogger = utils.NewLinkLogger(s.logger.Logger, s.attemptID, res.device)

	s.mu.Lock()
	s.snapshot.Device = res.device.Clone()
	s.mu.Unlock()

	s.setState(model.LinkStateOpening)
	s.startOpen(false)
}

func (s *Supervisor) onOpened(res attemptResult) {
	if res.err == nil {
		s.startStreaming(res.conn)
		return
	}

	if errors.Is(res.err, protocol.ErrPermissionRequired) && !res.granted {
		s.recordRefusedNode(protocol.RefusedNode(res.err))
		s.requestPermission()
		return
	}

	s.fail(model.ErrorReasonOpenFailed, res.err)
}

// recordRefusedNode makes the refused handle node part of what permission covers
func (s *Supervisor) recordRefusedNode(node string) {
	if node == "" {
		return
	}
	if port, ok := s.device.PrimaryPort(); ok && port == node {
		return
	}

	device := s.device.Clone()
	device.HandleNode = node
	s.device = device

	s.mu.Lock()
	s.snapshot.Device = device.Clone()
	s.mu.Unlock()
}

func (s *Supervisor) requestPermission() {
	decision, result := s.gate.RequestAccess(s.device)
	s.linkLogger.Info("Permission requested", zap.Stringer("decision", decision))

	switch decision {
	case permission.DecisionGranted:
		s.startOpen(true)
	case permission.DecisionPending:
		s.permission = result
		s.setState(model.LinkStateAwaitingPermission)
		s.bus.Publish(s.newEvent(model.EventPermissionRequested, "device access requires permission"))
	default:
		s.fail(model.ErrorReasonPermissionDenied, ErrPermissionDenied)
	}
}

func (s *Supervisor) handlePermission(granted, ok bool) {
	s.permission = nil
	if s.state != model.LinkStateAwaitingPermission {
		return
	}
	if !ok {
		granted = false
	}

	message := "denied"
	if granted {
		message = "granted"
	}
	s.linkLogger.Info("Permission resolved", zap.Bool("granted", granted))
	s.bus.Publish(s.newEvent(model.EventPermissionResolved, message))

	if !granted {
		s.fail(model.ErrorReasonPermissionDenied, ErrPermissionDenied)
		return
	}

	s.setState(model.LinkStateOpening)
	s.startOpen(true)
}

func (s *Supervisor) startStreaming(conn *protocol.Connection) {
	s.cancelCurrentAttempt()

	p := pump.Start(conn.Port(), pump.Options{
		BufferSize: s.opts.ReadBufferSize,
		Logger:     s.linkLogger,
	})
	s.conn = conn
	s.pump = p
	s.events = p.Events()
	s.chunks.Store(0)

	connectedSince := conn.OpenedAt()
	s.mu.Lock()
	s.active = p
	s.snapshot.Stats = model.LinkStats{ConnectedSince: &connectedSince}
	s.mu.Unlock()

	s.linkLogger.LogConnection("open", true, nil)
	s.setState(model.LinkStateStreaming)
	s.bus.Publish(s.newEvent(model.EventConnected, conn.PortName()))
}

func (s *Supervisor) handlePumpEvent(ev pump.Event, ok bool) {
	if !ok || ev.Err != nil {
		err := ev.Err
		if err == nil {
			err = pump.ErrRuntimeIO
		}
		s.linkLogger.LogConnection("read", false, err)
		s.teardown()

		s.mu.Lock()
		s.snapshot.LastError = err.Error()
		s.mu.Unlock()

		s.setState(model.LinkStateIdle)
		s.bus.Publish(s.newEvent(model.EventDisconnected, err.Error()))
		return
	}

	s.chunks.Add(1)
	s.deliver(ev.Data)
}

// deliver hands one chunk to the consumer; a consumer panic is logged, not propagated
func (s *Supervisor) deliver(chunk []byte) {
	if s.consumer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Consumer panicked", zap.Any("panic", r))
		}
	}()
	s.consumer.OnData(chunk)
}

func (s *Supervisor) disconnect() {
	switch s.state {
	case model.LinkStateStreaming:
		s.teardown()
		s.linkLogger.LogConnection("close", true, nil)
		s.setState(model.LinkStateIdle)
		s.bus.Publish(s.newEvent(model.EventDisconnected, "disconnect requested"))

	case model.LinkStateMatching, model.LinkStateOpening, model.LinkStateAwaitingPermission:
		s.cancelCurrentAttempt()
		s.permission = nil
		s.gate.Reset()
		s.linkLogger.Info("Connection attempt abandoned")
		s.setState(model.LinkStateIdle)
		s.bus.Publish(s.newEvent(model.EventDisconnected, "attempt abandoned"))

	case model.LinkStateError:
		s.mu.Lock()
		s.snapshot.ErrorReason = model.ErrorReasonNone
		s.mu.Unlock()
		s.setState(model.LinkStateIdle)
	}
}

func (s *Supervisor) fail(reason model.ErrorReason, err error) {
	s.cancelCurrentAttempt()
	s.permission = nil

	s.mu.Lock()
	s.snapshot.ErrorReason = reason
	s.snapshot.LastError = err.Error()
	s.mu.Unlock()

	s.linkLogger.LogConnection("attempt", false, err)
	s.setState(model.LinkStateError)

	event := s.newEvent(model.EventAttemptFailed, err.Error())
	event.Reason = reason
	s.bus.Publish(event)
}

// teardown stops the pump before closing the connection
func (s *Supervisor) teardown() {
	if s.pump != nil {
		s.pump.Stop()
	}

	s.mu.Lock()
	s.active = nil
	s.snapshot.Stats = model.LinkStats{}
	s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.linkLogger.Warn("Failed to close link", zap.Error(err))
		}
	}

	s.pump = nil
	s.conn = nil
	s.events = nil
}

func (s *Supervisor) shutdown() {
	s.cancelCurrentAttempt()
	s.permission = nil
	if s.state == model.LinkStateStreaming {
		s.teardown()
		s.setState(model.LinkStateIdle)
		s.bus.Publish(s.newEvent(model.EventDisconnected, "supervisor closed"))
	}
	s.gate.Reset()
}

func (s *Supervisor) setState(next model.LinkState) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next

	s.mu.Lock()
	s.snapshot.State = next
	if next != model.LinkStateError {
		s.snapshot.ErrorReason = model.ErrorReasonNone
	}
	s.mu.Unlock()

	s.linkLogger.Debug("Link state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)

	event := s.newEvent(model.EventStateChanged, fmt.Sprintf("%s -> %s", prev, next))
	event.Previous = prev
	s.bus.Publish(event)
}

func (s *Supervisor) newEvent(eventType model.EventType, message string) model.LinkEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.LinkEvent{
		Type:      eventType,
		AttemptID: s.snapshot.AttemptID,
		State:     s.snapshot.State,
		Reason:    s.snapshot.ErrorReason,
		Message:   message,
		Device:    s.snapshot.Device.Clone(),
		Timestamp: time.Now(),
	}
}
