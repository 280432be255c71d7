package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"usblink-service/internal/discovery"
	"usblink-service/internal/model"
	"usblink-service/internal/permission"
	"usblink-service/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var target = &model.DeviceDescriptor{
	VendorID:  1155,
	ProductID: 0x5740,
	Ports:     []string{"/dev/ttyACM0"},
}

// testPort is a serial port whose reads are fed by the test
type testPort struct {
	reads     chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	writes   int
}

func newTestPort() *testPort {
	return &testPort{
		reads:   make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (p *testPort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.reads:
		return copy(buf, data), nil
	case err := <-p.readErr:
		return 0, err
	case <-p.closed:
		return 0, errors.New("port closed")
	}
}

func (p *testPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(data)
}

func (p *testPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *testPort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *testPort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *testPort) SetDTR(bool) error                  { return nil }
func (p *testPort) SetRTS(bool) error                  { return nil }
func (p *testPort) SetReadTimeout(time.Duration) error { return nil }

type testPorts struct {
	port *testPort
}

func (f *testPorts) OpenPort(string, *serial.Mode) (protocol.Port, error) {
	return f.port, nil
}

// testDevices refuses the device handle until access is allowed
type testDevices struct {
	allowed atomic.Bool
	block   chan struct{}
}

type nopHandle struct{}

func (nopHandle) Close() error { return nil }

func (f *testDevices) OpenDevice(ctx context.Context, _ *model.DeviceDescriptor) (protocol.DeviceHandle, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !f.allowed.Load() {
		return nil, &protocol.AccessError{Node: "/dev/bus/usb/001/004", Err: errors.New("LIBUSB_ERROR_ACCESS")}
	}
	return nopHandle{}, nil
}

// recordingOpener counts opens and the granted flag of each
type recordingOpener struct {
	inner *protocol.Opener
	mu    sync.Mutex
	calls []bool
}

func (o *recordingOpener) Open(ctx context.Context, device *model.DeviceDescriptor, granted bool) (*protocol.Connection, error) {
	o.mu.Lock()
	o.calls = append(o.calls, granted)
	o.mu.Unlock()
	return o.inner.Open(ctx, device, granted)
}

func (o *recordingOpener) grantedFlags() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.calls...)
}

type testFinder struct {
	devices []*model.DeviceDescriptor
}

func (f *testFinder) Enumerate(context.Context) ([]*model.DeviceDescriptor, error) {
	return f.devices, nil
}

// testAuthority records access once allowed is set; prompts are answered through the gate
// With portOnly set it reports the tty as accessible, so only a device carrying
// a refused handle node lacks permission.
type testAuthority struct {
	allowed   *atomic.Bool
	portOnly  bool
	requests  atomic.Int32
	requested atomic.Pointer[model.DeviceDescriptor]
}

func (a *testAuthority) HasPermission(device *model.DeviceDescriptor) bool {
	if a.portOnly && device.HandleNode == "" {
		return true
	}
	return a.allowed.Load()
}

func (a *testAuthority) RequestPermission(device *model.DeviceDescriptor, _ func(bool)) error {
	a.requests.Add(1)
	a.requested.Store(device.Clone())
	return nil
}

func (a *testAuthority) Cancel(*model.DeviceDescriptor) {}

type recordingConsumer struct {
	mu     sync.Mutex
	chunks [][]byte
	notify chan struct{}
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{notify: make(chan struct{}, 1024)}
}

func (c *recordingConsumer) OnData(chunk []byte) {
	c.mu.Lock()
	c.chunks = append(c.chunks, chunk)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *recordingConsumer) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.chunks...)
}

type harness struct {
	sup       *Supervisor
	port      *testPort
	devices   *testDevices
	opener    *recordingOpener
	authority *testAuthority
	consumer  *recordingConsumer
	events    <-chan model.LinkEvent
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	devices      []*model.DeviceDescriptor
	preGranted   bool
	blockOpen    bool
	reportWrites bool
	portOnly     bool
}

func withDevices(devices ...*model.DeviceDescriptor) harnessOption {
	return func(c *harnessConfig) { c.devices = devices }
}

func preGranted() harnessOption {
	return func(c *harnessConfig) { c.preGranted = true }
}

func blockingOpen() harnessOption {
	return func(c *harnessConfig) { c.blockOpen = true }
}

func portAccessible() harnessOption {
	return func(c *harnessConfig) { c.portOnly = true }
}

func reportingWrites() harnessOption {
	return func(c *harnessConfig) { c.reportWrites = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{devices: []*model.DeviceDescriptor{target}}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	var allowed atomic.Bool
	allowed.Store(cfg.preGranted)

	authority := &testAuthority{allowed: &allowed, portOnly: cfg.portOnly}
	gate := permission.NewGate(authority, logger)

	devices := &testDevices{}
	devices.allowed.Store(cfg.preGranted)
	if cfg.blockOpen {
		devices.block = make(chan struct{})
	}

	port := newTestPort()
	opener := &recordingOpener{
		inner: protocol.NewOpener(devices, &testPorts{port: port}, gate, model.DefaultLineConfig(), logger),
	}

	matcher := discovery.NewMatcher(&testFinder{devices: cfg.devices}, discovery.Filter{VendorID: 1155}, logger)
	consumer := newRecordingConsumer()

	sup := NewSupervisor(matcher, gate, opener, consumer, Options{
		AttemptTimeout:          time.Second,
		ReportUnconnectedWrites: cfg.reportWrites,
	}, logger)

	_, events := sup.Subscribe()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sup.Run(context.Background())
	}()
	t.Cleanup(func() {
		if devices.block != nil {
			select {
			case <-devices.block:
			default:
				close(devices.block)
			}
		}
		sup.Close()
		<-runDone
	})

	return &harness{
		sup:       sup,
		port:      port,
		devices:   devices,
		opener:    opener,
		authority: authority,
		consumer:  consumer,
		events:    events,
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	_, err := h.sup.Connect(context.Background())
	require.NoError(t, err)
}

func (h *harness) waitState(t *testing.T, state model.LinkState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.sup.Status().State == state
	}, 2*time.Second, 5*time.Millisecond, "state %s not reached, have %s", state, h.sup.Status().State)
}

// statesUntil collects STATE_CHANGED targets until state is reached
func (h *harness) statesUntil(t *testing.T, state model.LinkState) []model.LinkState {
	t.Helper()
	var states []model.LinkState
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type != model.EventStateChanged {
				continue
			}
			states = append(states, ev.State)
			if ev.State == state {
				return states
			}
		case <-timeout:
			t.Fatalf("state %s not reached, saw %v", state, states)
			return nil
		}
	}
}

func (h *harness) waitEvent(t *testing.T, eventType model.EventType) model.LinkEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("event %s not published", eventType)
			return model.LinkEvent{}
		}
	}
}

func (h *harness) grant(t *testing.T, granted bool) {
	t.Helper()
	if granted {
		h.devices.allowed.Store(true)
	}
	ok, err := h.sup.ResolvePermission(context.Background(), granted)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNoMatchingDevice(t *testing.T) {
	h := newHarness(t, withDevices(&model.DeviceDescriptor{VendorID: 0x0403, Ports: []string{"/dev/ttyUSB0"}}))
	h.connect(t)

	ev := h.waitEvent(t, model.EventAttemptFailed)
	assert.Equal(t, model.ErrorReasonNoDevice, ev.Reason)

	status := h.sup.Status()
	assert.Equal(t, model.LinkStateError, status.State)
	assert.Equal(t, model.ErrorReasonNoDevice, status.ErrorReason)
	assert.Empty(t, h.opener.grantedFlags())
}

func TestPreGrantedSkipsAwaitingPermission(t *testing.T) {
	h := newHarness(t, preGranted())
	h.connect(t)

	states := h.statesUntil(t, model.LinkStateStreaming)
	assert.Equal(t, []model.LinkState{
		model.LinkStateMatching,
		model.LinkStateOpening,
		model.LinkStateStreaming,
	}, states)
	assert.Zero(t, h.authority.requests.Load())
	assert.Equal(t, []bool{false}, h.opener.grantedFlags())
	assert.Equal(t, model.PermissionUnknown, h.sup.Status().Permission)
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.waitEvent(t, model.EventPermissionRequested)
	assert.Equal(t, model.LinkStateAwaitingPermission, h.sup.Status().State)
	assert.Equal(t, model.PermissionPending, h.sup.Status().Permission)

	h.grant(t, false)
	h.waitState(t, model.LinkStateError)

	status := h.sup.Status()
	assert.Equal(t, model.ErrorReasonPermissionDenied, status.ErrorReason)
	assert.Equal(t, model.PermissionDenied, status.Permission)

	// no further opens until a new connect
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{false}, h.opener.grantedFlags())
}

func TestGrantReopensOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.waitEvent(t, model.EventPermissionRequested)
	h.grant(t, true)

	states := h.statesUntil(t, model.LinkStateStreaming)
	assert.Equal(t, []model.LinkState{model.LinkStateOpening, model.LinkStateStreaming}, states)
	assert.Equal(t, []bool{false, true}, h.opener.grantedFlags())
	assert.Equal(t, model.PermissionGranted, h.sup.Status().Permission)
}

func TestGrantWithDeviceStillUnavailable(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.waitEvent(t, model.EventPermissionRequested)
	// signal granted but the handle still fails: exactly one retry
	ok, err := h.sup.ResolvePermission(context.Background(), true)
	require.NoError(t, err)
	require.True(t, ok)

	ev := h.waitEvent(t, model.EventAttemptFailed)
	assert.Equal(t, model.ErrorReasonOpenFailed, ev.Reason)
	assert.Equal(t, []bool{false, true}, h.opener.grantedFlags())
}

func TestRefusedHandleAsksPermissionWhilePortAccessible(t *testing.T) {
	h := newHarness(t, portAccessible())
	h.connect(t)

	h.waitEvent(t, model.EventPermissionRequested)
	assert.Equal(t, model.LinkStateAwaitingPermission, h.sup.Status().State)

	requested := h.authority.requested.Load()
	require.NotNil(t, requested)
	assert.Equal(t, "/dev/bus/usb/001/004", requested.HandleNode)
	assert.Equal(t, "/dev/bus/usb/001/004", h.sup.Status().Device.HandleNode)

	h.grant(t, true)
	h.waitState(t, model.LinkStateStreaming)
	assert.Equal(t, []bool{false, true}, h.opener.grantedFlags())
}

func TestPermissionSignalIgnoredWhenNotAwaiting(t *testing.T) {
	h := newHarness(t)

	ok, err := h.sup.ResolvePermission(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.LinkStateIdle, h.sup.Status().State)
}

func TestChunksReachConsumerInOrder(t *testing.T) {
	h := newHarness(t, preGranted())
	h.connect(t)
	h.waitState(t, model.LinkStateStreaming)

	const n = 50
	for i := 0; i < n; i++ {
		h.port.reads <- []byte(fmt.Sprintf("frame-%02d", i))
	}

	for i := 0; i < n; i++ {
		select {
		case <-h.consumer.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d chunks delivered", i)
		}
	}

	chunks := h.consumer.received()
	require.Len(t, chunks, n)
	for i, chunk := range chunks {
		assert.Equal(t, fmt.Sprintf("frame-%02d", i), string(chunk))
	}
	assert.EqualValues(t, n, h.sup.Status().Stats.ChunksDelivered)
}

func TestConnectWhileStreamingIsNoOp(t *testing.T) {
	h := newHarness(t, preGranted())
	attemptID, err := h.sup.Connect(context.Background())
	require.NoError(t, err)
	h.waitState(t, model.LinkStateStreaming)

	again, err := h.sup.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAttemptInFlight)
	assert.Equal(t, attemptID, again)

	status := h.sup.Status()
	assert.Equal(t, model.LinkStateStreaming, status.State)
	assert.Equal(t, attemptID, status.AttemptID)
	assert.Equal(t, []bool{false}, h.opener.grantedFlags())
	assert.False(t, h.port.isClosed())
}

func TestConnectWhileOpeningIsNoOp(t *testing.T) {
	h := newHarness(t, preGranted(), blockingOpen())
	h.connect(t)
	h.waitState(t, model.LinkStateOpening)

	_, err := h.sup.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAttemptInFlight)
	assert.Equal(t, model.LinkStateOpening, h.sup.Status().State)

	close(h.devices.block)
	h.waitState(t, model.LinkStateStreaming)
	assert.Equal(t, []bool{false}, h.opener.grantedFlags())
}

func TestSendWhileIdle(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.sup.Send([]byte("ping")))
	assert.Zero(t, h.port.writeCount())
}

func TestSendWhileIdleReported(t *testing.T) {
	h := newHarness(t, reportingWrites())

	assert.ErrorIs(t, h.sup.Send([]byte("ping")), ErrNotConnected)
	assert.NoError(t, h.sup.Send(nil))
	assert.Zero(t, h.port.writeCount())
}

func TestSendWhileStreaming(t *testing.T) {
	h := newHarness(t, preGranted())
	h.connect(t)
	h.waitState(t, model.LinkStateStreaming)

	require.NoError(t, h.sup.Send([]byte("AT\r\n")))
	assert.Equal(t, "AT\r\n", h.port.written.String())
	assert.EqualValues(t, 4, h.sup.Status().Stats.BytesWritten)
}

func TestWriteFailureKeepsLink(t *testing.T) {
	h := newHarness(t, preGranted())
	h.connect(t)
	h.waitState(t, model.LinkStateStreaming)

	h.port.mu.Lock()
	h.port.writeErr = errors.New("EIO")
	h.port.mu.Unlock()

	assert.Error(t, h.sup.Send([]byte("x")))
	h.waitEvent(t, model.EventWriteFailed)

	status := h.sup.Status()
	assert.Equal(t, model.LinkStateStreaming, status.State)
	assert.EqualValues(t, 1, status.Stats.WriteErrors)
	assert.False(t, h.port.isClosed())
}

func TestRuntimeErrorReturnsToIdle(t *testing.T) {
	h := newHarness(t, preGranted())
	h.connect(t)
	h.waitState(t, model.LinkStateStreaming)

	h.port.readErr <- errors.New("device reports readiness to read but returned no data")

	ev := h.waitEvent(t, model.EventDisconnected)
	assert.Contains(t, ev.Message, "runtime I/O error")
	h.waitState(t, model.LinkStateIdle)
	assert.True(t, h.port.isClosed())

	// writes after the disconnect are dropped
	assert.NoError(t, h.sup.Send([]byte("x")))
}

func TestDisconnectWhileStreaming(t *testing.T) {
	h := newHarness(t, preGranted())
	h.connect(t)
	h.waitState(t, model.LinkStateStreaming)

	require.NoError(t, h.sup.Disconnect(context.Background()))
	assert.Equal(t, model.LinkStateIdle, h.sup.Status().State)
	assert.True(t, h.port.isClosed())
}

func TestDisconnectAbandonsOpening(t *testing.T) {
	h := newHarness(t, preGranted(), blockingOpen())
	h.connect(t)
	h.waitState(t, model.LinkStateOpening)

	require.NoError(t, h.sup.Disconnect(context.Background()))
	assert.Equal(t, model.LinkStateIdle, h.sup.Status().State)

	close(h.devices.block)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, model.LinkStateIdle, h.sup.Status().State)
}

func TestConnectAfterErrorRestarts(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.waitEvent(t, model.EventPermissionRequested)
	h.grant(t, false)
	h.waitState(t, model.LinkStateError)

	h.devices.allowed.Store(true)
	h.authority.allowed.Store(true)
	first := h.sup.Status().AttemptID

	second, err := h.sup.Connect(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	h.waitState(t, model.LinkStateStreaming)
	assert.Equal(t, model.ErrorReasonNone, h.sup.Status().ErrorReason)
}

func TestConsumerPanicDoesNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	logger := zap.NewNop()
	port := newTestPort()
	devices := &testDevices{}
	devices.allowed.Store(true)

	opener := protocol.NewOpener(devices, &testPorts{port: port}, nil, model.DefaultLineConfig(), logger)
	matcher := discovery.NewMatcher(&testFinder{devices: []*model.DeviceDescriptor{target}}, discovery.Filter{VendorID: 1155}, logger)
	var allowed atomic.Bool
	allowed.Store(true)
	gate := permission.NewGate(&testAuthority{allowed: &allowed}, logger)

	sup := NewSupervisor(matcher, gate, opener, ConsumerFunc(func([]byte) {
		calls.Add(1)
		panic("consumer bug")
	}), Options{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sup.Run(ctx)
	}()

	_, err := sup.Connect(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.Status().State == model.LinkStateStreaming }, 2*time.Second, 5*time.Millisecond)

	port.reads <- []byte("a")
	port.reads <- []byte("b")
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.LinkStateStreaming, sup.Status().State)

	cancel()
	<-runDone
	assert.True(t, port.isClosed())
}

func TestClosedSupervisorRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.sup.Close()

	_, err := h.sup.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.sup.Run(context.Background()), ErrAlreadyRunning)
}
