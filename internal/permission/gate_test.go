package permission

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usblink-service/internal/model"
)

type fakeAuthority struct {
	mu        sync.Mutex
	granted   bool
	err       error
	requests  int
	cancels   int
	resolvers []func(bool)
}

func (f *fakeAuthority) HasPermission(*model.DeviceDescriptor) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted
}

func (f *fakeAuthority) RequestPermission(_ *model.DeviceDescriptor, resolve func(bool)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.err != nil {
		return f.err
	}
	f.resolvers = append(f.resolvers, resolve)
	return nil
}

func (f *fakeAuthority) Cancel(*model.DeviceDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

var testDevice = &model.DeviceDescriptor{VendorID: 1155, ProductID: 0x5740, Ports: []string{"/dev/ttyACM0"}}

func TestRequestAccessPreGranted(t *testing.T) {
	auth := &fakeAuthority{granted: true}
	gate := NewGate(auth, zap.NewNop())

	decision, ch := gate.RequestAccess(testDevice)
	assert.Equal(t, DecisionGranted, decision)
	assert.Nil(t, ch)
	assert.Equal(t, model.PermissionGranted, gate.State())
	assert.Zero(t, auth.requests)
}

func TestRequestAccessPendingIsIdempotent(t *testing.T) {
	auth := &fakeAuthority{}
	gate := NewGate(auth, zap.NewNop())

	decision, first := gate.RequestAccess(testDevice)
	require.Equal(t, DecisionPending, decision)
	assert.Equal(t, model.PermissionPending, gate.State())

	decision, second := gate.RequestAccess(testDevice.Clone())
	assert.Equal(t, DecisionPending, decision)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, auth.requests)

	assert.True(t, gate.Resolve(true))
	assert.True(t, <-first)
	assert.Equal(t, model.PermissionGranted, gate.State())
	assert.False(t, gate.Pending())

	// single shot
	assert.False(t, gate.Resolve(false))
	assert.Equal(t, model.PermissionGranted, gate.State())
}

func TestAuthorityResolvesOnce(t *testing.T) {
	auth := &fakeAuthority{}
	gate := NewGate(auth, zap.NewNop())

	_, ch := gate.RequestAccess(testDevice)
	require.Len(t, auth.resolvers, 1)

	auth.resolvers[0](false)
	auth.resolvers[0](true)

	granted, ok := <-ch
	assert.True(t, ok)
	assert.False(t, granted)
	_, ok = <-ch
	assert.False(t, ok)
	assert.Equal(t, model.PermissionDenied, gate.State())
}

func TestResolveWithoutRequest(t *testing.T) {
	gate := NewGate(&fakeAuthority{}, zap.NewNop())

	assert.False(t, gate.Resolve(true))
	assert.Equal(t, model.PermissionUnknown, gate.State())
}

func TestRequestAccessAuthorityError(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("no prompt available")}
	gate := NewGate(auth, zap.NewNop())

	decision, _ := gate.RequestAccess(testDevice)
	assert.Equal(t, DecisionDenied, decision)
	assert.Equal(t, model.PermissionDenied, gate.State())
	assert.False(t, gate.Pending())
}

func TestResetCancelsPending(t *testing.T) {
	auth := &fakeAuthority{}
	gate := NewGate(auth, zap.NewNop())

	_, ch := gate.RequestAccess(testDevice)
	gate.Reset()

	assert.Equal(t, model.PermissionUnknown, gate.State())
	assert.False(t, gate.Pending())
	assert.Equal(t, 1, auth.cancels)

	// the abandoned request can no longer be answered
	auth.resolvers[0](true)
	select {
	case <-ch:
		t.Fatal("abandoned request was resolved")
	default:
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "granted", DecisionGranted.String())
	assert.Equal(t, "pending", DecisionPending.String())
	assert.Equal(t, "denied", DecisionDenied.String())
}
