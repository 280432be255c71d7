// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionRequired means the handle failed and access was never confirmed
	ErrPermissionRequired = errors.New("permission required")
	// ErrDeviceUnavailable means the handle could not be obtained for another reason
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrNoPort means the device exposes zero serial ports
	ErrNoPort = errors.New("device exposes no serial port")
	// ErrConfigFailed means the line configuration could not be applied
	ErrConfigFailed = errors.New("line configuration failed")
	// ErrAccessDenied is returned by device openers when the OS refused access
	ErrAccessDenied = errors.New("access denied")
)

// AccessError is returned by device openers when the OS refused access to a node
type AccessError struct {
	Node string
	Err  error
}

func (e *AccessError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%v: %v", ErrAccessDenied, e.Err)
	}
	return fmt.Sprintf("%v (%s): %v", ErrAccessDenied, e.Node, e.Err)
}

func (e *AccessError) Unwrap() []error {
	return []error{ErrAccessDenied, e.Err}
}

// OpenError is returned by Opener.Open; errors.Is matches both Kind and the cause
type OpenError struct {
	Kind error
	Port string
	// Node is the device node the OS refused, when known
	Node string
	Err  error
}

func (e *OpenError) Error() string {
	msg := e.Kind.Error()
	if e.Port != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Port)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OpenError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
