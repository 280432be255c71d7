// internal/service/errors.go
package service

import "errors"

var (
	// ErrAttemptInFlight is returned by Connect when an attempt or link already exists
	ErrAttemptInFlight = errors.New("connection attempt already in progress")
	// ErrNotConnected is returned by Send when unconnected writes are reported
	ErrNotConnected = errors.New("link not connected")
	// ErrPermissionDenied ends an attempt whose access request was refused
	ErrPermissionDenied = errors.New("device access denied")
	// ErrClosed is returned once the supervisor has stopped
	ErrClosed = errors.New("supervisor closed")
	// ErrAlreadyRunning is returned by a second call to Run
	ErrAlreadyRunning = errors.New("supervisor already running")
)
