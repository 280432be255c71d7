// internal/pump/errors.go
package pump

import "errors"

var (
	// ErrRuntimeIO wraps the read failure that terminated the pump
	ErrRuntimeIO = errors.New("runtime I/O error")
	// ErrWriteFailed wraps a failed outbound write
	ErrWriteFailed = errors.New("write failed")
	// ErrNotConnected is returned by Write after Stop
	ErrNotConnected = errors.New("not connected")
)
