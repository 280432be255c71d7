// internal/permission/errors.go
package permission

import "errors"

var (
	// ErrNoPortNode means the device exposes no node to check access on
	ErrNoPortNode = errors.New("device has no serial port node")
)
