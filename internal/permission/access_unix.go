//go:build unix

// internal/permission/access_unix.go
package permission

import (
	"golang.org/x/sys/unix"
)

// nodeAccessible checks read and write access to a device node for this process
func nodeAccessible(path string) bool {
	return unix.Access(path, unix.R_OK|unix.W_OK) == nil
}
