//go:build !unix

// internal/permission/access_other.go
package permission

import "os"

// nodeAccessible falls back to an existence check where node modes do not apply
func nodeAccessible(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
